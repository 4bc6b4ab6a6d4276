package lobby

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mkim-dev/quizduel/internal/duel"
	"github.com/mkim-dev/quizduel/internal/obslog"
)

// Manager is the lobby of open match requests. Every transition out of
// PENDING is a conditional write guarded on the row's pre-image, so racing
// clients (accepters, cancellers, watchdogs) cannot double-resolve a request.
type Manager struct {
	rdb   *redis.Client
	store *Store
	ttl   time.Duration
}

func NewManager(rdb *redis.Client, lobbyTTL time.Duration) *Manager {
	if lobbyTTL <= 0 {
		lobbyTTL = 5 * time.Minute
	}
	return &Manager{rdb: rdb, store: NewStore(rdb), ttl: lobbyTTL}
}

// Store exposes the key layout for the watchdog sweep.
func (m *Manager) Store() *Store { return m.store }

// Create opens a new pending match request owned by requesterID. A malformed
// requester identity is replaced with a freshly minted one rather than
// failing the call.
func (m *Manager) Create(ctx context.Context, requesterID, requesterName string, rounds int, category, difficulty string) (*duel.MatchRequest, error) {
	if strings.TrimSpace(requesterName) == "" {
		return nil, duel.ErrInvalidArgs
	}
	if rounds < MinRounds || rounds > MaxRounds {
		return nil, duel.ErrInvalidArgs
	}

	requesterID, healed := duel.EnsureIdentity(requesterID)
	if healed {
		obslog.L().Warn("lobby_identity_healed", zap.String("requester_id", requesterID))
	}

	now := time.Now()
	r := &duel.MatchRequest{
		ID:            duel.NewID(),
		RequesterID:   requesterID,
		RequesterName: strings.TrimSpace(requesterName),
		Rounds:        rounds,
		Category:      strings.ToLower(strings.TrimSpace(category)),
		Difficulty:    strings.ToLower(strings.TrimSpace(difficulty)),
		Status:        duel.RequestPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}

	if err := m.store.SaveRequest(ctx, r); err != nil {
		return nil, err
	}
	if err := m.store.AddOpen(ctx, r.ID); err != nil {
		return nil, err
	}
	if err := m.store.ScheduleExpiry(ctx, r.ID, r.ExpiresAt); err != nil {
		return nil, err
	}
	obslog.L().Info("lobby_request_create",
		zap.String("request_id", r.ID),
		zap.String("requester_id", r.RequesterID),
		zap.Int("rounds", r.Rounds),
		zap.String("category", r.Category),
		zap.String("difficulty", r.Difficulty),
	)
	return r, nil
}

// ListOpen returns pending requests not owned by excludeRequesterID, newest
// first. Self-matching is forbidden, so the caller's own requests never
// appear.
func (m *Manager) ListOpen(ctx context.Context, excludeRequesterID string, f Filters) ([]*duel.MatchRequest, error) {
	ids, err := m.store.OpenIDs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []*duel.MatchRequest
	for _, id := range ids {
		r, err := m.store.LoadRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil || r.Status != duel.RequestPending {
			// resolved or evicted; drop from the open index
			_ = m.store.RemoveOpen(ctx, id)
			continue
		}
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			continue // due for the watchdog, not listable
		}
		if r.RequesterID == excludeRequesterID {
			continue
		}
		if f.Rounds != 0 && r.Rounds != f.Rounds {
			continue
		}
		if f.Category != "" && !strings.EqualFold(r.Category, f.Category) {
			continue
		}
		if f.Difficulty != "" && !strings.EqualFold(r.Difficulty, f.Difficulty) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Get loads a request by id.
func (m *Manager) Get(ctx context.Context, id string) (*duel.MatchRequest, error) {
	r, err := m.store.LoadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, duel.ErrNotFound
	}
	return r, nil
}

// Cancel moves the requester's own pending request to CANCELLED. Losing the
// resolution race is not an error: if an accepter got there first the call
// is a silent no-op.
func (m *Manager) Cancel(ctx context.Context, id, requesterID string) error {
	resolved, err := m.transition(ctx, id, duel.RequestCancelled, func(r *duel.MatchRequest) bool {
		return r.RequesterID == requesterID
	})
	if err != nil {
		return err
	}
	if resolved {
		obslog.L().Info("lobby_request_cancel", zap.String("request_id", id))
	}
	return nil
}

// Expire moves a pending request to EXPIRED. Safe to fire redundantly from
// any number of clients; only the first conditional write applies.
func (m *Manager) Expire(ctx context.Context, id string) (bool, error) {
	resolved, err := m.transition(ctx, id, duel.RequestExpired, nil)
	if err != nil {
		return false, err
	}
	if resolved {
		obslog.L().Info("lobby_request_expire", zap.String("request_id", id))
	}
	return resolved, nil
}

// AcceptTransition claims a pending request for the accepter. The write is a
// single conditional update guarded on the row still being PENDING with no
// accepter — the sole concurrency-correctness mechanism for accept races.
// Exactly one caller ever succeeds; everyone else gets RaceLostError.
func (m *Manager) AcceptTransition(ctx context.Context, id, accepterID, accepterName string) (*duel.MatchRequest, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(accepterID) == "" {
		return nil, duel.ErrInvalidArgs
	}
	key := m.store.keyRequest(id)
	var accepted *duel.MatchRequest
	var raceWinner string
	raceLost := false

	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return duel.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur duel.MatchRequest
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.RequesterID == accepterID {
			return duel.ErrSelfMatch
		}
		if cur.Status != duel.RequestPending || cur.AccepterID != "" {
			raceLost = true
			raceWinner = cur.AccepterName
			return nil
		}
		if time.Now().After(cur.ExpiresAt) {
			return duel.ErrNotFound // due for expiry; not acceptable anymore
		}
		cur.Status = duel.RequestAccepted
		cur.AccepterID = accepterID
		cur.AccepterName = strings.TrimSpace(accepterName)
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRecord)
		pipe.SRem(ctx, m.store.keyOpen(), id)
		pipe.ZRem(ctx, m.store.keyExpiry(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		accepted = &cur
		return nil
	}, key)

	if err == redis.TxFailedErr {
		// a concurrent accepter modified the row mid-transaction
		if cur, lerr := m.store.LoadRequest(ctx, id); lerr == nil && cur != nil {
			return nil, &duel.RaceLostError{RequestID: id, WinnerName: cur.AccepterName}
		}
		return nil, &duel.RaceLostError{RequestID: id}
	}
	if err != nil {
		return nil, err
	}
	if raceLost {
		return nil, &duel.RaceLostError{RequestID: id, WinnerName: raceWinner}
	}
	return accepted, nil
}

// Reopen rolls an ACCEPTED request held by accepterID back to PENDING. It is
// the compensating write for deck provisioning failures, so a half-accepted
// request does not strand the requester.
func (m *Manager) Reopen(ctx context.Context, id, accepterID string) error {
	key := m.store.keyRequest(id)
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var cur duel.MatchRequest
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Status != duel.RequestAccepted || cur.AccepterID != accepterID {
			return nil
		}
		cur.Status = duel.RequestPending
		cur.AccepterID = ""
		cur.AccepterName = ""
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRecord)
		pipe.SAdd(ctx, m.store.keyOpen(), id)
		pipe.ZAdd(ctx, m.store.keyExpiry(), redis.Z{Score: float64(cur.ExpiresAt.UnixMilli()), Member: id})
		_, perr := pipe.Exec(ctx)
		return perr
	}, key)
	if err == redis.TxFailedErr {
		return nil
	}
	if err == nil {
		obslog.L().Warn("lobby_request_reopen", zap.String("request_id", id))
	}
	return err
}

// transition performs the guarded PENDING→status write. The extra guard, when
// non-nil, must also hold on the pre-image. Returns false when another party
// already resolved the request.
func (m *Manager) transition(ctx context.Context, id string, status duel.RequestStatus, guard func(*duel.MatchRequest) bool) (bool, error) {
	key := m.store.keyRequest(id)
	applied := false
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil // gone; nothing to resolve
		}
		if err != nil {
			return err
		}
		var cur duel.MatchRequest
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Status != duel.RequestPending {
			return nil
		}
		if guard != nil && !guard(&cur) {
			return nil
		}
		cur.Status = status
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRecord)
		pipe.SRem(ctx, m.store.keyOpen(), id)
		pipe.ZRem(ctx, m.store.keyExpiry(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	}, key)
	if err == redis.TxFailedErr {
		// concurrent writer touched the row; it resolved first
		return false, nil
	}
	return applied, err
}
