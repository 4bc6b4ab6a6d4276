package match

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mkim-dev/quizduel/internal/deck"
	"github.com/mkim-dev/quizduel/internal/duel"
	"github.com/mkim-dev/quizduel/internal/lobby"
	"github.com/mkim-dev/quizduel/internal/notify"
	"github.com/mkim-dev/quizduel/internal/obslog"
)

// asyncLobbyThreshold separates interactive lobbies from long-form 24-hour
// challenge lobbies; a request open longer than this gets the async round
// budget.
const asyncLobbyThreshold = 10 * time.Minute

// Manager coordinates asynchronous duel matches through the shared store.
// Every state transition that must happen at most once (accept, advance,
// forfeit) is a conditional write; there is no other locking layer.
type Manager struct {
	rdb   *redis.Client
	store *Store
	lobby *lobby.Manager
	prov  deck.Provisioner
	bus   *notify.Bus
	repo  *Repository

	budget      time.Duration
	budgetAsync time.Duration
}

func NewManager(rdb *redis.Client, lobbyMgr *lobby.Manager, prov deck.Provisioner, bus *notify.Bus, roundBudget, roundBudgetAsync time.Duration) *Manager {
	if roundBudget <= 0 {
		roundBudget = 15 * time.Second
	}
	if roundBudgetAsync <= 0 {
		roundBudgetAsync = 2 * time.Hour
	}
	return &Manager{
		rdb:         rdb,
		store:       NewStore(rdb),
		lobby:       lobbyMgr,
		prov:        prov,
		bus:         bus,
		budget:      roundBudget,
		budgetAsync: roundBudgetAsync,
	}
}

// AttachRepository wires a database repository for archiving finished matches.
func (m *Manager) AttachRepository(r *Repository) {
	if m != nil {
		m.repo = r
	}
}

// Store exposes the key layout for the watchdog sweep.
func (m *Manager) Store() *Store { return m.store }

// Accept resolves a pending request into exactly one active match. Exactly
// one of N concurrent accepters succeeds; the rest receive RaceLostError and
// should retry against a different open request. The deck is provisioned
// once, here, and persisted inside the match record.
func (m *Manager) Accept(ctx context.Context, requestID, accepterID, accepterName string) (*duel.Match, error) {
	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(accepterName) == "" {
		return nil, duel.ErrInvalidArgs
	}
	accepterID, healed := duel.EnsureIdentity(accepterID)
	if healed {
		obslog.L().Warn("match_identity_healed", zap.String("accepter_id", accepterID))
	}

	req, err := m.lobby.AcceptTransition(ctx, requestID, accepterID, accepterName)
	if err != nil {
		return nil, err
	}

	deckQs, err := m.prov.BuildDeck(ctx, req.Category, req.Difficulty, req.Rounds)
	if err != nil {
		// compensate so the requester is not stranded half-accepted
		if rerr := m.lobby.Reopen(ctx, requestID, accepterID); rerr != nil {
			obslog.L().Error("match_reopen_error", zap.String("request_id", requestID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("provision deck: %w", err)
	}
	if len(deckQs) != req.Rounds {
		if rerr := m.lobby.Reopen(ctx, requestID, accepterID); rerr != nil {
			obslog.L().Error("match_reopen_error", zap.String("request_id", requestID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("provision deck: got %d questions, want %d", len(deckQs), req.Rounds)
	}

	budget := m.budget
	if req.ExpiresAt.Sub(req.CreatedAt) > asyncLobbyThreshold {
		budget = m.budgetAsync
	}

	now := time.Now()
	g := &duel.Match{
		ID:                duel.NewID(),
		RequestID:         req.ID,
		Player1ID:         req.RequesterID,
		Player1Name:       req.RequesterName,
		Player2ID:         accepterID,
		Player2Name:       strings.TrimSpace(accepterName),
		Rounds:            req.Rounds,
		Category:          req.Category,
		Difficulty:        req.Difficulty,
		Deck:              deckQs,
		CurrentIdx:        0,
		Status:            duel.MatchQuestionActive,
		RoundBudget:       budget,
		QuestionStartTime: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := m.store.SaveMatch(ctx, g); err != nil {
		return nil, err
	}
	if err := m.store.IndexParticipants(ctx, g.ID, g.Player1ID, g.Player2ID); err != nil {
		return nil, err
	}
	if err := m.store.ScheduleRoundExpiry(ctx, g.ID, now.Add(budget)); err != nil {
		return nil, err
	}

	obslog.L().Info("match_create",
		zap.String("match_id", g.ID),
		zap.String("request_id", g.RequestID),
		zap.String("player1_id", g.Player1ID),
		zap.String("player2_id", g.Player2ID),
		zap.Int("rounds", g.Rounds),
		zap.Duration("round_budget", budget),
	)

	if m.bus != nil {
		m.bus.Publish(ctx, notify.Event{
			Type:         notify.EventMatchAccepted,
			RequestID:    req.ID,
			MatchID:      g.ID,
			AccepterName: g.Player2Name,
			Rounds:       g.Rounds,
			Category:     g.Category,
			Difficulty:   g.Difficulty,
		}, g.Player1ID)
		m.bus.Publish(ctx, notify.Event{
			Type:            notify.EventQuestionStarted,
			MatchID:         g.ID,
			CurrentQuestion: 0,
			TotalQuestions:  g.Rounds,
			PlayerName:      g.Player2Name,
		}, g.Player1ID, g.Player2ID)
	}
	return g, nil
}

// History returns the player's archived matches, newest first. Empty without
// an attached repository; redis only holds the last day of records.
func (m *Manager) History(ctx context.Context, playerID string, limit int) ([]*duel.Match, error) {
	if m.repo == nil {
		return nil, nil
	}
	return m.repo.RecentMatches(ctx, playerID, limit)
}

// Get loads a match by id.
func (m *Manager) Get(ctx context.Context, id string) (*duel.Match, error) {
	g, err := m.store.LoadMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, duel.ErrNotFound
	}
	return g, nil
}

// ActiveMatchByUser returns the user's most recently updated running match,
// or nil when none.
func (m *Manager) ActiveMatchByUser(ctx context.Context, userID string) (*duel.Match, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	ids, err := m.store.MatchIDsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var list []*duel.Match
	for _, id := range ids {
		g, gerr := m.store.LoadMatch(ctx, id)
		if gerr == nil && g != nil && g.Status.Running() {
			list = append(list, g)
		}
	}
	if len(list) == 0 {
		return nil, nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list[0], nil
}
