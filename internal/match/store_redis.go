package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkim-dev/quizduel/internal/duel"
)

const (
	// ttlRecord applies to match and answer keys. Finished matches are
	// archived to Postgres before the redis copy ages out.
	ttlRecord = 24 * time.Hour
)

// Store owns the redis key layout for matches and answers.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyMatch(id string) string { return "duel:match:" + strings.TrimSpace(id) }
func (s *Store) keyUserIdx(userID string) string {
	return "duel:index:user:" + strings.TrimSpace(userID)
}
func (s *Store) keyAnswer(matchID string, idx int, playerID string) string {
	return fmt.Sprintf("duel:answer:%s:%d:%s", strings.TrimSpace(matchID), idx, strings.TrimSpace(playerID))
}
func (s *Store) keyAnswered(matchID string, idx int) string {
	return fmt.Sprintf("duel:match:%s:answered:%d", strings.TrimSpace(matchID), idx)
}
func (s *Store) keyRoundExpiry() string { return "duel:expiry:round" }

func (s *Store) SaveMatch(ctx context.Context, m *duel.Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyMatch(m.ID), raw, ttlRecord).Err()
}

func (s *Store) LoadMatch(ctx context.Context, id string) (*duel.Match, error) {
	raw, err := s.rdb.Get(ctx, s.keyMatch(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m duel.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// IndexParticipants records the match under both players' indexes.
func (s *Store) IndexParticipants(ctx context.Context, matchID string, playerIDs ...string) error {
	for _, pid := range playerIDs {
		if strings.TrimSpace(pid) == "" {
			continue
		}
		key := s.keyUserIdx(pid)
		if err := s.rdb.SAdd(ctx, key, matchID).Err(); err != nil {
			return err
		}
		_ = s.rdb.Expire(ctx, key, ttlRecord).Err()
	}
	return nil
}

func (s *Store) MatchIDsByUser(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyUserIdx(userID)).Result()
}

// PutAnswer inserts the one-shot answer row. Returns false when a row for
// (match, index, player) already exists; the stored row is never overwritten.
func (s *Store) PutAnswer(ctx context.Context, a *duel.Answer) (bool, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	key := s.keyAnswer(a.MatchID, a.QuestionIndex, a.PlayerID)
	ok, err := s.rdb.SetNX(ctx, key, raw, ttlRecord).Result()
	if err != nil || !ok {
		return ok, err
	}
	set := s.keyAnswered(a.MatchID, a.QuestionIndex)
	if err := s.rdb.SAdd(ctx, set, a.PlayerID).Err(); err != nil {
		return true, err
	}
	_ = s.rdb.Expire(ctx, set, ttlRecord).Err()
	return true, nil
}

func (s *Store) LoadAnswer(ctx context.Context, matchID string, idx int, playerID string) (*duel.Answer, error) {
	raw, err := s.rdb.Get(ctx, s.keyAnswer(matchID, idx, playerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a duel.Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Respondents returns the ids of players who answered the given round.
func (s *Store) Respondents(ctx context.Context, matchID string, idx int) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyAnswered(matchID, idx)).Result()
}

// ScheduleRoundExpiry (re)schedules the watchdog deadline for the match's
// current round. One member per match; a new round overwrites the score.
func (s *Store) ScheduleRoundExpiry(ctx context.Context, matchID string, at time.Time) error {
	return s.rdb.ZAdd(ctx, s.keyRoundExpiry(), redis.Z{Score: float64(at.UnixMilli()), Member: matchID}).Err()
}

func (s *Store) UnscheduleRoundExpiry(ctx context.Context, matchID string) error {
	return s.rdb.ZRem(ctx, s.keyRoundExpiry(), matchID).Err()
}

// DueMatchIDs returns at most limit match ids whose round deadline is at or
// before now.
func (s *Store) DueMatchIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.keyRoundExpiry(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}

// NextDeadline returns the earliest scheduled round deadline, or zero time
// when none.
func (s *Store) NextDeadline(ctx context.Context) (time.Time, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, s.keyRoundExpiry(), 0, 0).Result()
	if err != nil || len(zs) == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(zs[0].Score)), nil
}
