package lobby

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkim-dev/quizduel/internal/duel"
)

const (
	// ttlRecord keeps resolved requests readable for late clients; logical
	// expiry is driven by ExpiresAt, not by the key TTL.
	ttlRecord = 24 * time.Hour
)

// Store owns the redis key layout for match requests.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyRequest(id string) string { return "duel:req:" + strings.TrimSpace(id) }
func (s *Store) keyOpen() string             { return "duel:lobby" }
func (s *Store) keyExpiry() string           { return "duel:expiry:req" }

func (s *Store) SaveRequest(ctx context.Context, r *duel.MatchRequest) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyRequest(r.ID), raw, ttlRecord).Err()
}

func (s *Store) LoadRequest(ctx context.Context, id string) (*duel.MatchRequest, error) {
	raw, err := s.rdb.Get(ctx, s.keyRequest(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r duel.MatchRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) AddOpen(ctx context.Context, id string) error {
	if err := s.rdb.SAdd(ctx, s.keyOpen(), id).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyOpen(), ttlRecord).Err()
}

func (s *Store) RemoveOpen(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.keyOpen(), id).Err()
}

func (s *Store) OpenIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyOpen()).Result()
}

// ScheduleExpiry records when the watchdog should expire the request.
func (s *Store) ScheduleExpiry(ctx context.Context, id string, at time.Time) error {
	return s.rdb.ZAdd(ctx, s.keyExpiry(), redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err()
}

func (s *Store) UnscheduleExpiry(ctx context.Context, id string) error {
	return s.rdb.ZRem(ctx, s.keyExpiry(), id).Err()
}

// DueIDs returns at most limit request ids whose expiry deadline is at or
// before now.
func (s *Store) DueIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.keyExpiry(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
}

// NextDeadline returns the earliest scheduled expiry, or zero time when none.
func (s *Store) NextDeadline(ctx context.Context) (time.Time, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, s.keyExpiry(), 0, 0).Result()
	if err != nil || len(zs) == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(zs[0].Score)), nil
}
