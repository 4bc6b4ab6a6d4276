package match

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mkim-dev/quizduel/internal/duel"
	"github.com/mkim-dev/quizduel/internal/notify"
	"github.com/mkim-dev/quizduel/internal/obslog"
)

// SubmitAnswer records a player's answer for one round and advances the match
// when both participants have answered. Submission is one-shot and
// idempotent; convergence detection may run redundantly from either peer
// because the advance is gated on the current index value.
//
// Late answers for rounds that already advanced are stored (they are valid
// for their stated index and count for scoring) but never re-trigger an
// advance; the caller still gets ErrStaleQuestion so it resynchronizes.
func (m *Manager) SubmitAnswer(ctx context.Context, matchID, playerID string, questionIndex, answerIndex int, timeSpent time.Duration) (*duel.Match, error) {
	g, err := m.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !g.HasPlayer(playerID) || questionIndex < 0 || questionIndex >= g.Rounds {
		return g, duel.ErrInvalidArgs
	}
	// answerIndex -1 means an explicit empty answer
	if answerIndex < -1 || answerIndex >= len(g.Deck[questionIndex].Options) {
		return g, duel.ErrInvalidArgs
	}
	if !g.Status.Running() {
		return g, duel.ErrMatchOver
	}

	if questionIndex > g.CurrentIdx {
		return g, duel.ErrStaleQuestion
	}
	if questionIndex < g.CurrentIdx {
		// keep the row for scoring, skip all advance logic
		_, _ = m.store.PutAnswer(ctx, &duel.Answer{
			MatchID:       matchID,
			PlayerID:      playerID,
			QuestionIndex: questionIndex,
			AnswerIndex:   answerIndex,
			TimeSpentMs:   timeSpent.Milliseconds(),
			AnsweredAt:    time.Now(),
		})
		return g, duel.ErrStaleQuestion
	}

	if time.Since(g.QuestionStartTime) > g.RoundBudget {
		// the round is overdue; take the fallback-advance path instead of
		// accepting the answer
		m.markTimeout(ctx, matchID, questionIndex)
		if _, _, err := m.ForceAdvance(ctx, matchID, questionIndex); err != nil {
			obslog.L().Warn("match_timeout_advance_error", zap.String("match_id", matchID), zap.Error(err))
		}
		return g, duel.ErrRoundTimeout
	}

	inserted, err := m.store.PutAnswer(ctx, &duel.Answer{
		MatchID:       matchID,
		PlayerID:      playerID,
		QuestionIndex: questionIndex,
		AnswerIndex:   answerIndex,
		TimeSpentMs:   timeSpent.Milliseconds(),
		AnsweredAt:    time.Now(),
	})
	if err != nil {
		return g, err
	}
	if !inserted {
		return g, duel.ErrAlreadyAnswered
	}

	obslog.L().Info("match_answer",
		zap.String("match_id", matchID),
		zap.String("player_id", playerID),
		zap.Int("question_index", questionIndex),
	)
	if m.bus != nil {
		m.bus.Publish(ctx, notify.Event{
			Type:          notify.EventAnswerSubmitted,
			MatchID:       matchID,
			PlayerName:    g.PlayerName(playerID),
			QuestionIndex: questionIndex,
		}, g.Opponent(playerID))
	}

	respondents, err := m.store.Respondents(ctx, matchID, questionIndex)
	if err != nil {
		return g, err
	}
	if !containsBoth(respondents, g.Player1ID, g.Player2ID) {
		return m.Get(ctx, matchID)
	}

	// convergence: both answers present for the current round
	g, _, err = m.advance(ctx, matchID, questionIndex, true)
	return g, err
}

// ForceAdvance advances the match past expectedIndex regardless of how many
// players answered; missing answers count as unanswered for scoring. The
// watchdog calls this when the round budget elapses. Safe to fire
// redundantly: the write is gated on the current index value, so it applies
// at most once per index.
func (m *Manager) ForceAdvance(ctx context.Context, matchID string, expectedIndex int) (*duel.Match, bool, error) {
	return m.advance(ctx, matchID, expectedIndex, false)
}

// advance moves currentQuestionIndex from fromIdx to fromIdx+1, or finishes
// the match when the deck is exhausted. A conditional write gated on the
// current index makes it idempotent and commutative across peers.
func (m *Manager) advance(ctx context.Context, matchID string, fromIdx int, converged bool) (*duel.Match, bool, error) {
	// scores are derived from immutable one-shot answer rows, so reading
	// them before the conditional write is safe
	p1Score, p2Score, err := m.Score(ctx, matchID)
	if err != nil {
		return nil, false, err
	}

	key := m.store.keyMatch(matchID)
	var out *duel.Match
	applied := false

	err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return duel.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur duel.Match
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		out = &cur
		if !cur.Status.Running() || cur.CurrentIdx != fromIdx {
			return nil // someone else advanced first; nothing to do
		}

		now := time.Now()
		cur.CurrentIdx = fromIdx + 1
		cur.UpdatedAt = now
		if cur.CurrentIdx >= cur.Rounds {
			cur.Status = duel.MatchFinished
			cur.FinishedAt = now
			switch {
			case p1Score > p2Score:
				cur.WinnerID = cur.Player1ID
			case p2Score > p1Score:
				cur.WinnerID = cur.Player2ID
			}
		} else {
			cur.Status = duel.MatchQuestionActive
			cur.QuestionStartTime = now
		}

		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRecord)
		if cur.Status == duel.MatchFinished {
			pipe.ZRem(ctx, m.store.keyRoundExpiry(), matchID)
		} else {
			pipe.ZAdd(ctx, m.store.keyRoundExpiry(), redis.Z{
				Score:  float64(now.Add(cur.RoundBudget).UnixMilli()),
				Member: matchID,
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	}, key)

	if err == redis.TxFailedErr {
		// a concurrent advance won; re-read and report no-op
		cur, lerr := m.Get(ctx, matchID)
		return cur, false, lerr
	}
	if err != nil {
		return out, false, err
	}
	if !applied {
		return out, false, nil
	}

	obslog.L().Info("match_advance",
		zap.String("match_id", matchID),
		zap.Int("from_index", fromIdx),
		zap.Bool("converged", converged),
		zap.String("status", string(out.Status)),
	)
	m.publishAdvance(ctx, out, fromIdx, converged)

	if out.Status == duel.MatchFinished {
		m.archive(ctx, out)
	}
	return out, true, nil
}

func (m *Manager) publishAdvance(ctx context.Context, g *duel.Match, fromIdx int, converged bool) {
	if m.bus == nil {
		return
	}
	if converged {
		ev := notify.Event{
			Type:          notify.EventBothAnswered,
			MatchID:       g.ID,
			QuestionIndex: fromIdx,
		}
		if g.Status != duel.MatchFinished && g.CurrentIdx < len(g.Deck) {
			q := g.Deck[g.CurrentIdx]
			ev.NextQuestion = &q
		}
		m.bus.Publish(ctx, ev, g.Player1ID, g.Player2ID)
	}
	if g.Status == duel.MatchFinished {
		m.bus.Publish(ctx, notify.Event{
			Type:     notify.EventMatchFinished,
			MatchID:  g.ID,
			WinnerID: g.WinnerID,
		}, g.Player1ID, g.Player2ID)
		return
	}
	m.bus.Publish(ctx, notify.Event{
		Type:            notify.EventQuestionStarted,
		MatchID:         g.ID,
		CurrentQuestion: g.CurrentIdx,
		TotalQuestions:  g.Rounds,
	}, g.Player1ID, g.Player2ID)
}

// markTimeout flips the current round into the transient QUESTION_TIMEOUT
// sub-state. Best-effort; the advance itself is what guarantees progress.
func (m *Manager) markTimeout(ctx context.Context, matchID string, idx int) {
	key := m.store.keyMatch(matchID)
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var cur duel.Match
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Status != duel.MatchQuestionActive || cur.CurrentIdx != idx {
			return nil
		}
		cur.Status = duel.MatchQuestionTimeout
		cur.UpdatedAt = time.Now()
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRecord)
		_, perr := pipe.Exec(ctx)
		return perr
	}, key)
	if err != nil && err != redis.TxFailedErr {
		obslog.L().Debug("match_mark_timeout_error", zap.String("match_id", matchID), zap.Error(err))
	}
}

// Forfeit resolves the match as a loss for the abandoning player. The match
// record is kept (history stays auditable); only its status changes.
func (m *Manager) Forfeit(ctx context.Context, matchID, playerID string) (*duel.Match, error) {
	key := m.store.keyMatch(matchID)
	var out *duel.Match
	applied := false

	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return duel.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur duel.Match
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		out = &cur
		if !cur.HasPlayer(playerID) {
			return duel.ErrInvalidArgs
		}
		if !cur.Status.Running() {
			return duel.ErrMatchOver
		}
		now := time.Now()
		cur.Status = duel.MatchForfeited
		cur.WinnerID = cur.Opponent(playerID)
		cur.UpdatedAt = now
		cur.FinishedAt = now
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRecord)
		pipe.ZRem(ctx, m.store.keyRoundExpiry(), matchID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	}, key)

	if err == redis.TxFailedErr {
		return nil, duel.ErrMatchOver
	}
	if err != nil {
		return out, err
	}
	if applied {
		obslog.L().Info("match_forfeit",
			zap.String("match_id", matchID),
			zap.String("forfeiter", playerID),
			zap.String("winner_id", out.WinnerID),
		)
		if m.bus != nil {
			m.bus.Publish(ctx, notify.Event{
				Type:     notify.EventMatchFinished,
				MatchID:  out.ID,
				WinnerID: out.WinnerID,
			}, out.Player1ID, out.Player2ID)
		}
		m.archive(ctx, out)
	}
	return out, nil
}

// Score counts correct answers per player from the stored answer rows.
func (m *Manager) Score(ctx context.Context, matchID string) (p1, p2 int, err error) {
	g, err := m.Get(ctx, matchID)
	if err != nil {
		return 0, 0, err
	}
	for idx := 0; idx < g.Rounds && idx < len(g.Deck); idx++ {
		for _, pid := range []string{g.Player1ID, g.Player2ID} {
			a, aerr := m.store.LoadAnswer(ctx, matchID, idx, pid)
			if aerr != nil {
				return 0, 0, aerr
			}
			if a == nil || a.AnswerIndex != g.Deck[idx].CorrectIndex {
				continue
			}
			if pid == g.Player1ID {
				p1++
			} else {
				p2++
			}
		}
	}
	return p1, p2, nil
}

// Archive persists a finished match via the attached repository; nil-safe.
func (m *Manager) archive(ctx context.Context, g *duel.Match) {
	if m.repo == nil || g == nil {
		return
	}
	p1, p2, err := m.Score(ctx, g.ID)
	if err != nil {
		obslog.L().Error("match_archive_score_error", zap.String("match_id", g.ID), zap.Error(err))
		return
	}
	if err := m.repo.SaveResult(ctx, g, p1, p2); err != nil {
		obslog.L().Error("match_archive_error", zap.String("match_id", g.ID), zap.Error(err))
		return
	}
	var answers []*duel.Answer
	for idx := 0; idx < g.Rounds; idx++ {
		for _, pid := range []string{g.Player1ID, g.Player2ID} {
			if a, aerr := m.store.LoadAnswer(ctx, g.ID, idx, pid); aerr == nil && a != nil {
				answers = append(answers, a)
			}
		}
	}
	if err := m.repo.SaveAnswers(ctx, answers); err != nil {
		obslog.L().Error("match_archive_answers_error", zap.String("match_id", g.ID), zap.Error(err))
		return
	}
	obslog.L().Info("match_archive", zap.String("match_id", g.ID), zap.Int("p1_score", p1), zap.Int("p2_score", p2))
}

func containsBoth(ids []string, a, b string) bool {
	var hasA, hasB bool
	for _, id := range ids {
		if id == a {
			hasA = true
		}
		if id == b {
			hasB = true
		}
	}
	return hasA && hasB
}
