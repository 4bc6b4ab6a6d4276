package match

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/mkim-dev/quizduel/internal/duel"
)

// Repository archives finished and forfeited matches into Postgres. Redis
// copies age out after a day; this is the durable history.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a final match into the database. Re-archiving the same
// match (both clients may try) overwrites with identical data, so the upsert
// is effectively idempotent.
func (r *Repository) SaveResult(ctx context.Context, g *duel.Match, p1Score, p2Score int) error {
	if r == nil || r.db == nil || g == nil {
		return nil
	}
	if g.Status != duel.MatchFinished && g.Status != duel.MatchForfeited {
		return nil
	}

	deckRaw, err := json.Marshal(g.Deck)
	if err != nil {
		return fmt.Errorf("marshal deck: %w", err)
	}
	duration := g.FinishedAt.Sub(g.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO duel_matches (
	    match_id, request_id, player1_id, player1_name, player2_id, player2_name,
	    rounds, category, difficulty,
	    status, winner_id, player1_score, player2_score, deck,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
	  ) ON CONFLICT (match_id) DO UPDATE SET
	    status=EXCLUDED.status,
	    winner_id=EXCLUDED.winner_id,
	    player1_score=EXCLUDED.player1_score,
	    player2_score=EXCLUDED.player2_score,
	    deck=EXCLUDED.deck,
	    started_at=EXCLUDED.started_at,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		g.ID, g.RequestID,
		g.Player1ID, g.Player1Name,
		g.Player2ID, g.Player2Name,
		g.Rounds, g.Category, g.Difficulty,
		string(g.Status), g.WinnerID, p1Score, p2Score, string(deckRaw),
		g.CreatedAt, g.FinishedAt, duration,
	)
	return err
}

// SaveAnswers archives the one-shot answer rows for a finished match.
// Duplicate rows are ignored so redundant archiving stays a no-op.
func (r *Repository) SaveAnswers(ctx context.Context, answers []*duel.Answer) error {
	if r == nil || r.db == nil || len(answers) == 0 {
		return nil
	}
	q := `INSERT INTO duel_answers (
	    match_id, player_id, question_index, answer_index, time_spent_ms, answered_at
	  ) VALUES ($1,$2,$3,$4,$5,$6)
	  ON CONFLICT (match_id, question_index, player_id) DO NOTHING`
	for _, a := range answers {
		if a == nil {
			continue
		}
		if _, err := r.db.ExecContext(ctx, q,
			a.MatchID, a.PlayerID, a.QuestionIndex, a.AnswerIndex, a.TimeSpentMs, a.AnsweredAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// RecentMatches returns the durable history for a player, newest first.
func (r *Repository) RecentMatches(ctx context.Context, playerID string, limit int) ([]*duel.Match, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT match_id, request_id, player1_id, player1_name, player2_id, player2_name,
	    rounds, category, difficulty, status, winner_id, deck, started_at, ended_at
	  FROM duel_matches
	  WHERE player1_id = $1 OR player2_id = $1
	  ORDER BY ended_at DESC
	  LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*duel.Match
	for rows.Next() {
		var g duel.Match
		var status string
		var deckRaw []byte
		if err := rows.Scan(
			&g.ID, &g.RequestID,
			&g.Player1ID, &g.Player1Name, &g.Player2ID, &g.Player2Name,
			&g.Rounds, &g.Category, &g.Difficulty,
			&status, &g.WinnerID, &deckRaw, &g.CreatedAt, &g.FinishedAt,
		); err != nil {
			return nil, err
		}
		g.Status = duel.MatchStatus(status)
		if err := json.Unmarshal(deckRaw, &g.Deck); err != nil {
			return nil, fmt.Errorf("decode deck: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}
