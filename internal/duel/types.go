package duel

import (
	"time"
)

// RequestStatus represents the lifecycle state of an open match request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestAccepted  RequestStatus = "ACCEPTED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestExpired   RequestStatus = "EXPIRED"
)

// Resolved reports whether the request has left PENDING. Transitions out of
// PENDING are one-way; a resolved request never becomes pending again.
func (s RequestStatus) Resolved() bool { return s != RequestPending }

// MatchStatus represents the lifecycle state of a duel match.
type MatchStatus string

const (
	MatchActive          MatchStatus = "ACTIVE"
	MatchQuestionActive  MatchStatus = "QUESTION_ACTIVE"
	MatchQuestionTimeout MatchStatus = "QUESTION_TIMEOUT"
	MatchFinished        MatchStatus = "FINISHED"
	MatchForfeited       MatchStatus = "FORFEITED"
)

// Running reports whether the match still accepts answers.
func (s MatchStatus) Running() bool {
	return s == MatchActive || s == MatchQuestionActive || s == MatchQuestionTimeout
}

// Question is one entry of a match deck. Once a deck is persisted inside a
// Match it is immutable; both players read the same text, options and
// correct index at every position.
type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Category     string   `json:"category"`
	Difficulty   string   `json:"difficulty"`
}

// MatchRequest is a player's open offer to be paired for an asynchronous duel.
type MatchRequest struct {
	ID            string        `json:"id"`
	RequesterID   string        `json:"requester_id"`
	RequesterName string        `json:"requester_name"`
	Rounds        int           `json:"rounds"`
	Category      string        `json:"category"`
	Difficulty    string        `json:"difficulty"`
	Status        RequestStatus `json:"status"`
	AccepterID    string        `json:"accepter_id,omitempty"`
	AccepterName  string        `json:"accepter_name,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Match is the persisted state of an asynchronous duel. The deck is sampled
// exactly once when the request is accepted and never re-sampled.
type Match struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"request_id"`
	Player1ID   string      `json:"player1_id"`
	Player1Name string      `json:"player1_name"`
	Player2ID   string      `json:"player2_id"`
	Player2Name string      `json:"player2_name"`
	Rounds      int         `json:"rounds"`
	Category    string      `json:"category"`
	Difficulty  string      `json:"difficulty"`
	Deck        []Question  `json:"deck"`
	CurrentIdx  int         `json:"current_question_index"`
	Status      MatchStatus `json:"status"`
	// RoundBudget is the per-question answer budget chosen at accept time
	// (seconds for interactive play, hours for 24-hour async play).
	RoundBudget       time.Duration `json:"round_budget_ns"`
	WinnerID          string        `json:"winner_id,omitempty"`
	QuestionStartTime time.Time     `json:"question_start_time"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	FinishedAt        time.Time     `json:"finished_at,omitempty"`
}

// PlayerName resolves a participant id to its display name.
func (m *Match) PlayerName(playerID string) string {
	switch playerID {
	case m.Player1ID:
		return m.Player1Name
	case m.Player2ID:
		return m.Player2Name
	}
	return ""
}

// Opponent returns the other participant's id, or "" when the given id is
// not a participant.
func (m *Match) Opponent(playerID string) string {
	switch playerID {
	case m.Player1ID:
		return m.Player2ID
	case m.Player2ID:
		return m.Player1ID
	}
	return ""
}

// HasPlayer reports whether the given id is one of the two participants.
func (m *Match) HasPlayer(playerID string) bool {
	return playerID != "" && (playerID == m.Player1ID || playerID == m.Player2ID)
}

// Answer is the one-shot record of a player's answer for one round.
// At most one Answer exists per (match, question index, player).
type Answer struct {
	MatchID       string    `json:"match_id"`
	PlayerID      string    `json:"player_id"`
	QuestionIndex int       `json:"question_index"`
	AnswerIndex   int       `json:"answer_index"`
	TimeSpentMs   int64     `json:"time_spent_ms"`
	AnsweredAt    time.Time `json:"answered_at"`
}
