package notify

import (
	"github.com/mkim-dev/quizduel/internal/duel"
)

// EventType names a duel notification.
type EventType string

const (
	EventMatchAccepted   EventType = "match_accepted"
	EventQuestionStarted EventType = "question_started"
	EventAnswerSubmitted EventType = "answer_submitted"
	EventBothAnswered    EventType = "both_answered"
	EventMatchFinished   EventType = "match_finished"
)

// Event is an advisory notification. Delivery is best-effort: events may be
// dropped, duplicated, or arrive out of order, and they carry no authority.
// Consumers must re-read the canonical Match/Answer state and treat the
// payload as nothing more than "something changed, go look".
type Event struct {
	Type EventType `json:"type"`

	RequestID string `json:"request_id,omitempty"`
	MatchID   string `json:"match_id,omitempty"`

	// match_accepted
	AccepterName string `json:"accepter_name,omitempty"`
	Rounds       int    `json:"rounds,omitempty"`
	Category     string `json:"category,omitempty"`
	Difficulty   string `json:"difficulty,omitempty"`

	// question_started / answer_submitted
	PlayerName      string `json:"player_name,omitempty"`
	CurrentQuestion int    `json:"current_question,omitempty"`
	TotalQuestions  int    `json:"total_questions,omitempty"`

	// answer_submitted / both_answered
	QuestionIndex int `json:"question_index"`

	// both_answered
	NextQuestion *duel.Question `json:"next_question,omitempty"`

	// match_finished
	WinnerID string `json:"winner_id,omitempty"`
}
