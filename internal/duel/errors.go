package duel

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgs     = errors.New("invalid arguments")
	ErrNotFound        = errors.New("request or match no longer available")
	ErrSelfMatch       = errors.New("cannot accept own match request")
	ErrAlreadyAnswered = errors.New("answer already recorded for this round")
	ErrStaleQuestion   = errors.New("answer targets a round that already advanced")
	ErrRoundTimeout    = errors.New("round answer budget exceeded")
	ErrMatchOver       = errors.New("match is no longer running")
)

// RaceLostError signals that another accepter won the conditional transition
// on a pending request. Expected under contention; callers should retry
// against a different open request.
type RaceLostError struct {
	RequestID  string
	WinnerName string
}

func (e *RaceLostError) Error() string {
	if e.WinnerName != "" {
		return fmt.Sprintf("request %s already accepted by %s", e.RequestID, e.WinnerName)
	}
	return fmt.Sprintf("request %s already accepted", e.RequestID)
}

// IsRaceLost reports whether err is a lost accept race.
func IsRaceLost(err error) bool {
	var rl *RaceLostError
	return errors.As(err, &rl)
}
