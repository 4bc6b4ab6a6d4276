package duel

import (
	"strings"

	"github.com/google/uuid"
)

// EnsureIdentity validates a caller-supplied player id and mints a fresh one
// when it is malformed. A bad identity token self-heals instead of failing
// the operation; healed reports whether a new id was issued.
func EnsureIdentity(playerID string) (id string, healed bool) {
	id = strings.TrimSpace(playerID)
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewString(), true
}

// NewID returns a globally-unique id for requests, matches and answers.
func NewID() string { return uuid.NewString() }
