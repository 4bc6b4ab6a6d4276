package deck

import (
	"context"

	"github.com/mkim-dev/quizduel/internal/duel"
)

// Provisioner builds an ordered question deck for a new match. The match
// accepter calls it exactly once per match and persists the result inside
// the match record; later reads never re-sample, so both peers see the same
// questions in the same order.
type Provisioner interface {
	BuildDeck(ctx context.Context, category, difficulty string, rounds int) ([]duel.Question, error)
}

// ProvisionerFunc adapts a plain function to the Provisioner interface.
type ProvisionerFunc func(ctx context.Context, category, difficulty string, rounds int) ([]duel.Question, error)

func (f ProvisionerFunc) BuildDeck(ctx context.Context, category, difficulty string, rounds int) ([]duel.Question, error) {
	return f(ctx, category, difficulty, rounds)
}
