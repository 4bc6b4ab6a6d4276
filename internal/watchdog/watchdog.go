package watchdog

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/mkim-dev/quizduel/internal/duel"
	"github.com/mkim-dev/quizduel/internal/lobby"
	"github.com/mkim-dev/quizduel/internal/match"
	"github.com/mkim-dev/quizduel/internal/obslog"
)

const idlePollInterval = 5 * time.Second

// Watchdog is the time-based liveness mechanism: it expires stale lobby
// requests and forces round advances when a peer never answers. Timers run
// per client with no central scheduler; because every underlying write is
// conditional, any number of watchdogs racing over the same entity is
// harmless — only one write applies.
type Watchdog struct {
	clock clockwork.Clock
	lobby *lobby.Manager
	match *match.Manager
	batch int

	wakeCh     chan struct{}
	instanceID string
}

type Option func(*Watchdog)

// WithClock injects a clock; tests pass a clockwork fake.
func WithClock(c clockwork.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

func New(lobbyMgr *lobby.Manager, matchMgr *match.Manager, batch int, opts ...Option) *Watchdog {
	if batch <= 0 {
		batch = 64
	}
	w := &Watchdog{
		clock:      clockwork.NewRealClock(),
		lobby:      lobbyMgr,
		match:      matchMgr,
		batch:      batch,
		wakeCh:     make(chan struct{}, 1),
		instanceID: duel.NewID()[:8],
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Poke wakes the scheduler early, e.g. after a local schedule change.
func (w *Watchdog) Poke() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until ctx ends, sleeping until the next deadline and sweeping
// due entities.
func (w *Watchdog) Run(ctx context.Context) error {
	obslog.L().Info("watchdog_started", zap.String("instance", w.instanceID))

	timer := w.clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.wakeCh:
		default:
		}

		wait := w.nextWait(ctx)
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			obslog.L().Info("watchdog_stopped", zap.String("instance", w.instanceID))
			return nil
		case <-w.wakeCh:
			timer.Stop()
			continue
		case <-timer.Chan():
		}

		if err := w.Sweep(ctx); err != nil {
			obslog.L().Warn("watchdog_sweep_error", zap.String("instance", w.instanceID), zap.Error(err))
		}
	}
}

// nextWait computes how long to sleep before the earliest known deadline.
func (w *Watchdog) nextWait(ctx context.Context) time.Duration {
	now := w.clock.Now()
	wait := idlePollInterval

	if dl, err := w.lobby.Store().NextDeadline(ctx); err == nil && !dl.IsZero() {
		if d := dl.Sub(now); d < wait {
			wait = d
		}
	}
	if dl, err := w.match.Store().NextDeadline(ctx); err == nil && !dl.IsZero() {
		if d := dl.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Sweep expires every due lobby request and force-advances every overdue
// round once. Exported so tests and foreground clients can drive it without
// the scheduler loop.
func (w *Watchdog) Sweep(ctx context.Context) error {
	now := w.clock.Now()

	dueReqs, err := w.lobby.Store().DueIDs(ctx, now, w.batch)
	if err != nil {
		return err
	}
	for _, id := range dueReqs {
		expired, err := w.lobby.Expire(ctx, id)
		if err != nil {
			obslog.L().Warn("watchdog_expire_error", zap.String("request_id", id), zap.Error(err))
			continue
		}
		if !expired {
			// already resolved elsewhere; drop the stale schedule entry
			_ = w.lobby.Store().UnscheduleExpiry(ctx, id)
		}
	}

	dueMatches, err := w.match.Store().DueMatchIDs(ctx, now, w.batch)
	if err != nil {
		return err
	}
	for _, id := range dueMatches {
		g, err := w.match.Get(ctx, id)
		if err != nil {
			_ = w.match.Store().UnscheduleRoundExpiry(ctx, id)
			continue
		}
		if !g.Status.Running() {
			_ = w.match.Store().UnscheduleRoundExpiry(ctx, id)
			continue
		}
		if now.Before(g.QuestionStartTime.Add(g.RoundBudget)) {
			// schedule entry lagged behind a concurrent advance
			_ = w.match.Store().ScheduleRoundExpiry(ctx, id, g.QuestionStartTime.Add(g.RoundBudget))
			continue
		}
		_, applied, err := w.match.ForceAdvance(ctx, id, g.CurrentIdx)
		if err != nil {
			obslog.L().Warn("watchdog_advance_error", zap.String("match_id", id), zap.Error(err))
			continue
		}
		if applied {
			obslog.L().Info("watchdog_round_advance",
				zap.String("match_id", id),
				zap.Int("past_index", g.CurrentIdx),
			)
		}
	}
	return nil
}
