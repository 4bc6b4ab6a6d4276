package watchdog

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mkim-dev/quizduel/internal/deck"
	"github.com/mkim-dev/quizduel/internal/duel"
	"github.com/mkim-dev/quizduel/internal/lobby"
	"github.com/mkim-dev/quizduel/internal/match"
	"github.com/mkim-dev/quizduel/internal/notify"
)

type testEnv struct {
	wd    *Watchdog
	lobby *lobby.Manager
	match *match.Manager
	clock *clockwork.FakeClock
}

// newTestEnv wires a watchdog over miniredis with a fake clock anchored at
// wall time, so the clock can be compared against time.Now()-stamped records.
func newTestEnv(t *testing.T, lobbyTTL, budget time.Duration) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bank, err := deck.NewBank("", deck.WithSeed(11))
	if err != nil {
		t.Fatalf("deck.NewBank: %v", err)
	}
	lobbyMgr := lobby.NewManager(rdb, lobbyTTL)
	matchMgr := match.NewManager(rdb, lobbyMgr, bank, notify.NewBus(rdb), budget, 2*time.Hour)

	clock := clockwork.NewFakeClockAt(time.Now())
	wd := New(lobbyMgr, matchMgr, 64, WithClock(clock))
	return &testEnv{wd: wd, lobby: lobbyMgr, match: matchMgr, clock: clock}
}

func TestSweepExpiresDueRequests(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond, 15*time.Second)
	ctx := context.Background()

	r, err := env.lobby.Create(ctx, duel.NewID(), "Alice", 3, "science", "easy")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// not due yet: the sweep must leave it pending
	if err := env.wd.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	cur, err := env.lobby.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestPending {
		t.Fatalf("premature expiry: %s", cur.Status)
	}

	env.clock.Advance(time.Second)
	if err := env.wd.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	cur, err = env.lobby.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestExpired {
		t.Fatalf("expected EXPIRED, got %s", cur.Status)
	}
	// the schedule entry is consumed; the next sweep has nothing to do
	due, err := env.lobby.Store().DueIDs(ctx, env.clock.Now(), 64)
	if err != nil {
		t.Fatalf("DueIDs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expired request kept its schedule entry")
	}
}

func TestSweepDropsResolvedScheduleEntries(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond, 15*time.Second)
	ctx := context.Background()

	r, err := env.lobby.Create(ctx, duel.NewID(), "Alice", 3, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := env.lobby.Cancel(ctx, r.ID, r.RequesterID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// cancel already removed the entry; a stale duplicate is cleaned silently
	if err := env.lobby.Store().ScheduleExpiry(ctx, r.ID, env.clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleExpiry: %v", err)
	}

	env.clock.Advance(time.Second)
	if err := env.wd.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	cur, err := env.lobby.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestCancelled {
		t.Fatalf("sweep overwrote a resolved request: %s", cur.Status)
	}
	due, err := env.lobby.Store().DueIDs(ctx, env.clock.Now(), 64)
	if err != nil {
		t.Fatalf("DueIDs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("stale schedule entry survived the sweep")
	}
}

func TestSweepForceAdvancesOverdueRound(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, 20*time.Millisecond)
	ctx := context.Background()

	r, err := env.lobby.Create(ctx, duel.NewID(), "Alice", 2, "science", "easy")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	g, err := env.match.Accept(ctx, r.ID, duel.NewID(), "Bob")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	time.Sleep(40 * time.Millisecond) // let the real-time round budget lapse
	env.clock.Advance(time.Second)
	if err := env.wd.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	cur, err := env.match.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.CurrentIdx != 1 || cur.Status != duel.MatchQuestionActive {
		t.Fatalf("overdue round not advanced: idx=%d status=%s", cur.CurrentIdx, cur.Status)
	}
}

func TestSweepFinishesFullyAbandonedMatch(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, 20*time.Millisecond)
	ctx := context.Background()

	r, err := env.lobby.Create(ctx, duel.NewID(), "Alice", 2, "science", "easy")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	g, err := env.match.Accept(ctx, r.ID, duel.NewID(), "Bob")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// neither player ever answers; the watchdog walks the match to the end
	for round := 0; round < 2; round++ {
		time.Sleep(40 * time.Millisecond)
		env.clock.Advance(time.Second)
		if err := env.wd.Sweep(ctx); err != nil {
			t.Fatalf("Sweep round %d: %v", round, err)
		}
	}
	cur, err := env.match.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.MatchFinished {
		t.Fatalf("abandoned match not finished: %s idx=%d", cur.Status, cur.CurrentIdx)
	}
	if cur.WinnerID != "" {
		t.Fatalf("zero answers should tie, got winner %q", cur.WinnerID)
	}
	due, err := env.match.Store().DueMatchIDs(ctx, env.clock.Now(), 64)
	if err != nil {
		t.Fatalf("DueMatchIDs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("finished match kept a round deadline")
	}
}

func TestSweepReschedulesLaggedEntry(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, time.Minute)
	ctx := context.Background()

	r, err := env.lobby.Create(ctx, duel.NewID(), "Alice", 2, "science", "easy")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	g, err := env.match.Accept(ctx, r.ID, duel.NewID(), "Bob")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// simulate a schedule entry that fired before the round actually lapsed
	if err := env.match.Store().ScheduleRoundExpiry(ctx, g.ID, env.clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleRoundExpiry: %v", err)
	}

	if err := env.wd.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	cur, err := env.match.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.CurrentIdx != 0 {
		t.Fatalf("lagged entry advanced a live round")
	}
	dl, err := env.match.Store().NextDeadline(ctx)
	if err != nil || dl.IsZero() {
		t.Fatalf("entry not rescheduled: %v %v", dl, err)
	}
	if !dl.After(env.clock.Now()) {
		t.Fatalf("rescheduled deadline still in the past: %v", dl)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t, 5*time.Minute, 15*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.wd.Run(ctx) }()

	env.wd.Poke()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
