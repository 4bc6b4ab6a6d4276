package lobby

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mkim-dev/quizduel/internal/duel"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(rdb, ttl)
}

func TestCreateAndListExcludesOwn(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()
	alice, bob := duel.NewID(), duel.NewID()

	r, err := m.Create(ctx, alice, "Alice", 5, "Science", "EASY")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != duel.RequestPending {
		t.Fatalf("new request not pending: %s", r.Status)
	}
	if r.Category != "science" || r.Difficulty != "easy" {
		t.Fatalf("filters not normalized: %s/%s", r.Category, r.Difficulty)
	}

	own, err := m.ListOpen(ctx, alice, Filters{})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(own) != 0 {
		t.Fatalf("requester sees own request in lobby")
	}

	other, err := m.ListOpen(ctx, bob, Filters{})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(other) != 1 || other[0].ID != r.ID {
		t.Fatalf("opponent should see the request, got %d", len(other))
	}
}

func TestListOpenFilters(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()
	alice, bob := duel.NewID(), duel.NewID()

	if _, err := m.Create(ctx, alice, "Alice", 5, "science", "easy"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, alice, "Alice", 3, "history", "hard"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := m.ListOpen(ctx, bob, Filters{Category: "history"})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(got) != 1 || got[0].Rounds != 3 {
		t.Fatalf("category filter failed: %d results", len(got))
	}
	got, err = m.ListOpen(ctx, bob, Filters{Rounds: 5, Difficulty: "easy"})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(got) != 1 || got[0].Category != "science" {
		t.Fatalf("rounds+difficulty filter failed: %d results", len(got))
	}
}

func TestCreateRejectsBadArgs(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()

	if _, err := m.Create(ctx, duel.NewID(), "  ", 5, "", ""); !errors.Is(err, duel.ErrInvalidArgs) {
		t.Fatalf("blank name accepted: %v", err)
	}
	if _, err := m.Create(ctx, duel.NewID(), "Alice", 0, "", ""); !errors.Is(err, duel.ErrInvalidArgs) {
		t.Fatalf("rounds=0 accepted: %v", err)
	}
	if _, err := m.Create(ctx, duel.NewID(), "Alice", MaxRounds+1, "", ""); !errors.Is(err, duel.ErrInvalidArgs) {
		t.Fatalf("rounds over max accepted: %v", err)
	}
}

func TestCreateHealsMalformedIdentity(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	r, err := m.Create(context.Background(), "not-a-uuid", "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.RequesterID == "not-a-uuid" || r.RequesterID == "" {
		t.Fatalf("identity not healed: %q", r.RequesterID)
	}
}

func TestAcceptTransitionExactlyOnce(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()
	alice, bob, carol := duel.NewID(), duel.NewID(), duel.NewID()

	r, err := m.Create(ctx, alice, "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	acc, err := m.AcceptTransition(ctx, r.ID, bob, "Bob")
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if acc.Status != duel.RequestAccepted || acc.AccepterID != bob {
		t.Fatalf("first accept wrong state: %+v", acc)
	}

	_, err = m.AcceptTransition(ctx, r.ID, carol, "Carol")
	if !duel.IsRaceLost(err) {
		t.Fatalf("second accept should lose the race, got %v", err)
	}
	var rl *duel.RaceLostError
	if errors.As(err, &rl) && rl.WinnerName != "Bob" {
		t.Fatalf("race loser should learn the winner, got %q", rl.WinnerName)
	}

	// accepted request must have left the open index
	open, err := m.ListOpen(ctx, carol, Filters{})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("accepted request still listed")
	}
}

func TestAcceptTransitionRejectsSelfMatch(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()
	alice := duel.NewID()

	r, err := m.Create(ctx, alice, "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.AcceptTransition(ctx, r.ID, alice, "Alice"); !errors.Is(err, duel.ErrSelfMatch) {
		t.Fatalf("expected ErrSelfMatch, got %v", err)
	}
}

func TestAcceptTransitionUnknownRequest(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	if _, err := m.AcceptTransition(context.Background(), duel.NewID(), duel.NewID(), "Bob"); !errors.Is(err, duel.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcceptTransitionRefusesPastExpiry(t *testing.T) {
	m := newTestManager(t, time.Millisecond)
	ctx := context.Background()

	r, err := m.Create(ctx, duel.NewID(), "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := m.AcceptTransition(ctx, r.ID, duel.NewID(), "Bob"); !errors.Is(err, duel.ErrNotFound) {
		t.Fatalf("expected ErrNotFound past expiry, got %v", err)
	}
}

func TestCancelOnlyByOwnerAndNoOpAfterResolve(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()
	alice, bob := duel.NewID(), duel.NewID()

	r, err := m.Create(ctx, alice, "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// a non-owner cancel silently does nothing
	if err := m.Cancel(ctx, r.ID, bob); err != nil {
		t.Fatalf("non-owner Cancel errored: %v", err)
	}
	cur, err := m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestPending {
		t.Fatalf("non-owner cancel applied: %s", cur.Status)
	}

	if err := m.Cancel(ctx, r.ID, alice); err != nil {
		t.Fatalf("owner Cancel: %v", err)
	}
	cur, err = m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestCancelled {
		t.Fatalf("expected CANCELLED, got %s", cur.Status)
	}

	// cancelling again after resolution is a silent no-op
	if err := m.Cancel(ctx, r.ID, alice); err != nil {
		t.Fatalf("redundant Cancel errored: %v", err)
	}
}

func TestExpireAppliesOnce(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()

	r, err := m.Create(ctx, duel.NewID(), "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	applied, err := m.Expire(ctx, r.ID)
	if err != nil || !applied {
		t.Fatalf("first Expire: applied=%v err=%v", applied, err)
	}
	applied, err = m.Expire(ctx, r.ID)
	if err != nil || applied {
		t.Fatalf("redundant Expire should be a no-op: applied=%v err=%v", applied, err)
	}
	cur, err := m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestExpired {
		t.Fatalf("expected EXPIRED, got %s", cur.Status)
	}
}

func TestReopenRestoresPending(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()
	alice, bob := duel.NewID(), duel.NewID()

	r, err := m.Create(ctx, alice, "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.AcceptTransition(ctx, r.ID, bob, "Bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := m.Reopen(ctx, r.ID, bob); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	cur, err := m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestPending || cur.AccepterID != "" {
		t.Fatalf("reopen did not restore pending: %+v", cur)
	}
	// the request is joinable again
	open, err := m.ListOpen(ctx, bob, Filters{})
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("reopened request not listed")
	}
}

func TestReopenGuardedOnAccepter(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	ctx := context.Background()
	alice, bob, carol := duel.NewID(), duel.NewID(), duel.NewID()

	r, err := m.Create(ctx, alice, "Alice", 5, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.AcceptTransition(ctx, r.ID, bob, "Bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// someone who never held the accept cannot roll it back
	if err := m.Reopen(ctx, r.ID, carol); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	cur, err := m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != duel.RequestAccepted || cur.AccepterID != bob {
		t.Fatalf("foreign reopen applied: %+v", cur)
	}
}
