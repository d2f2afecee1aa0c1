package actions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestClaimNextTakesOldestAndCountsAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newer := insertAction(t, s, KindNotify, "m-new", t0.Add(time.Second))
	older := insertAction(t, s, KindNotify, "m-old", t0)

	now := t0.Add(time.Minute)
	got, err := s.ClaimNext(ctx, "w1", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != older.ID {
		t.Fatalf("expected oldest action %d, got %+v", older.ID, got)
	}
	if got.State != StateExecuting || got.Attempts != 1 || got.ExecutorID != "w1" {
		t.Fatalf("unexpected claimed row: %+v", got)
	}
	if got.ClaimedAt == nil || !got.ClaimedAt.Equal(now) {
		t.Fatalf("claimed_at = %v, want %s", got.ClaimedAt, now)
	}

	next, err := s.ClaimNext(ctx, "w2", now)
	if err != nil || next == nil || next.ID != newer.ID {
		t.Fatalf("expected second claim to take %d, got %+v %v", newer.ID, next, err)
	}
	none, err := s.ClaimNext(ctx, "w3", now)
	if err != nil || none != nil {
		t.Fatalf("expected empty claim, got %+v %v", none, err)
	}
}

func TestClaimAtMostOneClaimant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.db")
	seed := openTestStore(t, path)
	a := insertAction(t, seed, KindNotify, "m-1", t0)

	const workers = 8
	stores := make([]*Store, workers)
	for i := range stores {
		stores[i] = openTestStore(t, path)
	}

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	for i, s := range stores {
		wg.Add(1)
		go func(id string, s *Store) {
			defer wg.Done()
			<-start
			got, err := s.ClaimNext(context.Background(), id, t0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if got != nil {
				winners = append(winners, id)
			}
		}(fmt.Sprintf("w%d", i), s)
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("contention must not surface as an error: %v", errs)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one claimant, got %v", winners)
	}
	got, err := seed.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 || got.ExecutorID != winners[0] {
		t.Fatalf("row should reflect a single claim by %s: %+v", winners[0], got)
	}
}

func TestClaimCASRejectsStaleSnapshot(t *testing.T) {
	var lost []int64
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "a.db"), Options{
		Policy:       testPolicy(),
		Logger:       quietLogger(),
		OnContention: func(id int64) { lost = append(lost, id) },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	a := insertAction(t, s, KindNotify, "m-1", t0)

	cands, err := s.candidates(ctx, t0)
	if err != nil || len(cands) != 1 {
		t.Fatalf("candidates: %+v %v", cands, err)
	}
	// Another worker claims between our selection and our update.
	if got, err := s.ClaimNext(ctx, "other", t0); err != nil || got == nil {
		t.Fatalf("competing claim: %+v %v", got, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE actions
		SET state = 'EXECUTING', claimed_at = ?, executor_id = ?, attempts = attempts + 1
		WHERE id = ? AND state = ? AND attempts = ?`,
		toMillis(t0), "me", cands[0].id, string(cands[0].state), cands[0].attempts)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 0 {
		t.Fatalf("stale snapshot must affect zero rows, got %d", n)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.ExecutorID != "other" || got.Attempts != 1 {
		t.Fatalf("winner's lease was overwritten: %+v", got)
	}
	if len(lost) != 0 {
		t.Fatalf("no contention hook expected for manual update, got %v", lost)
	}
}

func TestWriteOnceExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindNotify, "m-1", t0)

	if ok, err := s.SetExternalID(ctx, a.ID, "key-1"); err != nil || ok {
		t.Fatalf("setting a key before the claim must be a no-op, ok=%v err=%v", ok, err)
	}
	if _, err := s.ClaimNext(ctx, "w1", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := s.SetExternalID(ctx, a.ID, "key-1")
	if err != nil || !ok {
		t.Fatalf("first set: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetExternalID(ctx, a.ID, "key-2")
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if ok {
		t.Fatal("second set must not report success")
	}
	got, _ := s.Get(ctx, a.ID)
	if got.ExternalID != "key-1" {
		t.Fatalf("external_id changed to %q", got.ExternalID)
	}
	if _, err := s.SetExternalID(ctx, a.ID, ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestMarkDoneIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindNotify, "m-1", t0)
	if _, err := s.ClaimNext(ctx, "w1", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkDone(ctx, a.ID, "w2", "ref", t0); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("non-owner must not complete the action, got %v", err)
	}
	if err := s.MarkDone(ctx, a.ID, "w1", "ref-1", t0.Add(time.Second)); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.State != StateDone || got.ExternalRef != "ref-1" || got.ExecutorID != "" || got.ClaimedAt != nil {
		t.Fatalf("unexpected done row: %+v", got)
	}

	later := t0.Add(24 * time.Hour)
	if next, err := s.ClaimNext(ctx, "w1", later); err != nil || next != nil {
		t.Fatalf("DONE must never be re-claimed, got %+v %v", next, err)
	}
	if _, err := s.MarkFailed(ctx, a.ID, "w1", "boom", later); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("DONE must not be mutated, got %v", err)
	}
	if recovered, err := s.RecoverStuck(ctx, later, time.Minute, RecoverPenalize); err != nil || len(recovered) != 0 {
		t.Fatalf("recovery must not touch DONE rows: %+v %v", recovered, err)
	}
}

func TestFailedRowWaitsForBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindEscalate, "m-1", t0)

	if _, err := s.ClaimNext(ctx, "w1", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failedAt := t0.Add(time.Second)
	state, err := s.MarkFailed(ctx, a.ID, "w1", "alert endpoint down", failedAt)
	if err != nil || state != StateFailed {
		t.Fatalf("mark failed: %s %v", state, err)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.Attempts != 1 || got.LastError != "alert endpoint down" || got.ExecutedAt == nil {
		t.Fatalf("unexpected failed row: %+v", got)
	}

	backoff := s.Policy().Backoff(1)
	if next, err := s.ClaimNext(ctx, "w1", failedAt); err != nil || next != nil {
		t.Fatalf("claim right after failure must be empty, got %+v %v", next, err)
	}
	if next, err := s.ClaimNext(ctx, "w1", failedAt.Add(backoff-time.Millisecond)); err != nil || next != nil {
		t.Fatalf("claim inside backoff must be empty, got %+v %v", next, err)
	}
	next, err := s.ClaimNext(ctx, "w2", failedAt.Add(backoff))
	if err != nil || next == nil || next.ID != a.ID {
		t.Fatalf("claim after backoff should succeed, got %+v %v", next, err)
	}
	if next.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", next.Attempts)
	}
}

func TestBackedOffRowDoesNotBlockOthers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	blocked := insertAction(t, s, KindEscalate, "m-old", t0)
	if _, err := s.ClaimNext(ctx, "w1", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.MarkFailed(ctx, blocked.ID, "w1", "boom", t0); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	fresh := insertAction(t, s, KindNotify, "m-new", t0.Add(time.Second))

	got, err := s.ClaimNext(ctx, "w1", t0.Add(time.Second))
	if err != nil || got == nil || got.ID != fresh.ID {
		t.Fatalf("expected the fresh action, got %+v %v", got, err)
	}
}

func TestRetryTerminatesAtMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindEscalate, "m-1", t0)
	maxAttempts := s.Policy().MaxAttempts

	now := t0
	for i := 1; i <= maxAttempts; i++ {
		got, err := s.ClaimNext(ctx, "w1", now)
		if err != nil || got == nil {
			t.Fatalf("attempt %d: claim %+v %v", i, got, err)
		}
		state, err := s.MarkFailed(ctx, a.ID, "w1", fmt.Sprintf("failure %d", i), now)
		if err != nil {
			t.Fatalf("attempt %d: mark failed: %v", i, err)
		}
		want := StateFailed
		if i == maxAttempts {
			want = StateDead
		}
		if state != want {
			t.Fatalf("attempt %d: state %s, want %s", i, state, want)
		}
		now = now.Add(s.Policy().Backoff(i))
	}

	got, _ := s.Get(ctx, a.ID)
	if got.State != StateDead || got.Attempts != maxAttempts {
		t.Fatalf("expected DEAD after %d attempts, got %+v", maxAttempts, got)
	}
	if got.LastError != fmt.Sprintf("failure %d", maxAttempts) {
		t.Fatalf("last_error should hold the latest failure, got %q", got.LastError)
	}
	if next, err := s.ClaimNext(ctx, "w1", now.Add(time.Hour)); err != nil || next != nil {
		t.Fatalf("DEAD must never be claimed, got %+v %v", next, err)
	}
}

func TestMarkDeadSkipsRemainingBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindNotify, "m-1", t0)
	if _, err := s.ClaimNext(ctx, "w1", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkDead(ctx, a.ID, "w1", "unknown action kind", t0); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.State != StateDead || got.Attempts != 1 {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestRecoverStuckPenalizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindNotify, "m-1", t0)
	if _, err := s.ClaimNext(ctx, "crashed", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	lease := time.Minute

	if recovered, err := s.RecoverStuck(ctx, t0.Add(lease), lease, RecoverPenalize); err != nil || len(recovered) != 0 {
		t.Fatalf("lease not yet expired, got %+v %v", recovered, err)
	}

	now := t0.Add(lease + time.Second)
	recovered, err := s.RecoverStuck(ctx, now, lease, RecoverPenalize)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != a.ID || recovered[0].State != StateFailed {
		t.Fatalf("unexpected recovery: %+v", recovered)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.State != StateFailed || got.Attempts != 1 || got.ExecutorID != "" || got.ClaimedAt != nil {
		t.Fatalf("unexpected recovered row: %+v", got)
	}
	if got.LastError != "lease expired (executor crashed)" {
		t.Fatalf("last_error = %q", got.LastError)
	}
	if err := s.MarkDone(ctx, a.ID, "crashed", "late", now); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("crashed worker must have lost its lease, got %v", err)
	}

	next, err := s.ClaimNext(ctx, "healthy", now.Add(s.Policy().Backoff(1)))
	if err != nil || next == nil || next.ID != a.ID || next.ExecutorID != "healthy" {
		t.Fatalf("another worker should reclaim the action, got %+v %v", next, err)
	}
}

func TestRecoverStuckRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindNotify, "m-1", t0)
	if _, err := s.ClaimNext(ctx, "crashed", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now := t0.Add(2 * time.Minute)
	recovered, err := s.RecoverStuck(ctx, now, time.Minute, RecoverRequeue)
	if err != nil || len(recovered) != 1 || recovered[0].State != StatePending {
		t.Fatalf("unexpected recovery: %+v %v", recovered, err)
	}
	next, err := s.ClaimNext(ctx, "healthy", now)
	if err != nil || next == nil || next.ID != a.ID {
		t.Fatalf("requeued action should be claimable at once, got %+v %v", next, err)
	}
	if next.Attempts != 2 {
		t.Fatalf("attempts must never decrease, got %d", next.Attempts)
	}
}

func TestRecoverStuckExhaustedGoesDead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertAction(t, s, KindNotify, "m-1", t0)
	if _, err := s.db.ExecContext(ctx, `UPDATE actions SET attempts = ? WHERE id = ?`, s.Policy().MaxAttempts-1, a.ID); err != nil {
		t.Fatalf("seed attempts: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "crashed", t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	recovered, err := s.RecoverStuck(ctx, t0.Add(time.Hour), time.Minute, RecoverRequeue)
	if err != nil || len(recovered) != 1 || recovered[0].State != StateDead {
		t.Fatalf("exhausted lease should be dead-lettered, got %+v %v", recovered, err)
	}
}

func TestRecoverStuckRejectsNonPositiveTimeout(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RecoverStuck(context.Background(), t0, 0, RecoverPenalize); err == nil {
		t.Fatal("expected error for zero lease timeout")
	}
}
