// Package worker drives the execution cycle: sweep abandoned leases, claim the
// oldest eligible action, persist its idempotency key, dispatch, record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/dispatch"
	"github.com/KafClaw/nexa/internal/idempotency"
	"github.com/KafClaw/nexa/internal/retry"
)

// Store is the slice of the action store a worker needs.
type Store interface {
	RecoverStuck(ctx context.Context, now time.Time, leaseTimeout time.Duration, mode actions.RecoveryMode) ([]actions.RecoveredLease, error)
	ClaimNext(ctx context.Context, executorID string, now time.Time) (*actions.Action, error)
	SetExternalID(ctx context.Context, id int64, key string) (bool, error)
	Get(ctx context.Context, id int64) (*actions.Action, error)
	MarkDone(ctx context.Context, id int64, executorID, externalRef string, now time.Time) error
	MarkFailed(ctx context.Context, id int64, executorID, errText string, now time.Time) (actions.State, error)
	MarkDead(ctx context.Context, id int64, executorID, reason string, now time.Time) error
}

// Dispatcher performs the side effect of a claimed action.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *actions.Action, key string) (dispatch.Result, error)
}

// Outcome summarizes one iteration.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeDead      Outcome = "dead"
	OutcomeLeaseLost Outcome = "lease_lost"
)

// Options configures a Worker. ID is required.
type Options struct {
	ID           string
	LeaseTimeout time.Duration
	PollInterval time.Duration
	// MaxErrorBackoff caps the wait after consecutive store failures.
	MaxErrorBackoff time.Duration
	Recovery        actions.RecoveryMode
	Now             func() time.Time
	Logger          *slog.Logger
	Metrics         *Metrics
}

// Worker holds no per-action state between iterations; any number may share a store.
type Worker struct {
	id         string
	store      Store
	dispatcher Dispatcher

	leaseTimeout time.Duration
	pollInterval time.Duration
	errBackoff   retry.Policy
	recovery     actions.RecoveryMode
	now          func() time.Time
	logger       *slog.Logger
	metrics      *Metrics
}

// New builds a worker with sensible defaults for unset options.
func New(store Store, dispatcher Dispatcher, opts Options) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("worker: id is required")
	}
	if store == nil || dispatcher == nil {
		return nil, errors.New("worker: store and dispatcher are required")
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxErrorBackoff <= 0 {
		opts.MaxErrorBackoff = 30 * time.Second
	}
	if opts.Recovery == "" {
		opts.Recovery = actions.RecoverPenalize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		id:           opts.ID,
		store:        store,
		dispatcher:   dispatcher,
		leaseTimeout: opts.LeaseTimeout,
		pollInterval: opts.PollInterval,
		errBackoff:   retry.Policy{MaxAttempts: 1, BaseDelay: opts.PollInterval, MaxDelay: opts.MaxErrorBackoff},
		recovery:     opts.Recovery,
		now:          opts.Now,
		logger:       opts.Logger.With("worker_id", opts.ID),
		metrics:      opts.Metrics,
	}, nil
}

// ID returns the executor id this worker claims under.
func (w *Worker) ID() string { return w.id }

// Run loops until ctx is cancelled. After processing an action it goes straight
// to the next; when idle it sleeps the poll interval; when the store fails it
// backs off exponentially. It only returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Action worker started", "poll_interval", w.pollInterval, "lease_timeout", w.leaseTimeout, "recovery", w.recovery)
	failures := 0
	for {
		if ctx.Err() != nil {
			w.logger.Info("Action worker stopped")
			return nil
		}
		outcome, err := w.RunOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			wait = w.errBackoff.Backoff(failures)
			failures++
			w.metrics.storeError()
			w.logger.Error("Action worker iteration failed", "error", err, "consecutive_failures", failures, "retry_in", wait)
		case outcome == OutcomeIdle:
			failures = 0
			wait = w.pollInterval
		default:
			failures = 0
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce performs a single sweep, claim, dispatch, record cycle. A returned
// error means the store could not be reached; per-action failures are recorded
// and reported through the outcome instead.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	now := w.now()
	recovered, err := w.store.RecoverStuck(ctx, now, w.leaseTimeout, w.recovery)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("sweep: %w", err)
	}
	for _, r := range recovered {
		w.metrics.recovered(r.State)
	}

	a, err := w.store.ClaimNext(ctx, w.id, now)
	if err != nil {
		return OutcomeIdle, fmt.Errorf("claim: %w", err)
	}
	if a == nil {
		return OutcomeIdle, nil
	}
	w.metrics.claimed()

	// Once claimed, the action is finished even if shutdown begins mid-dispatch.
	ctx = context.WithoutCancel(ctx)
	outcome, err := w.execute(ctx, a)
	if err == nil {
		w.metrics.outcome(outcome)
	}
	return outcome, err
}

func (w *Worker) execute(ctx context.Context, a *actions.Action) (Outcome, error) {
	logger := w.logger.With("action_id", a.ID, "kind", a.Kind, "attempts", a.Attempts)

	key, err := w.persistKey(ctx, a)
	if errors.Is(err, actions.ErrLeaseLost) {
		logger.Warn("Lease lost before dispatch")
		return OutcomeLeaseLost, nil
	}
	if err != nil {
		return OutcomeIdle, err
	}
	a.ExternalID = key

	start := time.Now()
	res, derr := w.dispatcher.Dispatch(ctx, a, key)
	w.metrics.observeDispatch(a.Kind, time.Since(start))

	finished := w.now()
	switch {
	case derr == nil:
		if err := w.store.MarkDone(ctx, a.ID, w.id, res.ExternalRef, finished); err != nil {
			return w.recordFailure(logger, "mark done", err)
		}
		logger.Info("Action executed", "external_ref", res.ExternalRef, "key", idempotency.Short(key, 12))
		return OutcomeDone, nil

	case errors.Is(derr, dispatch.ErrUnknownKind):
		logger.Error("Action has no handler, dead-lettering", "error", derr)
		if err := w.store.MarkDead(ctx, a.ID, w.id, derr.Error(), finished); err != nil {
			return w.recordFailure(logger, "mark dead", err)
		}
		return OutcomeDead, nil

	default:
		state, err := w.store.MarkFailed(ctx, a.ID, w.id, derr.Error(), finished)
		if err != nil {
			return w.recordFailure(logger, "mark failed", err)
		}
		if state == actions.StateDead {
			logger.Error("Action failed, retries exhausted", "error", derr)
			return OutcomeDead, nil
		}
		logger.Warn("Action failed, will retry", "error", derr)
		return OutcomeFailed, nil
	}
}

// persistKey stores the idempotency key before any side effect. When an earlier
// attempt already stored one, that key is reused.
func (w *Worker) persistKey(ctx context.Context, a *actions.Action) (string, error) {
	key := idempotency.KeyFor(a)
	set, err := w.store.SetExternalID(ctx, a.ID, key)
	if err != nil {
		return "", fmt.Errorf("persist idempotency key: %w", err)
	}
	if set {
		return key, nil
	}
	cur, err := w.store.Get(ctx, a.ID)
	if err != nil {
		return "", fmt.Errorf("reload action: %w", err)
	}
	if cur.State != actions.StateExecuting || cur.ExecutorID != w.id {
		return "", actions.ErrLeaseLost
	}
	if cur.ExternalID == "" {
		return "", fmt.Errorf("action %d: idempotency key missing after write", a.ID)
	}
	return cur.ExternalID, nil
}

func (w *Worker) recordFailure(logger *slog.Logger, op string, err error) (Outcome, error) {
	if errors.Is(err, actions.ErrLeaseLost) {
		logger.Warn("Lease lost while recording outcome", "op", op)
		return OutcomeLeaseLost, nil
	}
	return OutcomeIdle, fmt.Errorf("%s: %w", op, err)
}
