package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// claimBatch bounds how many candidates one ClaimNext call tries before giving up.
const claimBatch = 8

// buildClaimQuery selects claimable rows oldest first. FAILED rows only qualify
// once their backoff has elapsed, and the backoff depends on attempts, so there
// is one cutoff placeholder per attempt count below the ceiling.
func buildClaimQuery(maxAttempts int) string {
	var b strings.Builder
	b.WriteString(`SELECT id, state, attempts, COALESCE(executed_at, created_at)
	FROM actions
	WHERE attempts < ? AND (state = 'PENDING' OR (state = 'FAILED' AND (`)
	for k := 0; k < maxAttempts; k++ {
		if k > 0 {
			b.WriteString(" OR ")
		}
		fmt.Fprintf(&b, "(attempts = %d AND COALESCE(executed_at, created_at) <= ?)", k)
	}
	b.WriteString(`)))
	ORDER BY created_at ASC, id ASC
	LIMIT ?`)
	return b.String()
}

type candidate struct {
	id        int64
	state     State
	attempts  int
	lastEvent time.Time
}

func (s *Store) candidates(ctx context.Context, now time.Time) ([]candidate, error) {
	args := make([]any, 0, s.policy.MaxAttempts+2)
	args = append(args, s.policy.MaxAttempts)
	for k := 0; k < s.policy.MaxAttempts; k++ {
		args = append(args, toMillis(now.Add(-s.policy.Backoff(k))))
	}
	args = append(args, claimBatch)

	rows, err := s.db.QueryContext(ctx, s.claimQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			c     candidate
			state string
			last  int64
		)
		if err := rows.Scan(&c.id, &state, &c.attempts, &last); err != nil {
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		c.state = State(state)
		c.lastEvent = fromMillis(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

// eligible re-checks a candidate against the snapshot it was selected with.
func (s *Store) eligible(c candidate, now time.Time) bool {
	if !s.policy.CanRetry(c.attempts) {
		return false
	}
	switch c.state {
	case StatePending:
		return true
	case StateFailed:
		return s.policy.Ready(c.attempts, c.lastEvent, now)
	}
	return false
}

// ClaimNext leases the oldest eligible action to executorID. The update only
// applies if the row still has the state and attempts observed at selection, so
// of any number of concurrent claimers exactly one wins a given row. Losing every
// race, or finding nothing eligible, returns (nil, nil).
func (s *Store) ClaimNext(ctx context.Context, executorID string, now time.Time) (*Action, error) {
	cands, err := s.candidates(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		if !s.eligible(c, now) {
			continue
		}
		res, err := s.db.ExecContext(ctx, `UPDATE actions
			SET state = 'EXECUTING', claimed_at = ?, executor_id = ?, attempts = attempts + 1
			WHERE id = ? AND state = ? AND attempts = ?`,
			toMillis(now), executorID, c.id, string(c.state), c.attempts)
		if err != nil {
			return nil, fmt.Errorf("claim action %d: %w", c.id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim action %d: %w", c.id, err)
		}
		if n == 0 {
			s.logger.Debug("Claim lost race", "action_id", c.id, "executor_id", executorID)
			if s.onContention != nil {
				s.onContention(c.id)
			}
			continue
		}
		return s.Get(ctx, c.id)
	}
	return nil, nil
}

// SetExternalID stores key as the action's idempotency key if none is stored
// yet. It reports false when a key was already present; the stored key is
// never replaced.
func (s *Store) SetExternalID(ctx context.Context, id int64, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("set external id %d: empty key", id)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE actions SET external_id = ?
		WHERE id = ? AND external_id IS NULL AND state = 'EXECUTING'`, key, id)
	if err != nil {
		return false, fmt.Errorf("set external id %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set external id %d: %w", id, err)
	}
	return n == 1, nil
}

// MarkDone records success and releases the lease.
func (s *Store) MarkDone(ctx context.Context, id int64, executorID, externalRef string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE actions
		SET state = 'DONE', executed_at = ?, external_ref = ?, claimed_at = NULL, executor_id = NULL
		WHERE id = ? AND state = 'EXECUTING' AND executor_id = ?`,
		toMillis(now), nullString(externalRef), id, executorID)
	if err != nil {
		return fmt.Errorf("mark action %d done: %w", id, err)
	}
	return expectOwned(res, id)
}

// MarkFailed records a failed attempt. The attempt was counted when the row
// was claimed; once that count reaches the retry ceiling the row goes to DEAD,
// otherwise to FAILED where it waits out its backoff. Returns the new state.
func (s *Store) MarkFailed(ctx context.Context, id int64, executorID, errText string, now time.Time) (State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `UPDATE actions
		SET state = CASE WHEN attempts >= ? THEN 'DEAD' ELSE 'FAILED' END,
			last_error = ?, executed_at = ?
		WHERE id = ? AND state = 'EXECUTING' AND executor_id = ?
		RETURNING state`,
		s.policy.MaxAttempts, TruncateError(errText), toMillis(now), id, executorID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("mark action %d failed: %w", id, ErrLeaseLost)
	}
	if err != nil {
		return "", fmt.Errorf("mark action %d failed: %w", id, err)
	}
	return State(state), nil
}

// MarkDead records a permanent failure that retrying cannot fix.
func (s *Store) MarkDead(ctx context.Context, id int64, executorID, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE actions
		SET state = 'DEAD', last_error = ?, executed_at = ?
		WHERE id = ? AND state = 'EXECUTING' AND executor_id = ?`,
		TruncateError(reason), toMillis(now), id, executorID)
	if err != nil {
		return fmt.Errorf("mark action %d dead: %w", id, err)
	}
	return expectOwned(res, id)
}

func expectOwned(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("action %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("action %d: %w", id, ErrLeaseLost)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
