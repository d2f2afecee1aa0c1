package actions

import (
	"context"
	"fmt"
	"time"
)

// RecoveredLease describes one row released by RecoverStuck.
type RecoveredLease struct {
	ID    int64
	State State
}

// RecoverStuck releases EXECUTING rows whose lease is older than leaseTimeout.
// Released rows lose their executor and claim time and move to FAILED or
// PENDING according to mode; rows that already used their last attempt go to
// DEAD instead, since no claim would ever pick them up again.
func (s *Store) RecoverStuck(ctx context.Context, now time.Time, leaseTimeout time.Duration, mode RecoveryMode) ([]RecoveredLease, error) {
	if leaseTimeout <= 0 {
		return nil, fmt.Errorf("recover stuck actions: lease timeout must be positive, got %s", leaseTimeout)
	}
	cutoff := toMillis(now.Add(-leaseTimeout))
	rows, err := s.db.QueryContext(ctx, `UPDATE actions
		SET state = CASE WHEN attempts >= ? THEN 'DEAD' ELSE ? END,
			last_error = 'lease expired (executor ' || COALESCE(executor_id, 'unknown') || ')',
			executed_at = ?, executor_id = NULL, claimed_at = NULL
		WHERE state = 'EXECUTING' AND claimed_at < ?
		RETURNING id, state`,
		s.policy.MaxAttempts, string(mode.state()), toMillis(now), cutoff)
	if err != nil {
		return nil, fmt.Errorf("recover stuck actions: %w", err)
	}
	defer rows.Close()

	var out []RecoveredLease
	for rows.Next() {
		var (
			r     RecoveredLease
			state string
		)
		if err := rows.Scan(&r.ID, &state); err != nil {
			return nil, fmt.Errorf("recover stuck actions: %w", err)
		}
		r.State = State(state)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recover stuck actions: %w", err)
	}
	for _, r := range out {
		s.logger.Warn("Recovered abandoned action lease", "action_id", r.ID, "state", r.State)
	}
	return out, nil
}
