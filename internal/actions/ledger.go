package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LookupDelivery returns the reference recorded for an idempotency key by an
// adapter that cannot deduplicate on its own.
func (s *Store) LookupDelivery(ctx context.Context, key string) (string, bool, error) {
	var ref string
	err := s.db.QueryRowContext(ctx, `SELECT external_ref FROM deliveries WHERE idempotency_key = ?`, key).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup delivery: %w", err)
	}
	return ref, true, nil
}

// RecordDelivery remembers ref for key. The first record wins.
func (s *Store) RecordDelivery(ctx context.Context, key, channel, ref string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO deliveries (idempotency_key, channel, external_ref, created_at)
		VALUES (?, ?, ?, ?)`, key, channel, ref, toMillis(now))
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}
