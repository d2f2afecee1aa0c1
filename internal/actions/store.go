package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/KafClaw/nexa/internal/retry"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCgo     = "sqlite3" // mattn/go-sqlite3
)

// Options configures Open.
type Options struct {
	Driver string
	Policy retry.Policy
	Logger *slog.Logger
	// OnContention, if set, is called each time a claim loses the race for a row.
	OnContention func(actionID int64)
}

// Store persists actions in SQLite. All state changes go through conditional
// updates, so any number of Stores (in one or many processes) may share a file.
type Store struct {
	db     *sql.DB
	policy retry.Policy
	logger *slog.Logger

	claimQuery   string
	onContention func(int64)
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverModernc
	}
	dsn, err := dataSourceName(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open action db: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	s := New(db, opts.Policy, opts.Logger)
	s.onContention = opts.OnContention
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate action db: %w", err)
	}
	return s, nil
}

// New wraps an already open database. Callers must run Migrate themselves.
func New(db *sql.DB, policy retry.Policy, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	policy = policy.Normalize()
	return &Store{
		db:         db,
		policy:     policy,
		logger:     logger,
		claimQuery: buildClaimQuery(policy.MaxAttempts),
	}
}

func dataSourceName(driver, path string) (string, error) {
	switch driver {
	case DriverModernc:
		if path == ":memory:" {
			return ":memory:", nil
		}
		return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	case DriverCgo:
		if path == ":memory:" {
			return ":memory:", nil
		}
		return "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", nil
	}
	return "", fmt.Errorf("unsupported sqlite driver %q (want %s or %s)", driver, DriverModernc, DriverCgo)
}

// DB exposes the underlying handle for read-only diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Policy returns the retry policy used for claims and failure recording.
func (s *Store) Policy() retry.Policy { return s.policy }

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert adds a PENDING action. A decision already stored for the same
// platform, room, message and kind is left alone: inserted is false and a.ID is
// set to the existing row.
func (s *Store) Insert(ctx context.Context, a *Action) (inserted bool, err error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO actions
		(message_id, platform, room_id, label, action_kind, confidence, state, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.MessageID, a.Platform, a.RoomID, a.Label, string(a.Kind), a.Confidence,
		string(StatePending), toMillis(a.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert action: %w", err)
	}
	if n == 0 {
		err := s.db.QueryRowContext(ctx, `SELECT id FROM actions
			WHERE platform = ? AND room_id = ? AND message_id = ? AND action_kind = ?`,
			a.Platform, a.RoomID, a.MessageID, string(a.Kind)).Scan(&a.ID)
		if err != nil {
			return false, fmt.Errorf("lookup duplicate action: %w", err)
		}
		return false, nil
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return false, fmt.Errorf("insert action: %w", err)
	}
	a.State = StatePending
	a.Attempts = 0
	a.CreatedAt = fromMillis(toMillis(a.CreatedAt))
	return true, nil
}

const actionColumns = `id, message_id, platform, room_id, label, action_kind, confidence,
	state, attempts, COALESCE(external_id,''), COALESCE(external_ref,''), claimed_at,
	COALESCE(executor_id,''), created_at, executed_at, COALESCE(last_error,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a                     Action
		kind, state           string
		claimedAt, executedAt sql.NullInt64
		createdAt             int64
	)
	err := row.Scan(&a.ID, &a.MessageID, &a.Platform, &a.RoomID, &a.Label, &kind, &a.Confidence,
		&state, &a.Attempts, &a.ExternalID, &a.ExternalRef, &claimedAt,
		&a.ExecutorID, &createdAt, &executedAt, &a.LastError)
	if err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.State = State(state)
	a.CreatedAt = fromMillis(createdAt)
	if claimedAt.Valid {
		t := fromMillis(claimedAt.Int64)
		a.ClaimedAt = &t
	}
	if executedAt.Valid {
		t := fromMillis(executedAt.Int64)
		a.ExecutedAt = &t
	}
	return &a, nil
}

// Get returns the action with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Action, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action %d: %w", id, err)
	}
	return a, nil
}

// Filter narrows List. Zero values mean "no constraint".
type Filter struct {
	States []State
	// CreatedAfter and AfterID form an exclusive (created_at, id) cursor.
	CreatedAfter time.Time
	AfterID      int64
	Limit        int
}

// List returns actions oldest first. It never mutates anything.
func (s *Store) List(ctx context.Context, f Filter) ([]Action, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + actionColumns + ` FROM actions WHERE 1=1`
	args := []any{}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " AND state IN (" + strings.Join(marks, ",") + ")"
	}
	switch {
	case !f.CreatedAfter.IsZero() && f.AfterID > 0:
		ms := toMillis(f.CreatedAfter)
		query += " AND (created_at > ? OR (created_at = ? AND id > ?))"
		args = append(args, ms, ms, f.AfterID)
	case !f.CreatedAfter.IsZero():
		query += " AND created_at > ?"
		args = append(args, toMillis(f.CreatedAfter))
	case f.AfterID > 0:
		query += " AND id > ?"
		args = append(args, f.AfterID)
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// NextFilter returns f advanced past the last action of a page.
func NextFilter(f Filter, page []Action) Filter {
	if len(page) == 0 {
		return f
	}
	last := page[len(page)-1]
	f.CreatedAfter = last.CreatedAt
	f.AfterID = last.ID
	return f
}

// CountByState reports the number of actions per state; absent states are zero.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM actions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int, len(States))
	for _, st := range States {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count actions: %w", err)
		}
		counts[State(st)] = n
	}
	return counts, rows.Err()
}
