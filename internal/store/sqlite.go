package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/astroinsight/astroinsight/internal/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is RFC3339 with fixed-width nanoseconds so stored timestamps
// compare correctly as strings in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}

// SQLiteStore is the default TaskStore backend: a single SQLite file with
// WAL journaling and embedded schema migrations.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the task database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "astroinsight.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

const taskColumns = `id, kind, payload, status, attempt, max_attempts, result,
	error_kind, error_message, parent_id, deadline, lease_until, run_after,
	last_error, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.RunAfter.IsZero() {
		t.RunAfter = now
	}

	var errKind, errMsg string
	if t.Error != nil {
		errKind = string(t.Error.Kind)
		errMsg = t.Error.Message
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, string(t.Payload), string(t.Status), t.Attempt, t.MaxAttempts,
		string(t.Result), errKind, errMsg, t.ParentID,
		formatTime(t.Deadline), formatTime(t.LeaseUntil), formatTime(t.RunAfter),
		t.LastError, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (*task.Task, error) {
	var t task.Task
	var payload, status, result, errKind, errMsg string
	var deadline, leaseUntil, runAfter, createdAt, updatedAt string
	err := scan(
		&t.ID, &t.Kind, &payload, &status, &t.Attempt, &t.MaxAttempts, &result,
		&errKind, &errMsg, &t.ParentID, &deadline, &leaseUntil, &runAfter,
		&t.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Payload = json.RawMessage(payload)
	t.Status = task.Status(status)
	if result != "" {
		t.Result = json.RawMessage(result)
	}
	if errKind != "" {
		t.Error = &task.Error{Kind: task.ErrorKind(errKind), Message: errMsg}
	}
	for _, f := range []struct {
		raw  string
		dst  *time.Time
		name string
	}{
		{deadline, &t.Deadline, "deadline"},
		{leaseUntil, &t.LeaseUntil, "lease_until"},
		{runAfter, &t.RunAfter, "run_after"},
		{createdAt, &t.CreatedAt, "created_at"},
		{updatedAt, &t.UpdatedAt, "updated_at"},
	} {
		parsed, err := parseTime(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s for task %s: %w", f.name, t.ID, err)
		}
		*f.dst = parsed
	}
	return &t, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) Acquire(ctx context.Context, id string, lease time.Duration) (*task.Task, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempt = attempt + 1, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ? AND run_after <= ?`,
		string(task.StatusRunning), formatTime(now.Add(lease)), formatTime(now),
		id, string(task.StatusPending), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish missing from not-claimable for the caller's logs.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotClaimable
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, lease_until = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusSucceeded), string(result), now,
		id, string(task.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, terr *task.Error) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error_kind = ?, error_message = ?, last_error = ?,
		    lease_until = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusFailed), string(terr.Kind), terr.Message, terr.Message, now,
		id, string(task.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failing task %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) ExtendLease(ctx context.Context, id string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		formatTime(now.Add(lease)), formatTime(now),
		id, string(task.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("extending lease for task %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) Release(ctx context.Context, id string, lastErr string, runAfter time.Time) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, last_error = ?, run_after = ?, lease_until = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusPending), lastErr, formatTime(runAfter), now,
		id, string(task.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("releasing task %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(task.StatusCancelled), now,
		id, string(task.StatusPending), string(task.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("cancelling task %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition maps a zero-row guarded update to ErrNotFound or
// ErrConflict.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *SQLiteStore) ReclaimExpired(ctx context.Context, limit int) ([]string, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND lease_until != '' AND lease_until <= ?
		ORDER BY lease_until ASC LIMIT ?`,
		string(task.StatusRunning), formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting expired leases: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, lease_until = '', run_after = ?, updated_at = ?
			WHERE id = ? AND status = ? AND lease_until != '' AND lease_until <= ?`,
			string(task.StatusPending), formatTime(now), formatTime(now),
			id, string(task.StatusRunning), formatTime(now),
		)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaiming task %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

func (s *SQLiteStore) PendingDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after ASC LIMIT ?`,
		string(task.StatusPending), formatTime(before), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting due tasks: %w", err)
	}
	return collectIDs(rows)
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND updated_at <= ?`,
		string(task.StatusSucceeded), string(task.StatusFailed), string(task.StatusCancelled),
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting terminal tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
