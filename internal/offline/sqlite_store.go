package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queued_operations (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT    NOT NULL UNIQUE,
	kind            TEXT    NOT NULL,
	payload         BLOB    NOT NULL,
	idempotency_key TEXT    NOT NULL,
	enqueued_at     INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	status          TEXT    NOT NULL,
	last_error      TEXT    NOT NULL DEFAULT '',
	last_attempt_at INTEGER
);
CREATE INDEX IF NOT EXISTS queued_operations_status_seq ON queued_operations (status, seq);
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER
);
`

// SQLiteStore keeps the queue in a local SQLite file so it survives restarts.
// It also exposes a small expiring key/value table for agent settings.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps AUTOINCREMENT order equal to enqueue order.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, op Operation) (Operation, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_operations (id, kind, payload, idempotency_key, enqueued_at, attempts, status, last_error, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Kind), []byte(op.Payload), op.IdempotencyKey, op.EnqueuedAt.UnixNano(), op.Attempts, string(op.Status), op.LastError, nullableNanos(op.LastAttemptAt))
	if err != nil {
		return Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Operation{}, fmt.Errorf("read operation seq: %w", err)
	}
	op.Seq = seq
	return op, nil
}

func (s *SQLiteStore) List(ctx context.Context, status Status) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, payload, idempotency_key, enqueued_at, attempts, status, last_error, last_attempt_at
		FROM queued_operations
		WHERE status = ?
		ORDER BY seq ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	ops := []Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, kind, payload, idempotency_key, enqueued_at, attempts, status, last_error, last_attempt_at
		FROM queued_operations
		WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	return op, err
}

func (s *SQLiteStore) Update(ctx context.Context, op Operation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_operations
		SET attempts = ?, status = ?, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, op.Attempts, string(op.Status), op.LastError, nullableNanos(op.LastAttemptAt), op.ID)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, status Status) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_operations WHERE status = ?`, string(status)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

// GetSetting returns the value stored under key, ignoring expired entries.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM settings WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	if expiresAt.Valid && s.now().UnixNano() >= expiresAt.Int64 {
		return "", false, nil
	}
	return value, true, nil
}

// PutSetting stores value under key. A zero expiresAt never expires.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string, expiresAt time.Time) error {
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expires)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op            Operation
		kind, status  string
		payload       []byte
		enqueuedAt    int64
		lastAttemptAt sql.NullInt64
	)
	if err := row.Scan(&op.Seq, &op.ID, &kind, &payload, &op.IdempotencyKey, &enqueuedAt, &op.Attempts, &status, &op.LastError, &lastAttemptAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Operation{}, err
		}
		return Operation{}, fmt.Errorf("scan operation: %w", err)
	}
	op.Kind = Kind(kind)
	op.Status = Status(status)
	op.Payload = payload
	op.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	if lastAttemptAt.Valid {
		at := time.Unix(0, lastAttemptAt.Int64).UTC()
		op.LastAttemptAt = &at
	}
	return op, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
