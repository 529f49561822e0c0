// Package queue implements the persistent outbound delivery queue: SQLite
// storage for queued messages, and a worker loop that drains it with
// exponential backoff, translated from the original Rust queue's
// status/retry arithmetic.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/infodancer/mailcore/internal/validation"
)

// Status is a queue entry's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusBounced Status = "bounced"
)

// Entry is one queued message.
type Entry struct {
	ID          string
	From        string
	To          string
	Data        []byte
	Status      Status
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	NextRetryAt time.Time
}

// Store is a SQLite-backed outbound queue.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite database at path and
// ensures the queue table exists.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS smtp_queue (
		id TEXT PRIMARY KEY,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		data BLOB NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		next_retry_at TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue validates the recipient address and persists a new pending
// entry. A recipient that fails address validation is refused
// synchronously: no row is created.
func (s *Store) Enqueue(ctx context.Context, from, to string, data []byte) (string, error) {
	if err := validation.ValidateAddress(to); err != nil {
		return "", fmt.Errorf("queue: invalid recipient: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO smtp_queue (id, from_addr, to_addr, data, status, retry_count, created_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		id, from, to, data, string(StatusPending), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("queue: insert: %w", err)
	}

	return id, nil
}

// Pending returns up to limit pending entries whose next_retry_at has
// elapsed, ordered by created_at ascending (oldest first).
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_addr, to_addr, data, status, retry_count, last_error, created_at, next_retry_at
		FROM smtp_queue
		WHERE status = ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?`,
		string(StatusPending), time.Now().UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: select pending: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status string
		var lastError sql.NullString
		var created, nextRetry sql.NullString
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Data, &status, &e.RetryCount, &lastError, &created, &nextRetry); err != nil {
			return nil, fmt.Errorf("queue: scan pending: %w", err)
		}
		e.Status = Status(status)
		e.LastError = lastError.String
		if created.Valid {
			e.CreatedAt, _ = time.Parse(time.RFC3339, created.String)
		}
		if nextRetry.Valid {
			e.NextRetryAt, _ = time.Parse(time.RFC3339, nextRetry.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimSending performs the pending -> sending compare-and-set so that
// concurrent workers never process the same entry twice. Reports whether
// this call won the claim.
func (s *Store) ClaimSending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE smtp_queue SET status = ? WHERE id = ? AND status = ?`,
		string(StatusSending), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: claim rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkSent transitions an entry to sent.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE smtp_queue SET status = ? WHERE id = ?`, string(StatusSent), id)
	if err != nil {
		return fmt.Errorf("queue: mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a transient failure: back to pending with an
// incremented retry count and exponential backoff, or bounced once
// maxRetries is reached.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, maxRetries int, retryBase time.Duration, errMsg string) (bounced bool, err error) {
	newCount := retryCount + 1

	if newCount >= maxRetries {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE smtp_queue
			SET status = ?, retry_count = ?, last_error = ?
			WHERE id = ?`,
			string(StatusBounced), newCount, errMsg, id)
		if execErr != nil {
			return false, fmt.Errorf("queue: mark failed (bounce): %w", execErr)
		}
		return true, nil
	}

	delay := retryBase * time.Duration(1<<uint(retryCount))
	nextRetry := time.Now().UTC().Add(delay)

	_, execErr := s.db.ExecContext(ctx, `
		UPDATE smtp_queue
		SET status = ?, retry_count = ?, last_error = ?, next_retry_at = ?
		WHERE id = ?`,
		string(StatusPending), newCount, errMsg, nextRetry.Format(time.RFC3339), id)
	if execErr != nil {
		return false, fmt.Errorf("queue: mark failed: %w", execErr)
	}
	return false, nil
}

// MarkBounced transitions an entry directly to bounced (permanent failure).
func (s *Store) MarkBounced(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE smtp_queue SET status = ?, last_error = ? WHERE id = ?`,
		string(StatusBounced), errMsg, id)
	if err != nil {
		return fmt.Errorf("queue: mark bounced: %w", err)
	}
	return nil
}

// ResetStuckSending reverts entries left in "sending" back to "pending",
// run once at startup: a crash may have interrupted delivery mid-attempt,
// and duplication on retry is preferred to silent loss.
func (s *Store) ResetStuckSending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE smtp_queue SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusSending))
	if err != nil {
		return 0, fmt.Errorf("queue: reset stuck sending: %w", err)
	}
	return res.RowsAffected()
}
