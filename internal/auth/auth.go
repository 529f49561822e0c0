// Package auth implements the SQLite-backed user store and password
// verification used by both the SMTP AUTH and IMAP LOGIN surfaces.
package auth

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Result classifies the outcome of an authentication attempt.
type Result int

const (
	ResultOK Result = iota
	ResultInvalidPassword
	ResultNotFound
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultInvalidPassword:
		return "invalid"
	case ResultNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

var (
	// ErrUserExists is returned by AddUser on a duplicate email.
	ErrUserExists = errors.New("auth: user already exists")
	// ErrMalformedCredentials is returned when a SASL blob cannot be parsed.
	ErrMalformedCredentials = errors.New("auth: malformed credentials")
)

// User is a persisted account record.
type User struct {
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    sql.NullTime
}

// Store is a SQLite-backed authenticator and user directory.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite database at path and
// ensures the users table exists.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open database: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY NOT NULL CHECK(email <> ''),
		password_hash TEXT NOT NULL CHECK(password_hash <> ''),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_login TIMESTAMP
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AddUser creates a new account with the given plaintext password, hashed
// with argon2id before storage. Returns ErrUserExists on a duplicate email.
func (s *Store) AddUser(ctx context.Context, email, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	email = normalizeEmail(email)
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES (?, ?)`, email, hash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed") {
			return ErrUserExists
		}
		return fmt.Errorf("auth: add user: %w", err)
	}
	return nil
}

// DeleteUser removes an account. It is not an error to delete a
// nonexistent user.
func (s *Store) DeleteUser(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE email = ?`, normalizeEmail(email))
	if err != nil {
		return fmt.Errorf("auth: delete user: %w", err)
	}
	return nil
}

// UserExists reports whether email has an account.
func (s *Store) UserExists(ctx context.Context, email string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE email = ?`, normalizeEmail(email)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth: user exists: %w", err)
	}
	return true, nil
}

// ListUsers returns all account emails, sorted.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM users ORDER BY email ASC`)
	if err != nil {
		return nil, fmt.Errorf("auth: list users: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("auth: scan user row: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// CountUsers returns the total number of accounts, for metrics.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("auth: count users: %w", err)
	}
	return n, nil
}

// Authenticate verifies password against the stored hash for email. On
// success, last_login is updated to now.
func (s *Store) Authenticate(ctx context.Context, email, password string) (Result, error) {
	email = normalizeEmail(email)

	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE email = ?`, email).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ResultNotFound, nil
	}
	if err != nil {
		return ResultNotFound, fmt.Errorf("auth: lookup user: %w", err)
	}

	ok, err := verifyPassword(password, hash)
	if err != nil {
		return ResultInvalidPassword, nil
	}
	if !ok {
		return ResultInvalidPassword, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE email = ?`, email); err != nil {
		return ResultOK, fmt.Errorf("auth: update last_login: %w", err)
	}
	return ResultOK, nil
}

// VerifyPlainBase64 decodes an AUTH PLAIN initial-response blob
// (authzid \0 authcid \0 passwd, base64-encoded) and authenticates the
// authcid/passwd pair.
func (s *Store) VerifyPlainBase64(ctx context.Context, blob string) (string, Result, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ResultInvalidPassword, ErrMalformedCredentials
	}

	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", ResultInvalidPassword, ErrMalformedCredentials
	}
	authcid, passwd := parts[1], parts[2]

	result, err := s.Authenticate(ctx, authcid, passwd)
	return authcid, result, err
}

// VerifyLoginBase64 authenticates a base64-encoded username and password
// pair as exchanged during the multi-turn AUTH LOGIN sequence.
func (s *Store) VerifyLoginBase64(ctx context.Context, userB64, passB64 string) (string, Result, error) {
	userBytes, err := base64.StdEncoding.DecodeString(userB64)
	if err != nil {
		return "", ResultInvalidPassword, ErrMalformedCredentials
	}
	passBytes, err := base64.StdEncoding.DecodeString(passB64)
	if err != nil {
		return "", ResultInvalidPassword, ErrMalformedCredentials
	}

	user := string(userBytes)
	result, err := s.Authenticate(ctx, user, string(passBytes))
	return user, result, err
}
