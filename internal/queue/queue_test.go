package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAndPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "sender@example.org", "rcpt@example.com", []byte("hello"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue() returned empty id")
	}

	entries, err := store.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("Pending() = %+v, want one entry with id %q", entries, id)
	}
}

func TestEnqueueRejectsInvalidRecipient(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Enqueue(context.Background(), "sender@example.org", "not-an-address", []byte("x")); err == nil {
		t.Fatal("expected Enqueue to reject an invalid recipient")
	}
}

func TestClaimSendingIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Enqueue(ctx, "a@example.org", "b@example.com", []byte("x"))

	first, err := store.ClaimSending(ctx, id)
	if err != nil {
		t.Fatalf("ClaimSending() error = %v", err)
	}
	if !first {
		t.Fatal("first claim should succeed")
	}

	second, err := store.ClaimSending(ctx, id)
	if err != nil {
		t.Fatalf("ClaimSending() error = %v", err)
	}
	if second {
		t.Fatal("second claim should fail, entry already sending")
	}
}

func TestMarkFailedBacksOffThenBounces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Enqueue(ctx, "a@example.org", "b@example.com", []byte("x"))
	store.ClaimSending(ctx, id)

	bounced, err := store.MarkFailed(ctx, id, 0, 5, 120*time.Second, "temporary failure")
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if bounced {
		t.Fatal("should not bounce before exceeding max retries")
	}

	bounced, err = store.MarkFailed(ctx, id, 5, 5, 120*time.Second, "still failing")
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if !bounced {
		t.Fatal("should bounce once retry_count >= max retries")
	}
}

func TestMarkFailedBouncesOnFifthTransientFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Enqueue(ctx, "a@example.org", "b@example.com", []byte("x"))
	store.ClaimSending(ctx, id)

	retryCount := 0
	var bounced bool
	var err error
	for i := 0; i < 5; i++ {
		bounced, err = store.MarkFailed(ctx, id, retryCount, 5, time.Millisecond, "temporary failure")
		if err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		retryCount++
		if i < 4 && bounced {
			t.Fatalf("bounced after only %d failures, want 5", i+1)
		}
	}
	if !bounced {
		t.Fatal("expected bounced=true after the 5th transient failure")
	}

	var status string
	var gotRetryCount int
	row := store.db.QueryRowContext(ctx, `SELECT status, retry_count FROM smtp_queue WHERE id = ?`, id)
	if err := row.Scan(&status, &gotRetryCount); err != nil {
		t.Fatalf("querying entry: %v", err)
	}
	if status != string(StatusBounced) {
		t.Errorf("status = %q, want %q", status, StatusBounced)
	}
	if gotRetryCount != 5 {
		t.Errorf("retry_count = %d, want 5", gotRetryCount)
	}
}

func TestResetStuckSending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, _ := store.Enqueue(ctx, "a@example.org", "b@example.com", []byte("x"))
	store.ClaimSending(ctx, id)

	n, err := store.ResetStuckSending(ctx)
	if err != nil {
		t.Fatalf("ResetStuckSending() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ResetStuckSending() = %d, want 1", n)
	}

	entries, err := store.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Pending() = %v, want the reset entry back in pending", entries)
	}
}
