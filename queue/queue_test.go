package queue

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := New(DefaultSettings(dbPath), logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func awaitTerminal(t *testing.T, q *Queue, taskID string) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := q.Get(taskID)
		if !ok {
			t.Fatalf("task %s vanished", taskID)
		}
		if snap.Status.IsTerminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestHappyPath(t *testing.T) {
	q := newTestQueue(t)
	if err := q.RegisterHandler("sample", func(payload map[string]any) (map[string]any, error) {
		value, _ := payload["value"].(float64)
		return map[string]any{"value": value + 1}, nil
	}); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	q.Start()
	defer q.Stop()

	taskID, err := q.Submit("sample", map[string]any{"value": 41})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	snap := awaitTerminal(t, q, taskID)
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", snap.Status)
	}
	if snap.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", snap.Attempts)
	}
	if got, _ := snap.Result["value"].(float64); got != 42 {
		t.Fatalf("result value = %v, want 42", snap.Result["value"])
	}
}

func TestRetryToDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	if err := q.RegisterHandler("boom", func(map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	q.Start()
	defer q.Stop()

	taskID, err := q.Submit("boom", map[string]any{}, WithMaxRetries(1), WithRetryDelay(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	snap := awaitTerminal(t, q, taskID)
	if snap.Status != StatusDeadLetter {
		t.Fatalf("status = %v, want dead_letter", snap.Status)
	}
	if snap.DeadLetterReason != ReasonMaxRetriesExceeded {
		t.Fatalf("dead_letter_reason = %q, want %q", snap.DeadLetterReason, ReasonMaxRetriesExceeded)
	}
	if snap.Error != "boom" {
		t.Fatalf("error = %q, want %q", snap.Error, "boom")
	}
	if snap.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", snap.Attempts)
	}
}

func TestMaxRetriesZeroDeadLettersAfterOneAttempt(t *testing.T) {
	q := newTestQueue(t)
	var calls int32
	if err := q.RegisterHandler("boom", func(map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("nope")
	}); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	q.Start()
	defer q.Stop()

	taskID, err := q.Submit("boom", map[string]any{}, WithMaxRetries(0), WithRetryDelay(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	snap := awaitTerminal(t, q, taskID)
	if snap.Status != StatusDeadLetter {
		t.Fatalf("status = %v, want dead_letter", snap.Status)
	}
	if snap.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", snap.Attempts)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
}

func TestIdempotentSubmit(t *testing.T) {
	q := newTestQueue(t)
	var calls int32
	if err := q.RegisterHandler("sample", func(map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{}, nil
	}); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	firstID, err := q.Submit("sample", map[string]any{}, WithIdempotencyKey("upload-123"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	secondID, err := q.Submit("sample", map[string]any{}, WithIdempotencyKey("upload-123"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if firstID != secondID {
		t.Fatalf("task ids differ: %s != %s", firstID, secondID)
	}

	q.Start()
	defer q.Stop()
	awaitTerminal(t, q, firstID)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
}

func TestMissingHandler(t *testing.T) {
	q := newTestQueue(t)
	q.Start()
	defer q.Stop()

	taskID, err := q.Submit("unregistered", map[string]any{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	snap := awaitTerminal(t, q, taskID)
	if snap.Status != StatusDeadLetter {
		t.Fatalf("status = %v, want dead_letter", snap.Status)
	}
	if snap.DeadLetterReason != ReasonHandlerNotFound {
		t.Fatalf("dead_letter_reason = %q, want %q", snap.DeadLetterReason, ReasonHandlerNotFound)
	}
	if snap.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", snap.Attempts)
	}
}

func TestSubmitRejectsEmptyTaskType(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Submit("   ", map[string]any{}); err == nil {
		t.Fatal("Submit() with blank task_type should fail")
	}
}

func TestNonTerminalTaskNotPurgedOnTTLExpiry(t *testing.T) {
	q := newTestQueue(t)
	taskID, err := q.Submit("sample", map[string]any{}, WithTTL(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	q.mu.Lock()
	_, err = q.db.Exec(`UPDATE task_queue SET expires_at = 0 WHERE task_id = ?`, taskID)
	q.mu.Unlock()
	if err != nil {
		t.Fatalf("failed to backdate expiry: %v", err)
	}

	if _, ok := q.Get(taskID); !ok {
		t.Fatal("non-terminal task was purged despite expired TTL")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	q := newTestQueue(t)
	q.Start()
	q.Start()
	q.Stop()
	q.Stop()
}

func TestRecoversOrphanedRunningTasksOnRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	q1, err := New(DefaultSettings(dbPath), logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	taskID, err := q1.Submit("sample", map[string]any{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	q1.mu.Lock()
	_, err = q1.db.Exec(`UPDATE task_queue SET status = ? WHERE task_id = ?`, StatusRunning, taskID)
	q1.mu.Unlock()
	if err != nil {
		t.Fatalf("failed to simulate crash: %v", err)
	}
	if err := q1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	q2, err := New(DefaultSettings(dbPath), logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q2.Close()

	if got := q2.RecoveredAttempts(); got != 1 {
		t.Fatalf("RecoveredAttempts() = %d, want 1", got)
	}
	snap, ok := q2.Get(taskID)
	if !ok {
		t.Fatal("recovered task not found")
	}
	if snap.Status != StatusRetrying {
		t.Fatalf("status = %v, want retrying", snap.Status)
	}
}

func TestStatsAndListDeadLettered(t *testing.T) {
	q := newTestQueue(t)
	if err := q.RegisterHandler("boom", func(map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	q.Start()
	defer q.Stop()

	taskID, err := q.Submit("boom", map[string]any{}, WithMaxRetries(0), WithRetryDelay(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	awaitTerminal(t, q, taskID)

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats[StatusDeadLetter] != 1 {
		t.Fatalf("Stats()[dead_letter] = %d, want 1", stats[StatusDeadLetter])
	}

	deadLettered, err := q.ListDeadLettered(10)
	if err != nil {
		t.Fatalf("ListDeadLettered() error = %v", err)
	}
	if len(deadLettered) != 1 || deadLettered[0].TaskID != taskID {
		t.Fatalf("ListDeadLettered() = %+v, want a single entry for %s", deadLettered, taskID)
	}
}

func TestAttemptsNeverExceedsMaxRetriesPlusOne(t *testing.T) {
	q := newTestQueue(t)
	if err := q.RegisterHandler("boom", func(map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("always fails")
	}); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	q.Start()
	defer q.Stop()

	taskID, err := q.Submit("boom", map[string]any{}, WithMaxRetries(2), WithRetryDelay(1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	snap := awaitTerminal(t, q, taskID)
	if snap.Attempts > snap.MaxRetries+1 {
		t.Fatalf("attempts = %d exceeds max_retries+1 = %d", snap.Attempts, snap.MaxRetries+1)
	}
}
