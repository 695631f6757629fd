// Package queue implements the durable, single-process task queue: a
// persistent scheduler with retries, linear backoff, dead-lettering,
// TTL-based garbage collection, and idempotency de-duplication.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocr-mrz/intakeengine/internal/storage"
)

// Settings configures a Queue instance.
type Settings struct {
	DatabasePath              string
	DefaultTTLSeconds         int
	DefaultMaxRetries         int
	DefaultRetryDelaySeconds  int
	WorkerPollIntervalSeconds float64
}

// DefaultSettings returns sensible defaults for a queue backed by dbPath.
func DefaultSettings(dbPath string) Settings {
	return Settings{
		DatabasePath:              dbPath,
		DefaultTTLSeconds:         24 * 60 * 60,
		DefaultMaxRetries:         3,
		DefaultRetryDelaySeconds:  5,
		WorkerPollIntervalSeconds: 0.5,
	}
}

// Queue is the SQLite-backed task queue that survives process restarts.
// Storage access is serialized by a single mutex held for the duration of
// each transactional unit; handler invocation happens outside the mutex so
// long-running handlers never block submitters or status queries.
type Queue struct {
	settings Settings
	db       *storage.DB
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	workerMu sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool

	recoveredAttempts int
}

// New applies migrations, opens the shared connection, and performs the
// startup recovery sweep described in SPEC_FULL.md §9: any task left in
// status=running by a prior crash is reset to retrying so it becomes
// eligible for another claim instead of being stuck forever.
func New(settings Settings, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(settings.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	q := &Queue{
		settings: settings,
		db:       db,
		logger:   logger,
		handlers: make(map[string]Handler),
	}

	if err := q.recoverOrphanedRunning(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover orphaned tasks: %w", err)
	}

	return q, nil
}

func (q *Queue) recoverOrphanedRunning() error {
	now := time.Now().Unix()
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`
		UPDATE task_queue
		SET status = ?, available_at = ?, updated_at = ?
		WHERE status = ?
	`, StatusRetrying, now, now, StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.recoveredAttempts += int(n)
		q.logger.Warn("Recovered orphaned running tasks from previous session", "count", n)
	}
	return nil
}

// RecoveredAttempts reports how many running tasks were reclaimed at
// startup by the recovery sweep.
func (q *Queue) RecoveredAttempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recoveredAttempts
}

// RegisterHandler normalizes task_type to lowercase/trimmed and registers
// the handler for it, overwriting any previous handler. Registration is
// expected before Start(); post-start registration is permitted but is not
// synchronized with in-flight claims.
func (q *Queue) RegisterHandler(taskType string, handler Handler) error {
	normalized := normalizeTaskType(taskType)
	if normalized == "" {
		return ValidationError("task_type is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[normalized] = handler
	return nil
}

func normalizeTaskType(taskType string) string {
	return strings.ToLower(strings.TrimSpace(taskType))
}

// SubmitOption customizes a Submit call.
type SubmitOption func(*submitParams)

type submitParams struct {
	idempotencyKey    string
	ttlSeconds        int
	maxRetries        int
	retryDelaySeconds int
}

// WithIdempotencyKey de-duplicates submissions against a caller-supplied
// token: repeated submits with the same key return the existing task_id.
func WithIdempotencyKey(key string) SubmitOption {
	return func(p *submitParams) { p.idempotencyKey = key }
}

// WithTTL overrides the default retention window for terminal tasks.
func WithTTL(seconds int) SubmitOption {
	return func(p *submitParams) { p.ttlSeconds = seconds }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) SubmitOption {
	return func(p *submitParams) { p.maxRetries = n }
}

// WithRetryDelay overrides the default linear backoff unit.
func WithRetryDelay(seconds int) SubmitOption {
	return func(p *submitParams) { p.retryDelaySeconds = seconds }
}

// Submit enqueues a task and returns its id, de-duplicating against any
// non-expired task sharing the same idempotency key.
func (q *Queue) Submit(taskType string, payload map[string]any, opts ...SubmitOption) (string, error) {
	taskKind := normalizeTaskType(taskType)
	if taskKind == "" {
		return "", ValidationError("task_type is required")
	}

	params := submitParams{
		ttlSeconds:        q.settings.DefaultTTLSeconds,
		maxRetries:        q.settings.DefaultMaxRetries,
		retryDelaySeconds: q.settings.DefaultRetryDelaySeconds,
	}
	for _, opt := range opts {
		opt(&params)
	}

	ttl := params.ttlSeconds
	if ttl <= 0 {
		ttl = q.settings.DefaultTTLSeconds
	}
	retries := params.maxRetries
	if retries < 0 {
		retries = 0
	}
	retryDelay := params.retryDelaySeconds
	if retryDelay < 1 {
		retryDelay = 1
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	now := time.Now().Unix()
	dedupeKey := strings.TrimSpace(params.idempotencyKey)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.purgeExpiredTasksLocked(now); err != nil {
		return "", fmt.Errorf("failed to purge expired tasks: %w", err)
	}

	if dedupeKey != "" {
		var existing string
		err := q.db.QueryRow(`
			SELECT task_id FROM task_queue
			WHERE idempotency_key = ?
			ORDER BY created_at DESC
			LIMIT 1
		`, dedupeKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	taskID := uuid.NewString()
	_, err = q.db.Exec(`
		INSERT INTO task_queue (
			task_id, task_type, payload_json, status, attempts, max_retries,
			retry_delay_seconds, available_at, created_at, updated_at,
			expires_at, idempotency_key, last_error, result_json, dead_letter_reason
		) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, '', NULL, '')
	`,
		taskID, taskKind, string(payloadJSON), StatusQueued, retries, retryDelay,
		now, now, now, now+int64(ttl), nullableString(dedupeKey),
	)
	if err != nil {
		return "", fmt.Errorf("failed to submit task: %w", err)
	}

	return taskID, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Get returns a read-only snapshot of the task, purging expired terminal
// tasks first. A corrupt stored result surfaces as Result=nil rather than
// an error.
func (q *Queue) Get(taskID string) (*Snapshot, bool) {
	now := time.Now().Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.purgeExpiredTasksLocked(now); err != nil {
		q.logger.Error("Failed to purge expired tasks", "error", err)
	}

	var t Task
	var idempotencyKey sql.NullString
	var resultJSON sql.NullString
	err := q.db.QueryRow(`
		SELECT task_id, task_type, status, attempts, max_retries, retry_delay_seconds,
			available_at, created_at, updated_at, expires_at, idempotency_key,
			last_error, result_json, dead_letter_reason
		FROM task_queue WHERE task_id = ?
	`, taskID).Scan(
		&t.TaskID, &t.TaskType, &t.Status, &t.Attempts, &t.MaxRetries, &t.RetryDelaySeconds,
		&t.AvailableAt, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &idempotencyKey,
		&t.LastError, &resultJSON, &t.DeadLetterReason,
	)
	if err != nil {
		return nil, false
	}

	var result map[string]any
	if resultJSON.Valid && resultJSON.String != "" {
		var decoded map[string]any
		if json.Unmarshal([]byte(resultJSON.String), &decoded) == nil {
			result = decoded
		}
	}

	return &Snapshot{
		TaskID:           t.TaskID,
		TaskType:         t.TaskType,
		Status:           t.Status,
		Attempts:         t.Attempts,
		MaxRetries:       t.MaxRetries,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		ExpiresAt:        t.ExpiresAt,
		Result:           result,
		Error:            t.LastError,
		DeadLetterReason: t.DeadLetterReason,
	}, true
}

// Stats aggregates task counts by status, for the operator report. It does
// not purge expired tasks first; expired terminal rows are only purged by
// Submit and Get, so they are counted until one of those runs.
func (q *Queue) Stats() (map[Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM task_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate task stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task stats row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListDeadLettered returns up to limit dead-lettered tasks, most recently
// updated first, for the operator report.
func (q *Queue) ListDeadLettered(limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`
		SELECT task_id, task_type, status, attempts, max_retries, created_at, updated_at,
			expires_at, last_error, dead_letter_reason
		FROM task_queue
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, StatusDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered tasks: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(
			&s.TaskID, &s.TaskType, &s.Status, &s.Attempts, &s.MaxRetries,
			&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &s.Error, &s.DeadLetterReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead-lettered task: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// purgeExpiredTasksLocked deletes terminal rows past their TTL. Callers must
// hold q.mu. Non-terminal rows are never purged solely for TTL expiry.
func (q *Queue) purgeExpiredTasksLocked(now int64) error {
	_, err := q.db.Exec(`
		DELETE FROM task_queue
		WHERE expires_at <= ?
		  AND status IN (?, ?, ?)
	`, now, StatusCompleted, StatusFailed, StatusDeadLetter)
	return err
}

// Start idempotently starts the background worker goroutine.
func (q *Queue) Start() {
	q.workerMu.Lock()
	defer q.workerMu.Unlock()
	if q.running {
		return
	}
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.running = true
	go q.workerLoop(q.stopCh, q.doneCh)
}

// Stop signals the worker to stop and awaits its exit. An in-flight handler
// is not cancelled; it runs to completion first.
func (q *Queue) Stop() {
	q.workerMu.Lock()
	if !q.running {
		q.workerMu.Unlock()
		return
	}
	stopCh, doneCh := q.stopCh, q.doneCh
	q.running = false
	q.workerMu.Unlock()

	close(stopCh)
	<-doneCh
}

// Close releases the storage connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}

func (q *Queue) workerLoop(stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	interval := time.Duration(q.settings.WorkerPollIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		processed, err := q.processNextDueTask()
		if err != nil {
			q.logger.Error("Storage error while processing queue", "error", err)
		}
		if processed {
			continue
		}

		timer := time.NewTimer(interval)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// processNextDueTask claims and executes at most one due task. It returns
// true if a task was claimed (regardless of outcome).
func (q *Queue) processNextDueTask() (bool, error) {
	now := time.Now().Unix()

	q.mu.Lock()
	var t Task
	var idempotencyKey sql.NullString
	var resultJSON sql.NullString
	err := q.db.QueryRow(`
		SELECT task_id, task_type, payload_json, status, attempts, max_retries,
			retry_delay_seconds, available_at, created_at, updated_at, expires_at,
			idempotency_key, last_error, result_json, dead_letter_reason
		FROM task_queue
		WHERE status IN (?, ?) AND available_at <= ?
		ORDER BY available_at ASC, created_at ASC
		LIMIT 1
	`, StatusQueued, StatusRetrying, now).Scan(
		&t.TaskID, &t.TaskType, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxRetries,
		&t.RetryDelaySeconds, &t.AvailableAt, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt,
		&idempotencyKey, &t.LastError, &resultJSON, &t.DeadLetterReason,
	)
	if err == sql.ErrNoRows {
		q.mu.Unlock()
		return false, nil
	}
	if err != nil {
		q.mu.Unlock()
		return false, fmt.Errorf("failed to claim task: %w", err)
	}

	attempts := t.Attempts + 1
	if _, err := q.db.Exec(`
		UPDATE task_queue SET status = ?, attempts = ?, updated_at = ? WHERE task_id = ?
	`, StatusRunning, attempts, now, t.TaskID); err != nil {
		q.mu.Unlock()
		return false, fmt.Errorf("failed to mark task running: %w", err)
	}
	q.mu.Unlock()

	q.mu.Lock()
	handler, ok := q.handlers[t.TaskType]
	q.mu.Unlock()

	if !ok {
		if err := q.markStructuralFailure(t.TaskID, fmt.Sprintf("no handler registered for task_type=%s", t.TaskType), ReasonHandlerNotFound); err != nil {
			return true, err
		}
		return true, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(t.PayloadJSON), &payload); err != nil {
		if err := q.markStructuralFailure(t.TaskID, "invalid payload JSON", ReasonPayloadDecodeError); err != nil {
			return true, err
		}
		return true, nil
	}

	result, handlerErr := handler(payload)
	if handlerErr != nil {
		if err := q.markRetryOrDeadLetter(t.TaskID, handlerErr.Error()); err != nil {
			return true, err
		}
		return true, nil
	}

	if err := q.markCompleted(t.TaskID, result); err != nil {
		return true, err
	}
	return true, nil
}

func (q *Queue) markCompleted(taskID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode handler result: %w", err)
	}
	now := time.Now().Unix()

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err = q.db.Exec(`
		UPDATE task_queue
		SET status = ?, result_json = ?, last_error = '', dead_letter_reason = '', updated_at = ?
		WHERE task_id = ?
	`, StatusCompleted, string(resultJSON), now, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	return nil
}

func (q *Queue) markRetryOrDeadLetter(taskID, errorMessage string) error {
	now := time.Now().Unix()

	q.mu.Lock()
	defer q.mu.Unlock()

	var attempts, maxRetries, retryDelaySeconds int
	err := q.db.QueryRow(`
		SELECT attempts, max_retries, retry_delay_seconds FROM task_queue WHERE task_id = ?
	`, taskID).Scan(&attempts, &maxRetries, &retryDelaySeconds)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read task for retry decision: %w", err)
	}

	if attempts <= maxRetries {
		nextAvailable := now + int64(retryDelaySeconds*attempts)
		_, err = q.db.Exec(`
			UPDATE task_queue
			SET status = ?, available_at = ?, updated_at = ?, last_error = ?, dead_letter_reason = ''
			WHERE task_id = ?
		`, StatusRetrying, nextAvailable, now, errorMessage, taskID)
	} else {
		_, err = q.db.Exec(`
			UPDATE task_queue
			SET status = ?, updated_at = ?, last_error = ?, dead_letter_reason = ?
			WHERE task_id = ?
		`, StatusDeadLetter, now, errorMessage, ReasonMaxRetriesExceeded, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark task retry/dead-letter: %w", err)
	}
	return nil
}

// markStructuralFailure transitions a task directly to dead_letter, skipping
// the retry policy, for explicit structural failures (missing handler, bad
// payload).
func (q *Queue) markStructuralFailure(taskID, errorMessage, reason string) error {
	return q.markFailed(taskID, errorMessage, true, reason)
}

// markFailed persists an explicit failure state. dead_letter=false is
// reserved for future callers of the "failed" status; the default handler
// path never takes it.
func (q *Queue) markFailed(taskID, errorMessage string, deadLetter bool, reason string) error {
	status := StatusFailed
	if deadLetter {
		status = StatusDeadLetter
	}
	now := time.Now().Unix()

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Exec(`
		UPDATE task_queue
		SET status = ?, updated_at = ?, last_error = ?, dead_letter_reason = ?
		WHERE task_id = ?
	`, status, now, errorMessage, reason, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}
