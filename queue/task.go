package queue

// Status is the lifecycle state of a durable task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// terminalStatuses never transition out.
var terminalStatuses = map[Status]bool{
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusDeadLetter: true,
}

// IsTerminal reports whether status is one of the terminal states.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// Dead-letter reason tags.
const (
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonHandlerNotFound    = "handler_not_found"
	ReasonPayloadDecodeError = "payload_decode_error"
)

// Task is a durable record of deferred work. Handlers never see this type
// directly; see Snapshot for the read-only view returned by Get.
type Task struct {
	TaskID            string
	TaskType          string
	PayloadJSON       string
	Status            Status
	Attempts          int
	MaxRetries        int
	RetryDelaySeconds int
	AvailableAt       int64
	CreatedAt         int64
	UpdatedAt         int64
	ExpiresAt         int64
	IdempotencyKey    string
	LastError         string
	ResultJSON        string
	DeadLetterReason  string
}

// Snapshot is the read-only view of a task returned by Get.
type Snapshot struct {
	TaskID           string
	TaskType         string
	Status           Status
	Attempts         int
	MaxRetries       int
	CreatedAt        int64
	UpdatedAt        int64
	ExpiresAt        int64
	Result           map[string]any
	Error            string
	DeadLetterReason string
}

// Handler is the function a registered task_type dispatches to; the worker
// goroutine calls it outside the storage mutex.
// Any error it returns is captured as a string and feeds the retry policy;
// the return value must be serializable as a JSON map.
type Handler func(payload map[string]any) (map[string]any, error)
