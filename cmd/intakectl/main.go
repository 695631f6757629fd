// Command intakectl is the operator CLI for the document-intake engine: it
// opens the embedded store, applies migrations, registers the built-in task
// handlers, and offers submit/status/worker/report modes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocr-mrz/intakeengine/config"
	"github.com/ocr-mrz/intakeengine/document"
	"github.com/ocr-mrz/intakeengine/enrichment"
	"github.com/ocr-mrz/intakeengine/internal/storage"
	"github.com/ocr-mrz/intakeengine/queue"
	"github.com/ocr-mrz/intakeengine/report"
	"github.com/ocr-mrz/intakeengine/repository/sqlite"
)

func main() {
	var (
		dbPath       = flag.String("db", "intake.db", "SQLite database path")
		configPath   = flag.String("config", "", "Optional YAML config file")
		targetURL    = flag.String("target-url", "", "Default form/target URL for auto-created family-reference records")
		maxRetries   = flag.Int("max-retries", -1, "Default max retries for submitted tasks (-1 keeps config default)")
		retryDelay   = flag.Int("retry-delay", -1, "Default retry delay in seconds (-1 keeps config default)")
		verbose      = flag.Bool("verbose", true, "Verbose logging")
		initOnly     = flag.Bool("init", false, "Apply migrations and exit")
		statusTaskID = flag.String("status", "", "Print the status of a task by id")
		worker       = flag.Bool("worker", false, "Run the task queue worker loop in the foreground")
		submitType   = flag.String("submit", "", "Submit a task of the given task_type")
		payloadFile  = flag.String("payload", "", "Path to a JSON file with the task payload (used with -submit)")
		reportMode   = flag.Bool("report", false, "Print a Markdown operator report and exit")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	cfg.DatabasePath = *dbPath
	if *targetURL != "" {
		cfg.DefaultTargetURL = *targetURL
	}
	if *maxRetries >= 0 {
		cfg.DefaultMaxRetries = *maxRetries
	}
	if *retryDelay >= 0 {
		cfg.DefaultRetryDelaySeconds = *retryDelay
	}
	cfg.Verbose = *verbose

	if *configPath != "" {
		merged, err := config.LoadYAMLFile(*configPath, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = merged
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg = config.ApplyStoredOverrides(db, cfg)

	if *initOnly {
		fmt.Println("Database initialized at", cfg.DatabasePath)
		return
	}

	repo := sqlite.New(db)
	svc := enrichment.New(repo, cfg.DefaultTargetURL)

	q, err := queue.New(cfg.QueueSettings(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task queue: %v\n", err)
		os.Exit(1)
	}
	defer q.Close()

	if n := q.RecoveredAttempts(); n > 0 {
		logger.Warn("Recovered orphaned tasks from a previous run", "count", n)
	}

	registerHandlers(q, svc, logger)

	switch {
	case *statusTaskID != "":
		runStatus(q, *statusTaskID)
	case *reportMode:
		runReport(q)
	case *submitType != "":
		runSubmit(q, *submitType, *payloadFile)
	case *worker:
		runWorker(q, logger)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

// registerHandlers wires the two built-in domain task types to the
// enrichment service.
func registerHandlers(q *queue.Queue, svc *enrichment.Service, logger *slog.Logger) {
	must := func(err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register handler: %v\n", err)
			os.Exit(1)
		}
	}

	must(q.RegisterHandler("enrich_document", func(payload map[string]any) (map[string]any, error) {
		documentID, _ := payload["document_id"].(string)
		rawPayload, _ := payload["payload"].(map[string]any)
		sourceDocumentID, _ := payload["source_document_id"].(string)
		selectedFields := stringSlice(payload["selected_fields"])

		result, err := svc.EnrichRecordPayloadByIdentity(documentID, document.Payload(rawPayload), enrichment.EnrichOptions{
			Persist:          true,
			SourceDocumentID: sourceDocumentID,
			SelectedFields:   selectedFields,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Enriched document", "document_id", documentID, "identity_match_found", result.IdentityMatchFound)
		return map[string]any{
			"identity_match_found":        result.IdentityMatchFound,
			"identity_source_document_id": result.IdentitySourceDocumentID,
			"applied_fields":              result.AppliedFields,
			"skipped_fields":              result.SkippedFields,
		}, nil
	}))

	must(q.RegisterHandler("sync_family_links", func(payload map[string]any) (map[string]any, error) {
		documentID, _ := payload["document_id"].(string)
		rawPayload, _ := payload["payload"].(map[string]any)
		source := sourceInfoFromPayload(payload["source"])

		result, err := svc.SyncFamilyReference(documentID, document.Payload(rawPayload), source)
		if err != nil {
			return nil, err
		}
		logger.Info("Synced family links", "document_id", documentID, "related_document_id", result.RelatedDocumentID, "created", result.Created)
		return map[string]any{
			"linked":              result.Linked,
			"related_document_id": result.RelatedDocumentID,
			"created":             result.Created,
		}, nil
	}))
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sourceInfoFromPayload(v any) document.SourceInfo {
	m, ok := v.(map[string]any)
	if !ok {
		return document.SourceInfo{}
	}
	get := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return document.SourceInfo{
		SourceKind:       get("source_kind"),
		OriginDocumentID: get("origin_document_id"),
		OriginalFilename: get("original_filename"),
		StoredPath:       get("stored_path"),
		PreviewURL:       get("preview_url"),
	}
}

func runStatus(q *queue.Queue, taskID string) {
	snap, ok := q.Get(taskID)
	if !ok {
		fmt.Fprintf(os.Stderr, "Task %s not found\n", taskID)
		os.Exit(1)
	}
	fmt.Printf("task_id:      %s\n", snap.TaskID)
	fmt.Printf("task_type:    %s\n", snap.TaskType)
	fmt.Printf("status:       %s\n", snap.Status)
	fmt.Printf("attempts:     %d/%d\n", snap.Attempts, snap.MaxRetries+1)
	fmt.Printf("updated:      %s\n", time.Unix(snap.UpdatedAt, 0).Format(time.RFC3339))
	if snap.DeadLetterReason != "" {
		fmt.Printf("dead_letter:  %s\n", snap.DeadLetterReason)
	}
	if snap.Error != "" {
		fmt.Printf("last_error:   %s\n", snap.Error)
	}
}

func runSubmit(q *queue.Queue, taskType, payloadFile string) {
	payload := map[string]any{}
	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read payload file: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to parse payload file: %v\n", err)
			os.Exit(1)
		}
	}

	taskID, err := q.Submit(taskType, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to submit task: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(taskID)
}

func runWorker(q *queue.Queue, logger *slog.Logger) {
	q.Start()
	logger.Info("Worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down worker")
	q.Stop()
}

func runReport(q *queue.Queue) {
	stats, err := q.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to gather queue stats: %v\n", err)
		os.Exit(1)
	}
	deadLettered, err := q.ListDeadLettered(50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list dead-lettered tasks: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(report.Render(report.Input{
		GeneratedAt:  time.Now().UTC(),
		TaskStats:    stats,
		DeadLettered: deadLettered,
	}))
}
