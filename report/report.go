// Package report renders an operator-facing Markdown summary of queue and
// enrichment activity, plus an HTML rendering of that summary for display.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"

	"github.com/ocr-mrz/intakeengine/document"
	"github.com/ocr-mrz/intakeengine/queue"
)

// TaskSnapshot is queue.Snapshot, the task view the report renders.
type TaskSnapshot = queue.Snapshot

// EnrichmentEvent is one enrichment or family-link operation folded into
// the report.
type EnrichmentEvent struct {
	DocumentID         string
	IdentityMatchFound bool
	AppliedFields      []string
	SkippedFields      []string
	FamilyLinksAdded   int
}

// Input bundles the data a report summarizes.
type Input struct {
	GeneratedAt  time.Time
	TaskStats    map[queue.Status]int
	DeadLettered []*TaskSnapshot
	Enrichments  []EnrichmentEvent
}

// Render builds the Markdown operator report for input.
func Render(input Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Intake Engine Report\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", input.GeneratedAt.Format(time.RFC3339))

	renderTaskQueueSection(&b, input.TaskStats, input.DeadLettered)
	renderEnrichmentSection(&b, input.Enrichments)

	return b.String()
}

func renderTaskQueueSection(b *strings.Builder, stats map[queue.Status]int, deadLettered []*TaskSnapshot) {
	fmt.Fprintf(b, "## Task Queue\n\n")
	if len(stats) == 0 {
		fmt.Fprintf(b, "No tasks recorded.\n\n")
		return
	}

	statuses := []queue.Status{
		queue.StatusQueued, queue.StatusRunning, queue.StatusRetrying,
		queue.StatusCompleted, queue.StatusFailed, queue.StatusDeadLetter,
	}
	fmt.Fprintf(b, "| Status | Count |\n|---|---|\n")
	for _, status := range statuses {
		if stats[status] == 0 {
			continue
		}
		fmt.Fprintf(b, "| %s | %d |\n", status, stats[status])
	}
	b.WriteString("\n")

	if len(deadLettered) == 0 {
		return
	}

	ordered := make([]*TaskSnapshot, len(deadLettered))
	copy(ordered, deadLettered)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].UpdatedAt > ordered[j].UpdatedAt })

	fmt.Fprintf(b, "### Dead-lettered tasks\n\n")
	fmt.Fprintf(b, "| Task | Type | Reason | Error | Updated |\n|---|---|---|---|---|\n")
	for _, t := range ordered {
		updated := humanize.Time(time.Unix(t.UpdatedAt, 0))
		fmt.Fprintf(b, "| `%s` | %s | %s | %s | %s |\n",
			t.TaskID, t.TaskType, t.DeadLetterReason, escapeCell(t.Error), updated)
	}
	b.WriteString("\n")
}

func renderEnrichmentSection(b *strings.Builder, events []EnrichmentEvent) {
	fmt.Fprintf(b, "## Enrichment Activity\n\n")
	if len(events) == 0 {
		fmt.Fprintf(b, "No enrichment runs recorded.\n\n")
		return
	}

	fmt.Fprintf(b, "| Document | Identity Match | Applied | Skipped | Family Links Added |\n|---|---|---|---|---|\n")
	for _, e := range events {
		fmt.Fprintf(b, "| `%s` | %t | %d | %d | %d |\n",
			e.DocumentID, e.IdentityMatchFound, len(e.AppliedFields), len(e.SkippedFields), e.FamilyLinksAdded)
	}
	b.WriteString("\n")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", "\\|"), "\n", " ")
}

// EventFromEnrichmentLog projects a document.EnrichmentLog plus the count of
// newly added family links into a report EnrichmentEvent.
func EventFromEnrichmentLog(documentID string, matched bool, log document.EnrichmentLog, familyLinksAdded int) EnrichmentEvent {
	return EnrichmentEvent{
		DocumentID:         documentID,
		IdentityMatchFound: matched,
		AppliedFields:      fieldNames(log.AppliedFields),
		SkippedFields:      fieldNames(log.SkippedFields),
		FamilyLinksAdded:   familyLinksAdded,
	}
}

func fieldNames(rows []document.EnrichmentRow) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Field
	}
	return out
}

// RenderHTML converts a previously rendered Markdown report to HTML, the
// same goldmark.Convert call the teacher uses to render Markdown for its
// dashboard, repurposed here for an operator-facing static artifact.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render report HTML: %w", err)
	}
	return buf.String(), nil
}
