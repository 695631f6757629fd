// Package repository defines the abstract contract the enrichment service
// depends on for document persistence. The core defines the contract; any
// backend (an embedded relational store, a document store, or a JSON
// fallback) may implement it.
package repository

import "github.com/ocr-mrz/intakeengine/document"

// UpsertInput is the set of fields accepted by UpsertFromUpload.
type UpsertInput struct {
	DocumentID            string
	Payload               document.Payload
	OCRDocument           map[string]any
	Source                document.SourceInfo
	MissingFields         []string
	ManualStepsRequired   []string
	FormURL               string
	TargetURL             string
	IdentityMatchFound    bool
	IdentitySourceDocID   string
	EnrichmentPreview     []document.EnrichmentRow
}

// Port is the capability contract the Enrichment Service consumes. Storage
// backends must honor these semantics atomically per call.
type Port interface {
	// GetDocument returns the record by id, or ok=false if absent.
	GetDocument(documentID string) (*document.Record, bool)

	// SearchDocuments returns recent documents, newest first. When query is
	// non-empty it filters by substring against name/document_number
	// (case-insensitive); results are deduped by normalized identity key.
	SearchDocuments(query string, limit int) ([]document.Summary, error)

	// FindLatestByIdentities returns the most recent record whose stored
	// identifier matches any of identities (uppercase alphanumeric
	// comparison), excluding excludeDocumentID.
	FindLatestByIdentities(identities []string, excludeDocumentID string) (*document.Record, bool)

	// UpsertFromUpload creates or overwrites an intake record.
	UpsertFromUpload(input UpsertInput) (*document.Record, error)

	// SaveEditedPayload persists a confirmed payload and updates the
	// effective payload.
	SaveEditedPayload(documentID string, payload document.Payload, missingFields []string) (*document.Record, error)

	// UpdateDocumentFields performs a shallow field merge, always bumping
	// updated_at.
	UpdateDocumentFields(documentID string, updates map[string]any) (*document.Record, error)
}
