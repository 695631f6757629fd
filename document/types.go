// Package document defines the document-intake record model shared by the
// repository port and the enrichment service.
package document

import "time"

// Status represents the current lifecycle stage of a document record.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusConfirmed Status = "confirmed"
	StatusMerged    Status = "merged"
	StatusUnknown   Status = "unknown"
)

// Relation names the kind of edge a FamilyLink represents.
type Relation string

const (
	RelationFamiliarQueDaDerecho       Relation = "familiar_que_da_derecho"
	RelationTitularFamiliarDependiente Relation = "titular_familiar_dependiente"
)

// FamilyLink is one directed edge in the family reference graph between two
// document records. Links are stored as ids, never embedded objects.
type FamilyLink struct {
	Relation              Relation `json:"relation"`
	RelatedDocumentID     string   `json:"related_document_id"`
	DocumentNumber        string   `json:"document_number"`
	CreatedFromReference  bool     `json:"created_from_reference"`
}

// Key returns the de-duplication key for a family link: (related_document_id,
// relation, document_number).
func (l FamilyLink) Key() [3]string {
	return [3]string{l.RelatedDocumentID, string(l.Relation), l.DocumentNumber}
}

// EnrichmentRow is one applied or skipped field record produced by fill-empty
// enrichment.
type EnrichmentRow struct {
	Field          string `json:"field"`
	CurrentValue   string `json:"current_value"`
	SuggestedValue string `json:"suggested_value"`
	Source         string `json:"source"`
	Reason         string `json:"reason,omitempty"` // "equal" or "conflict"; empty for applied rows
}

// EnrichmentLog captures the applied/skipped outcome of the most recent
// enrichment pass against a record.
type EnrichmentLog struct {
	AppliedFields []EnrichmentRow `json:"applied_fields"`
	SkippedFields []EnrichmentRow `json:"skipped_fields"`
}

// Identifiers holds the derived natural-key fields projected from a payload.
type Identifiers struct {
	DocumentNumber string `json:"document_number"`
	Name           string `json:"name"`
}

// SourceInfo describes where an intake document originated.
type SourceInfo struct {
	SourceKind        string `json:"source_kind,omitempty"`
	OriginDocumentID  string `json:"origin_document_id,omitempty"`
	OriginalFilename  string `json:"original_filename,omitempty"`
	StoredPath        string `json:"stored_path,omitempty"`
	PreviewURL        string `json:"preview_url,omitempty"`
}

// Record is a person-centric intake document as persisted by the Repository
// Port. document_id is stable for the lifetime of the record.
type Record struct {
	DocumentID string `json:"document_id"`

	OCRPayload       Payload `json:"ocr_payload"`
	EditedPayload    Payload `json:"edited_payload,omitempty"`
	EffectivePayload Payload `json:"effective_payload"`

	Identifiers Identifiers `json:"identifiers"`
	Status      Status      `json:"status"`

	IdentityMatchFound       bool   `json:"identity_match_found"`
	IdentitySourceDocumentID string `json:"identity_source_document_id,omitempty"`

	EnrichmentPreview []EnrichmentRow `json:"enrichment_preview,omitempty"`
	EnrichmentLog     EnrichmentLog   `json:"enrichment_log"`

	FamilyLinks []FamilyLink `json:"family_links,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Source                SourceInfo `json:"source"`
	OCRDocument           map[string]any `json:"ocr_document,omitempty"`
	MissingFields         []string   `json:"missing_fields,omitempty"`
	ManualStepsRequired   []string   `json:"manual_steps_required,omitempty"`
	FormURL               string     `json:"form_url,omitempty"`
	TargetURL             string     `json:"target_url,omitempty"`
	BrowserSessionID      string     `json:"browser_session_id,omitempty"`
	MergedIntoDocumentID  string     `json:"merged_into_document_id,omitempty"`
}

// Effective returns the best current view of the record's payload: edited if
// present, else OCR-extracted.
func (r *Record) Effective() Payload {
	if len(r.EditedPayload) > 0 {
		return r.EditedPayload
	}
	return r.OCRPayload
}

// Summary is the lightweight projection returned by corpus search and merge
// candidate scans.
type Summary struct {
	DocumentID     string    `json:"document_id"`
	DocumentNumber string    `json:"document_number"`
	Name           string    `json:"name"`
	UpdatedAt      time.Time `json:"updated_at"`
	Status         Status    `json:"status"`
	HasEdited      bool      `json:"has_edited"`
}
