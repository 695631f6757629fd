// Package sqlite implements the Repository Port against the shared
// embedded SQLite store.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ocr-mrz/intakeengine/document"
	"github.com/ocr-mrz/intakeengine/internal/storage"
	"github.com/ocr-mrz/intakeengine/repository"
)

// Store implements repository.Port using the shared SQLite database.
type Store struct {
	db *storage.DB
}

var _ repository.Port = (*Store)(nil)

// New wraps an already-migrated storage.DB as a repository.Port.
func New(db *storage.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `
	document_id, ocr_payload_json, edited_payload_json, effective_payload_json,
	document_number, name, status, identity_match_found, identity_source_document_id,
	enrichment_preview_json, enrichment_log_json, family_links_json,
	source_json, ocr_document_json, missing_fields_json, manual_steps_required_json,
	form_url, target_url, browser_session_id, merged_into_document_id,
	created_at, updated_at
`

func scanRecord(scanner interface{ Scan(...any) error }) (*document.Record, error) {
	var (
		r                   document.Record
		ocrPayload          string
		editedPayload       sql.NullString
		effectivePayload    string
		documentNumber      string
		name                string
		identityMatchFound  int
		enrichmentPreview   string
		enrichmentLog       string
		familyLinks         string
		sourceJSON          string
		ocrDocumentJSON     string
		missingFields       string
		manualSteps         string
		createdAt           string
		updatedAt           string
	)

	if err := scanner.Scan(
		&r.DocumentID, &ocrPayload, &editedPayload, &effectivePayload,
		&documentNumber, &name, &r.Status, &identityMatchFound, &r.IdentitySourceDocumentID,
		&enrichmentPreview, &enrichmentLog, &familyLinks,
		&sourceJSON, &ocrDocumentJSON, &missingFields, &manualSteps,
		&r.FormURL, &r.TargetURL, &r.BrowserSessionID, &r.MergedIntoDocumentID,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(ocrPayload), &r.OCRPayload)
	if editedPayload.Valid && editedPayload.String != "" {
		_ = json.Unmarshal([]byte(editedPayload.String), &r.EditedPayload)
	}
	_ = json.Unmarshal([]byte(effectivePayload), &r.EffectivePayload)
	_ = json.Unmarshal([]byte(enrichmentPreview), &r.EnrichmentPreview)
	_ = json.Unmarshal([]byte(enrichmentLog), &r.EnrichmentLog)
	_ = json.Unmarshal([]byte(familyLinks), &r.FamilyLinks)
	_ = json.Unmarshal([]byte(sourceJSON), &r.Source)
	_ = json.Unmarshal([]byte(ocrDocumentJSON), &r.OCRDocument)
	_ = json.Unmarshal([]byte(missingFields), &r.MissingFields)
	_ = json.Unmarshal([]byte(manualSteps), &r.ManualStepsRequired)

	r.Identifiers = document.Identifiers{DocumentNumber: documentNumber, Name: name}
	r.IdentityMatchFound = identityMatchFound != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &r, nil
}

// GetDocument returns the record by id.
func (s *Store) GetDocument(documentID string) (*document.Record, bool) {
	row := s.db.QueryRow("SELECT "+selectColumns+" FROM documents WHERE document_id = ?", documentID)
	r, err := scanRecord(row)
	if err != nil {
		return nil, false
	}
	return r, true
}

// UpsertFromUpload creates or overwrites an intake record. Any existing
// edited_payload is preserved across re-uploads of the same document id.
func (s *Store) UpsertFromUpload(input repository.UpsertInput) (*document.Record, error) {
	now := time.Now().UTC()
	existing, _ := s.GetDocument(input.DocumentID)

	r := &document.Record{
		DocumentID:               input.DocumentID,
		OCRPayload:               input.Payload,
		Status:                   document.StatusUploaded,
		Source:                   input.Source,
		OCRDocument:              input.OCRDocument,
		MissingFields:            input.MissingFields,
		ManualStepsRequired:      input.ManualStepsRequired,
		FormURL:                  input.FormURL,
		TargetURL:                input.TargetURL,
		IdentityMatchFound:       input.IdentityMatchFound,
		IdentitySourceDocumentID: input.IdentitySourceDocID,
		EnrichmentPreview:        input.EnrichmentPreview,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if existing != nil {
		r.CreatedAt = existing.CreatedAt
		r.EditedPayload = existing.EditedPayload
		r.BrowserSessionID = existing.BrowserSessionID
		r.EnrichmentLog = existing.EnrichmentLog
		if !input.IdentityMatchFound {
			r.IdentityMatchFound = existing.IdentityMatchFound
		}
		if input.IdentitySourceDocID == "" {
			r.IdentitySourceDocumentID = existing.IdentitySourceDocumentID
		}
		if len(input.EnrichmentPreview) == 0 {
			r.EnrichmentPreview = existing.EnrichmentPreview
		}
	}
	if len(r.EditedPayload) > 0 {
		r.EffectivePayload = r.EditedPayload
	} else {
		r.EffectivePayload = r.OCRPayload
	}
	r.Identifiers = document.DeriveIdentifiers(r.EffectivePayload)

	if err := s.save(r); err != nil {
		return nil, fmt.Errorf("failed to upsert document: %w", err)
	}
	return r, nil
}

// SaveEditedPayload persists a confirmed payload and refreshes the
// effective payload.
func (s *Store) SaveEditedPayload(documentID string, payload document.Payload, missingFields []string) (*document.Record, error) {
	existing, ok := s.GetDocument(documentID)
	if !ok {
		existing = &document.Record{DocumentID: documentID, CreatedAt: time.Now().UTC()}
	}
	existing.Status = document.StatusConfirmed
	existing.EditedPayload = payload
	existing.EffectivePayload = payload
	existing.MissingFields = missingFields
	existing.Identifiers = document.DeriveIdentifiers(payload)
	existing.UpdatedAt = time.Now().UTC()

	if err := s.save(existing); err != nil {
		return nil, fmt.Errorf("failed to save edited payload: %w", err)
	}
	return existing, nil
}

// UpdateDocumentFields performs a shallow merge of updates into the stored
// record, always bumping updated_at.
func (s *Store) UpdateDocumentFields(documentID string, updates map[string]any) (*document.Record, error) {
	existing, ok := s.GetDocument(documentID)
	if !ok {
		existing = &document.Record{DocumentID: documentID, CreatedAt: time.Now().UTC()}
	}

	for key, value := range updates {
		switch key {
		case "status":
			if v, ok := value.(document.Status); ok {
				existing.Status = v
			} else if v, ok := value.(string); ok {
				existing.Status = document.Status(v)
			}
		case "merged_into_document_id":
			if v, ok := value.(string); ok {
				existing.MergedIntoDocumentID = v
			}
		case "identity_match_found":
			if v, ok := value.(bool); ok {
				existing.IdentityMatchFound = v
			}
		case "identity_source_document_id":
			if v, ok := value.(string); ok {
				existing.IdentitySourceDocumentID = v
			}
		case "identity_key":
			// Identity key is derivable and not separately persisted; the key
			// is accepted and ignored.
		case "enrichment_preview":
			if v, ok := value.([]document.EnrichmentRow); ok {
				existing.EnrichmentPreview = v
			}
		case "enrichment_log":
			if v, ok := value.(document.EnrichmentLog); ok {
				existing.EnrichmentLog = v
			}
		case "family_links":
			if v, ok := value.([]document.FamilyLink); ok {
				existing.FamilyLinks = v
			}
		case "missing_fields":
			if v, ok := value.([]string); ok {
				existing.MissingFields = v
			}
		}
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := s.save(existing); err != nil {
		return nil, fmt.Errorf("failed to update document fields: %w", err)
	}
	return existing, nil
}

func (s *Store) save(r *document.Record) error {
	ocrPayload, _ := json.Marshal(r.OCRPayload)
	var editedPayload any
	if len(r.EditedPayload) > 0 {
		b, _ := json.Marshal(r.EditedPayload)
		editedPayload = string(b)
	}
	effectivePayload, _ := json.Marshal(r.EffectivePayload)
	enrichmentPreview, _ := json.Marshal(r.EnrichmentPreview)
	enrichmentLog, _ := json.Marshal(r.EnrichmentLog)
	familyLinks, _ := json.Marshal(r.FamilyLinks)
	sourceJSON, _ := json.Marshal(r.Source)
	ocrDocumentJSON, _ := json.Marshal(r.OCRDocument)
	missingFields, _ := json.Marshal(r.MissingFields)
	manualSteps, _ := json.Marshal(r.ManualStepsRequired)

	identityMatchFound := 0
	if r.IdentityMatchFound {
		identityMatchFound = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO documents (
			document_id, ocr_payload_json, edited_payload_json, effective_payload_json,
			document_number, name, status, identity_match_found, identity_source_document_id,
			enrichment_preview_json, enrichment_log_json, family_links_json,
			source_json, ocr_document_json, missing_fields_json, manual_steps_required_json,
			form_url, target_url, browser_session_id, merged_into_document_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			ocr_payload_json = excluded.ocr_payload_json,
			edited_payload_json = excluded.edited_payload_json,
			effective_payload_json = excluded.effective_payload_json,
			document_number = excluded.document_number,
			name = excluded.name,
			status = excluded.status,
			identity_match_found = excluded.identity_match_found,
			identity_source_document_id = excluded.identity_source_document_id,
			enrichment_preview_json = excluded.enrichment_preview_json,
			enrichment_log_json = excluded.enrichment_log_json,
			family_links_json = excluded.family_links_json,
			source_json = excluded.source_json,
			ocr_document_json = excluded.ocr_document_json,
			missing_fields_json = excluded.missing_fields_json,
			manual_steps_required_json = excluded.manual_steps_required_json,
			form_url = excluded.form_url,
			target_url = excluded.target_url,
			browser_session_id = excluded.browser_session_id,
			merged_into_document_id = excluded.merged_into_document_id,
			updated_at = excluded.updated_at
	`,
		r.DocumentID, string(ocrPayload), editedPayload, string(effectivePayload),
		r.Identifiers.DocumentNumber, r.Identifiers.Name, string(r.Status), identityMatchFound, r.IdentitySourceDocumentID,
		string(enrichmentPreview), string(enrichmentLog), string(familyLinks),
		string(sourceJSON), string(ocrDocumentJSON), string(missingFields), string(manualSteps),
		r.FormURL, r.TargetURL, r.BrowserSessionID, r.MergedIntoDocumentID,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// FindLatestByIdentities returns the most recent record whose stored
// identifier matches any of identities, excluding excludeDocumentID.
func (s *Store) FindLatestByIdentities(identities []string, excludeDocumentID string) (*document.Record, bool) {
	if len(identities) == 0 {
		return nil, false
	}
	wanted := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		wanted[document.NormalizeIdentity(id)] = struct{}{}
	}

	rows, err := s.db.Query(
		"SELECT "+selectColumns+" FROM documents WHERE document_number != '' ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		if r.DocumentID == excludeDocumentID {
			continue
		}
		if _, ok := wanted[document.NormalizeIdentity(r.Identifiers.DocumentNumber)]; ok {
			return r, true
		}
	}
	return nil, false
}

// SearchDocuments returns recent documents, newest first, optionally
// filtered by substring against name/document_number, deduped by
// normalized identity key.
func (s *Store) SearchDocuments(query string, limit int) ([]document.Summary, error) {
	if limit <= 0 {
		limit = 30
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.Query("SELECT " + selectColumns + " FROM documents ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer rows.Close()

	q := strings.ToLower(strings.TrimSpace(query))
	var summaries []document.Summary
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		if q != "" {
			haystack := strings.ToLower(r.Identifiers.Name + " " + r.Identifiers.DocumentNumber)
			if !strings.Contains(haystack, q) {
				continue
			}
		}
		summaries = append(summaries, document.Summary{
			DocumentID:     r.DocumentID,
			DocumentNumber: r.Identifiers.DocumentNumber,
			Name:           r.Identifiers.Name,
			UpdatedAt:      r.UpdatedAt,
			Status:         r.Status,
			HasEdited:      len(r.EditedPayload) > 0,
		})
	}

	deduped := dedupeSummaries(summaries)
	if len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, nil
}

// dedupeSummaries keeps the newest record per identity key (document number
// preferred, then normalized name), mirroring the original repository's
// dedup-by-identity rule.
func dedupeSummaries(items []document.Summary) []document.Summary {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	seen := make(map[string]bool)
	out := make([]document.Summary, 0, len(items))
	for _, item := range items {
		key := identityKey(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func identityKey(item document.Summary) string {
	docNo := document.NormalizeIdentity(item.DocumentNumber)
	if docNo != "" {
		return "doc:" + docNo
	}
	name := strings.TrimSpace(strings.ToUpper(item.Name))
	if name != "" {
		return "name:" + name
	}
	return "id:" + item.DocumentID
}

