// Package memstore implements the Repository Port as an in-memory map
// mirrored to a single JSON file, for environments that skip the embedded
// SQLite store entirely.
package memstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocr-mrz/intakeengine/document"
	"github.com/ocr-mrz/intakeengine/repository"
)

// Store is a JSON-file-backed repository.Port. Every mutating call
// rewrites the backing file in full; this trades write efficiency for a
// trivially inspectable on-disk format, acceptable at the scale this
// fallback targets.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]*document.Record
}

var _ repository.Port = (*Store)(nil)

// Open loads path if it exists, or starts empty. The directory is created
// if necessary.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	s := &Store{path: path, records: make(map[string]*document.Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var records []*document.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse store file: %w", err)
	}
	for _, r := range records {
		s.records[r.DocumentID] = r
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	records := make([]*document.Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DocumentID < records[j].DocumentID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

func clone(r *document.Record) *document.Record {
	cp := *r
	cp.OCRPayload = document.DeepClone(r.OCRPayload)
	cp.EditedPayload = document.DeepClone(r.EditedPayload)
	cp.EffectivePayload = document.DeepClone(r.EffectivePayload)
	return &cp
}

// GetDocument returns the record by id.
func (s *Store) GetDocument(documentID string) (*document.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[documentID]
	if !ok {
		return nil, false
	}
	return clone(r), true
}

// UpsertFromUpload creates or overwrites an intake record, preserving any
// previously saved edited payload across re-uploads of the same id.
func (s *Store) UpsertFromUpload(input repository.UpsertInput) (*document.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing := s.records[input.DocumentID]

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

	s.records[r.DocumentID] = r
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return clone(r), nil
}

// SaveEditedPayload persists a confirmed payload and refreshes the
// effective payload.
func (s *Store) SaveEditedPayload(documentID string, payload document.Payload, missingFields []string) (*document.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[documentID]
	if !ok {
		r = &document.Record{DocumentID: documentID, CreatedAt: time.Now().UTC()}
	}
	r.Status = document.StatusConfirmed
	r.EditedPayload = payload
	r.EffectivePayload = payload
	r.MissingFields = missingFields
	r.Identifiers = document.DeriveIdentifiers(payload)
	r.UpdatedAt = time.Now().UTC()

	s.records[documentID] = r
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return clone(r), nil
}

// UpdateDocumentFields performs a shallow merge of updates into the
// record, always bumping updated_at.
func (s *Store) UpdateDocumentFields(documentID string, updates map[string]any) (*document.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[documentID]
	if !ok {
		r = &document.Record{DocumentID: documentID, CreatedAt: time.Now().UTC()}
	}

	for key, value := range updates {
		switch key {
		case "status":
			if v, ok := value.(document.Status); ok {
				r.Status = v
			} else if v, ok := value.(string); ok {
				r.Status = document.Status(v)
			}
		case "merged_into_document_id":
			if v, ok := value.(string); ok {
				r.MergedIntoDocumentID = v
			}
		case "identity_match_found":
			if v, ok := value.(bool); ok {
				r.IdentityMatchFound = v
			}
		case "identity_source_document_id":
			if v, ok := value.(string); ok {
				r.IdentitySourceDocumentID = v
			}
		case "enrichment_preview":
			if v, ok := value.([]document.EnrichmentRow); ok {
				r.EnrichmentPreview = v
			}
		case "enrichment_log":
			if v, ok := value.(document.EnrichmentLog); ok {
				r.EnrichmentLog = v
			}
		case "family_links":
			if v, ok := value.([]document.FamilyLink); ok {
				r.FamilyLinks = v
			}
		case "missing_fields":
			if v, ok := value.([]string); ok {
				r.MissingFields = v
			}
		}
	}
	r.UpdatedAt = time.Now().UTC()

	s.records[documentID] = r
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return clone(r), nil
}

// FindLatestByIdentities returns the most recent record whose stored
// identifier matches any of identities, excluding excludeDocumentID.
func (s *Store) FindLatestByIdentities(identities []string, excludeDocumentID string) (*document.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		wanted[document.NormalizeIdentity(id)] = struct{}{}
	}

	var best *document.Record
	for _, r := range s.records {
		if r.DocumentID == excludeDocumentID {
			continue
		}
		if _, ok := wanted[document.NormalizeIdentity(r.Identifiers.DocumentNumber)]; !ok {
			continue
		}
		if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	return clone(best), true
}

// SearchDocuments returns recent documents, newest first, deduped by
// normalized identity key.
func (s *Store) SearchDocuments(query string, limit int) ([]document.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 30
	}

	q := strings.ToLower(strings.TrimSpace(query))
	summaries := make([]document.Summary, 0, len(s.records))
	for _, r := range s.records {
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

	sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt) })
	seen := make(map[string]bool)
	deduped := make([]document.Summary, 0, len(summaries))
	for _, item := range summaries {
		key := identityKey(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, item)
	}
	if len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, nil
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
