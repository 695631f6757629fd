package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/ocr-mrz/intakeengine/document"
	"github.com/ocr-mrz/intakeengine/internal/storage"
	"github.com/ocr-mrz/intakeengine/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "documents.db"))
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestUpsertFromUploadThenGet(t *testing.T) {
	s := newTestStore(t)

	r, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "12345678Z", "nombre": "Ana", "primer_apellido": "Ruiz"}},
	})
	if err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}
	if r.Status != document.StatusUploaded {
		t.Fatalf("status = %v, want uploaded", r.Status)
	}
	if r.Identifiers.DocumentNumber != "12345678Z" {
		t.Fatalf("document_number = %q", r.Identifiers.DocumentNumber)
	}

	got, ok := s.GetDocument("doc-1")
	if !ok {
		t.Fatal("GetDocument() ok = false")
	}
	if got.Identifiers.Name != r.Identifiers.Name {
		t.Fatalf("round-tripped name = %q, want %q", got.Identifiers.Name, r.Identifiers.Name)
	}
}

func TestUpsertFromUploadPreservesEditedPayload(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nombre_apellidos": "Ana"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}
	if _, err := s.SaveEditedPayload("doc-1", document.Payload{"identificacion": map[string]any{"nombre_apellidos": "Ana Maria"}}, nil); err != nil {
		t.Fatalf("SaveEditedPayload() error = %v", err)
	}

	r, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nombre_apellidos": "Ana"}},
	})
	if err != nil {
		t.Fatalf("second UpsertFromUpload() error = %v", err)
	}
	if len(r.EditedPayload) == 0 {
		t.Fatal("edited payload was dropped by re-upload")
	}
	if r.Identifiers.Name != "Ana Maria" {
		t.Fatalf("effective name = %q, want preserved edit", r.Identifiers.Name)
	}
}

func TestUpsertFromUploadPreservesEnrichmentPreview(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"datos_personales": map[string]any{"nombre": "Ana"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}
	if _, err := s.UpdateDocumentFields("doc-1", map[string]any{
		"enrichment_preview": []document.EnrichmentRow{{Field: "identificacion.nombre", SuggestedValue: "Ana"}},
	}); err != nil {
		t.Fatalf("UpdateDocumentFields() error = %v", err)
	}

	r, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"datos_personales": map[string]any{"nombre": "Ana"}},
	})
	if err != nil {
		t.Fatalf("second UpsertFromUpload() error = %v", err)
	}
	if len(r.EnrichmentPreview) != 1 {
		t.Fatalf("enrichment preview was dropped by re-upload: %+v", r.EnrichmentPreview)
	}
}

func TestFindLatestByIdentitiesMatchesNormalized(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "12345678-z"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}

	found, ok := s.FindLatestByIdentities([]string{"12345678Z"}, "")
	if !ok {
		t.Fatal("FindLatestByIdentities() ok = false")
	}
	if found.DocumentID != "doc-1" {
		t.Fatalf("found document_id = %q, want doc-1", found.DocumentID)
	}

	if _, ok := s.FindLatestByIdentities([]string{"12345678Z"}, "doc-1"); ok {
		t.Fatal("FindLatestByIdentities() should exclude the given document id")
	}
}

func TestUpdateDocumentFieldsMerges(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertFromUpload(repository.UpsertInput{DocumentID: "doc-1", Payload: document.Payload{}}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}

	r, err := s.UpdateDocumentFields("doc-1", map[string]any{
		"status":                    document.StatusMerged,
		"merged_into_document_id":   "doc-2",
		"identity_match_found":      true,
	})
	if err != nil {
		t.Fatalf("UpdateDocumentFields() error = %v", err)
	}
	if r.Status != document.StatusMerged {
		t.Fatalf("status = %v, want merged", r.Status)
	}
	if r.MergedIntoDocumentID != "doc-2" {
		t.Fatalf("merged_into_document_id = %q, want doc-2", r.MergedIntoDocumentID)
	}
	if !r.IdentityMatchFound {
		t.Fatal("identity_match_found should be true")
	}
}

func TestSearchDocumentsFiltersAndDedupes(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "11111111A", "nombre_apellidos": "Carlos"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-2",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "22222222B", "nombre_apellidos": "Dolores"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}

	results, err := s.SearchDocuments("carlos", 10)
	if err != nil {
		t.Fatalf("SearchDocuments() error = %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != "doc-1" {
		t.Fatalf("results = %+v, want only doc-1", results)
	}

	all, err := s.SearchDocuments("", 10)
	if err != nil {
		t.Fatalf("SearchDocuments() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}
