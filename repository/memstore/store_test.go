package memstore

import (
	"path/filepath"
	"testing"

	"github.com/ocr-mrz/intakeengine/document"
	"github.com/ocr-mrz/intakeengine/repository"
)

func TestUpsertPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "documents.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "12345678Z"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	got, ok := reopened.GetDocument("doc-1")
	if !ok {
		t.Fatal("GetDocument() after reopen ok = false")
	}
	if got.Identifiers.DocumentNumber != "12345678Z" {
		t.Fatalf("document_number = %q", got.Identifiers.DocumentNumber)
	}
}

func TestGetDocumentReturnsIndependentCopy(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "documents.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nombre": "Ana"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}

	first, _ := s.GetDocument("doc-1")
	first.Identifiers.Name = "mutated"

	second, _ := s.GetDocument("doc-1")
	if second.Identifiers.Name == "mutated" {
		t.Fatal("GetDocument() leaked internal state to caller")
	}
}

func TestUpsertFromUploadPreservesEnrichmentPreview(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "documents.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nombre": "Ana"}},
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
		Payload:    document.Payload{"identificacion": map[string]any{"nombre": "Ana"}},
	})
	if err != nil {
		t.Fatalf("second UpsertFromUpload() error = %v", err)
	}
	if len(r.EnrichmentPreview) != 1 {
		t.Fatalf("enrichment preview was dropped by re-upload: %+v", r.EnrichmentPreview)
	}
}

func TestFindLatestByIdentitiesExcludesSelf(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "documents.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "12345678-Z"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}

	if _, ok := s.FindLatestByIdentities([]string{"12345678Z"}, "doc-1"); ok {
		t.Fatal("FindLatestByIdentities() should exclude the requesting document")
	}
	if _, ok := s.FindLatestByIdentities([]string{"12345678Z"}, ""); !ok {
		t.Fatal("FindLatestByIdentities() should find the match")
	}
}

func TestSearchDocumentsDedupesByIdentity(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "documents.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-1",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "12345678Z", "nombre_apellidos": "Ana Ruiz"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}
	if _, err := s.UpsertFromUpload(repository.UpsertInput{
		DocumentID: "doc-2",
		Payload:    document.Payload{"identificacion": map[string]any{"nif_nie": "12345678-z", "nombre_apellidos": "Ana Ruiz"}},
	}); err != nil {
		t.Fatalf("UpsertFromUpload() error = %v", err)
	}

	results, err := s.SearchDocuments("", 10)
	if err != nil {
		t.Fatalf("SearchDocuments() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1 (deduped by normalized document number)", len(results))
	}
}
