// Package enrichment implements identity-driven payload enrichment, merge
// candidate scoring, and bidirectional family-link graph maintenance over
// the Repository Port.
package enrichment

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ocr-mrz/intakeengine/document"
	"github.com/ocr-mrz/intakeengine/repository"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// ValidationFunc reports the missing required fields in payload; strict
// selects the stricter pre-submission rule set.
type ValidationFunc func(payload document.Payload, strict bool) []string

// FormNormalizer rewrites a freshly built payload into the shape the
// downstream form submission pipeline expects.
type FormNormalizer func(document.Payload) document.Payload

// Service implements the enrichment and family-linking operations against
// a Repository Port backend.
type Service struct {
	repo              repository.Port
	defaultTargetURL  string
	validate          ValidationFunc
	normalizeForForm  FormNormalizer
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithValidation overrides the default (always-clean) validation function.
func WithValidation(fn ValidationFunc) Option {
	return func(s *Service) { s.validate = fn }
}

// WithFormNormalizer overrides the default (identity) form normalizer.
func WithFormNormalizer(fn FormNormalizer) Option {
	return func(s *Service) { s.normalizeForForm = fn }
}

// New builds a Service bound to repo. defaultTargetURL seeds auto-created
// family-reference records' form_url/target_url.
func New(repo repository.Port, defaultTargetURL string, opts ...Option) *Service {
	s := &Service{
		repo:             repo,
		defaultTargetURL: defaultTargetURL,
		validate:         func(document.Payload, bool) []string { return nil },
		normalizeForForm: func(p document.Payload) document.Payload { return document.DeepClone(p) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FamilyReference is the metadata extracted from a payload's
// referencias.familiar_que_da_derecho block.
type FamilyReference struct {
	DocumentNumber  string
	NifNie          string
	Pasaporte       string
	NombreApellidos string
	PrimerApellido  string
	Nombre          string
}

// SplitFullName splits a full name into (first surname, second surname,
// first name). A comma separates surnames from given name; absent a comma,
// whitespace tokens are assigned positionally.
func SplitFullName(raw string) (firstSurname, secondSurname, firstName string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", ""
	}
	if idx := strings.Index(raw, ","); idx >= 0 {
		left := strings.TrimSpace(raw[:idx])
		right := strings.TrimSpace(raw[idx+1:])
		parts := splitFields(left)
		if len(parts) == 0 {
			return "", "", right
		}
		return parts[0], strings.Join(parts[1:], " "), right
	}
	parts := splitFields(raw)
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], "", parts[1]
	default:
		return parts[0], parts[1], strings.Join(parts[2:], " ")
	}
}

func splitFields(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return whitespaceRun.Split(s, -1)
}

// FamilyReferenceFromPayload extracts referencias.familiar_que_da_derecho
// metadata, ok=false when absent or lacking any usable document number.
func FamilyReferenceFromPayload(payload document.Payload) (FamilyReference, bool) {
	refs, _ := payload["referencias"].(map[string]any)
	fam, _ := refs["familiar_que_da_derecho"].(map[string]any)
	if len(fam) == 0 {
		return FamilyReference{}, false
	}

	nifNie := document.NormalizeIdentity(stringField(fam, "nif_nie"))
	pasaporte := document.NormalizeIdentity(stringField(fam, "pasaporte"))
	nombreApellidos := stringField(fam, "nombre_apellidos")
	primerApellido := stringField(fam, "primer_apellido")
	nombre := stringField(fam, "nombre")

	if nombreApellidos == "" {
		nombreApellidos = strings.TrimSpace(strings.Join(nonEmpty(primerApellido, nombre), " "))
	}

	documentNumber := nifNie
	if documentNumber == "" {
		documentNumber = pasaporte
	}
	if documentNumber == "" {
		return FamilyReference{}, false
	}

	return FamilyReference{
		DocumentNumber:  documentNumber,
		NifNie:          nifNie,
		Pasaporte:       pasaporte,
		NombreApellidos: nombreApellidos,
		PrimerApellido:  primerApellido,
		Nombre:          nombre,
	}, true
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// BuildFamilyPayload produces a normalized intake payload for an
// auto-created family-related record.
func (s *Service) BuildFamilyPayload(ref FamilyReference) document.Payload {
	firstSurname, secondSurname, firstName := SplitFullName(ref.NombreApellidos)
	primerApellido := ref.PrimerApellido
	if primerApellido == "" {
		primerApellido = firstSurname
	}
	nombre := ref.Nombre
	if nombre == "" {
		nombre = firstName
	}

	documentoTipo := "nif_tie_nie_dni"
	if ref.Pasaporte != "" && ref.NifNie == "" {
		documentoTipo = "pasaporte"
	}

	payload := document.Payload{
		"identificacion": map[string]any{
			"nif_nie":          ref.NifNie,
			"pasaporte":        ref.Pasaporte,
			"documento_tipo":   documentoTipo,
			"nombre_apellidos": ref.NombreApellidos,
			"primer_apellido":  primerApellido,
			"segundo_apellido": secondSurname,
			"nombre":           nombre,
		},
		"domicilio": map[string]any{},
		"autoliquidacion": map[string]any{
			"tipo":                   "principal",
			"num_justificante":       "",
			"importe_complementaria": nil,
		},
		"tramite":    map[string]any{},
		"declarante": map[string]any{},
		"ingreso":    map[string]any{"forma_pago": "efectivo", "iban": ""},
		"extra":      map[string]any{},
		"captcha":    map[string]any{"manual": true},
		"download":   map[string]any{"dir": "./downloads", "filename_prefix": "family_related"},
	}
	return s.normalizeForForm(payload)
}

// MergeFamilyLinks appends newLink to existing, deduplicating on
// FamilyLink.Key.
func MergeFamilyLinks(existing []document.FamilyLink, newLink document.FamilyLink) []document.FamilyLink {
	key := newLink.Key()
	for _, row := range existing {
		if row.Key() == key {
			return existing
		}
	}
	out := make([]document.FamilyLink, len(existing), len(existing)+1)
	copy(out, existing)
	return append(out, newLink)
}

// EnrichPayloadFillEmpty fills empty fields in payload from sourcePayload
// across document.EnrichmentPaths (or selectedFields, if non-nil),
// returning the enriched payload and the applied/skipped rows.
func EnrichPayloadFillEmpty(
	payload, sourcePayload document.Payload,
	sourceDocumentID string,
	selectedFields map[string]bool,
) (document.Payload, []document.EnrichmentRow, []document.EnrichmentRow) {
	out := document.DeepClone(payload)
	var applied, skipped []document.EnrichmentRow

	for _, path := range document.EnrichmentPaths {
		if selectedFields != nil && !selectedFields[path] {
			continue
		}
		current := document.SafeGet(out, path)
		suggested := document.SafeGet(sourcePayload, path)
		if suggested == "" {
			continue
		}
		if current != "" {
			reason := "conflict"
			if strings.EqualFold(current, suggested) {
				reason = "equal"
			}
			skipped = append(skipped, document.EnrichmentRow{
				Field:          path,
				CurrentValue:   current,
				SuggestedValue: suggested,
				Source:         sourceDocumentID,
				Reason:         reason,
			})
			continue
		}
		document.SafeSet(out, path, suggested)
		applied = append(applied, document.EnrichmentRow{
			Field:          path,
			CurrentValue:   current,
			SuggestedValue: suggested,
			Source:         sourceDocumentID,
		})
	}
	return out, applied, skipped
}

// MergeCandidate is one scored suggestion returned by MergeCandidatesForPayload.
type MergeCandidate struct {
	DocumentID      string
	Name            string
	DocumentNumber  string
	UpdatedAt       string
	Score           int
	Reasons         []string
	IdentityOverlap []string
	NameOverlap     []string
}

// MergeCandidatesForPayload scores every other known document against
// payload's identity candidates and name tokens, returning the top limit
// matches ordered by score desc, then recency desc.
func (s *Service) MergeCandidatesForPayload(documentID string, payload document.Payload, limit int) ([]MergeCandidate, error) {
	targetIDs := toSet(document.IdentityCandidates(payload))
	targetNameTokens := document.NameTokens(payload)

	summaries, err := s.repo.SearchDocuments("", 200)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents for merge candidates: %w", err)
	}

	var out []MergeCandidate
	for _, item := range summaries {
		if item.DocumentID == "" || item.DocumentID == documentID {
			continue
		}
		candidateRecord, ok := s.repo.GetDocument(item.DocumentID)
		if !ok {
			continue
		}
		sourcePayload := effectivePayload(candidateRecord)

		candidateIDs := toSet(document.IdentityCandidates(sourcePayload))
		candidateNameTokens := document.NameTokens(sourcePayload)
		identityOverlap := intersectSorted(targetIDs, candidateIDs)
		nameOverlap := intersectSorted(targetNameTokens, candidateNameTokens)

		score := 0
		var reasons []string
		if len(identityOverlap) > 0 {
			score += 100
			reasons = append(reasons, "document_match")
		}
		switch {
		case len(nameOverlap) >= 2:
			score += 40
			reasons = append(reasons, "name_overlap")
		case len(nameOverlap) == 1:
			score += 15
			reasons = append(reasons, "partial_name_overlap")
		}
		if score <= 0 {
			continue
		}

		out = append(out, MergeCandidate{
			DocumentID:      item.DocumentID,
			Name:            item.Name,
			DocumentNumber:  item.DocumentNumber,
			UpdatedAt:       item.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
			Score:           score,
			Reasons:         reasons,
			IdentityOverlap: identityOverlap,
			NameOverlap:     nameOverlap,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func effectivePayload(r *document.Record) document.Payload {
	if len(r.EffectivePayload) > 0 {
		return r.EffectivePayload
	}
	if len(r.EditedPayload) > 0 {
		return r.EditedPayload
	}
	return r.OCRPayload
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func intersectSorted(a, b map[string]struct{}) []string {
	var out []string
	for v := range a {
		if _, ok := b[v]; ok {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// SyncResult is the outcome of SyncFamilyReference.
type SyncResult struct {
	Linked            bool
	RelatedDocumentID string
	Created           bool
	FamilyLinks       []document.FamilyLink
	FamilyReference   FamilyReference
}

// SyncFamilyReference resolves payload's family reference block against
// the corpus, creating the related record when no match exists, filling
// its empty fields when one does, and maintaining both directions of the
// family-link graph.
func (s *Service) SyncFamilyReference(documentID string, payload document.Payload, source document.SourceInfo) (SyncResult, error) {
	familyRef, ok := FamilyReferenceFromPayload(payload)
	if !ok {
		return SyncResult{Linked: false}, nil
	}

	familyPayload := s.BuildFamilyPayload(familyRef)
	identityKeys := nonEmpty(familyRef.NifNie, familyRef.Pasaporte)

	linkedDoc, found := s.repo.FindLatestByIdentities(identityKeys, documentID)
	relatedDocumentID := ""
	created := false

	if found {
		relatedDocumentID = linkedDoc.DocumentID
		existingPayload := effectivePayload(linkedDoc)
		mergedPayload, applied, _ := EnrichPayloadFillEmpty(existingPayload, familyPayload, documentID, nil)
		if len(applied) > 0 {
			if _, err := s.repo.SaveEditedPayload(relatedDocumentID, mergedPayload, s.validate(mergedPayload, false)); err != nil {
				return SyncResult{}, fmt.Errorf("failed to merge family payload into related record: %w", err)
			}
		}
	} else {
		relatedDocumentID = uuid.New().String()
		created = true
		_, err := s.repo.UpsertFromUpload(repository.UpsertInput{
			DocumentID:          relatedDocumentID,
			Payload:             familyPayload,
			OCRDocument:         map[string]any{},
			Source: document.SourceInfo{
				SourceKind:       "family_reference_auto",
				OriginDocumentID: documentID,
				OriginalFilename: source.OriginalFilename,
				StoredPath:       source.StoredPath,
				PreviewURL:       source.PreviewURL,
			},
			MissingFields:       s.validate(familyPayload, false),
			ManualStepsRequired: []string{"verify_filled_fields", "submit_or_download_manually"},
			FormURL:             s.defaultTargetURL,
			TargetURL:           s.defaultTargetURL,
		})
		if err != nil {
			return SyncResult{}, fmt.Errorf("failed to create family-reference record: %w", err)
		}
	}

	forwardLink := document.FamilyLink{
		Relation:             document.RelationFamiliarQueDaDerecho,
		RelatedDocumentID:    relatedDocumentID,
		DocumentNumber:       familyRef.DocumentNumber,
		CreatedFromReference: created,
	}
	identities := document.IdentityCandidates(payload)
	backwardDocNumber := ""
	if len(identities) > 0 {
		backwardDocNumber = identities[0]
	}
	backwardLink := document.FamilyLink{
		Relation:          document.RelationTitularFamiliarDependiente,
		RelatedDocumentID: documentID,
		DocumentNumber:    backwardDocNumber,
	}

	primaryDoc, _ := s.repo.GetDocument(documentID)
	var primaryLinks []document.FamilyLink
	if primaryDoc != nil {
		primaryLinks = primaryDoc.FamilyLinks
	}
	primaryLinks = MergeFamilyLinks(primaryLinks, forwardLink)
	if _, err := s.repo.UpdateDocumentFields(documentID, map[string]any{"family_links": primaryLinks}); err != nil {
		return SyncResult{}, fmt.Errorf("failed to update family links on primary record: %w", err)
	}

	if relatedDocumentID != "" {
		relatedDoc, _ := s.repo.GetDocument(relatedDocumentID)
		var relatedLinks []document.FamilyLink
		if relatedDoc != nil {
			relatedLinks = relatedDoc.FamilyLinks
		}
		relatedLinks = MergeFamilyLinks(relatedLinks, backwardLink)
		if _, err := s.repo.UpdateDocumentFields(relatedDocumentID, map[string]any{"family_links": relatedLinks}); err != nil {
			return SyncResult{}, fmt.Errorf("failed to update family links on related record: %w", err)
		}
	}

	return SyncResult{
		Linked:            true,
		RelatedDocumentID: relatedDocumentID,
		Created:           created,
		FamilyLinks:       primaryLinks,
		FamilyReference:   familyRef,
	}, nil
}

// EnrichOptions configures EnrichRecordPayloadByIdentity.
type EnrichOptions struct {
	Persist          bool
	SourceDocumentID string
	SelectedFields   []string
}

// EnrichResult is the outcome of EnrichRecordPayloadByIdentity.
type EnrichResult struct {
	IdentityMatchFound       bool
	IdentitySourceDocumentID string
	IdentityKey              string
	EnrichmentPreview        []document.EnrichmentRow
	EnrichmentSkipped        []document.EnrichmentRow
	AppliedFields            []string
	SkippedFields            []string
	Payload                  document.Payload
}

func noMatch(payload document.Payload, identityKey string) EnrichResult {
	return EnrichResult{
		IdentityMatchFound: false,
		IdentityKey:        identityKey,
		Payload:            payload,
	}
}

// EnrichRecordPayloadByIdentity fills payload's empty fields from the
// latest matching identity record (or from opts.SourceDocumentID, if
// given). When opts.Persist is set it persists the result and, if the
// source was given explicitly through opts.SourceDocumentID, marks that
// source record merged.
func (s *Service) EnrichRecordPayloadByIdentity(documentID string, payload document.Payload, opts EnrichOptions) (EnrichResult, error) {
	identityCandidates := document.IdentityCandidates(payload)
	sourceDocID := strings.TrimSpace(opts.SourceDocumentID)

	identityKeyFallback := ""
	if len(identityCandidates) > 0 {
		identityKeyFallback = identityCandidates[0]
	}
	if len(identityCandidates) == 0 && sourceDocID == "" {
		return noMatch(payload, ""), nil
	}

	var sourceRecord *document.Record
	if sourceDocID != "" {
		rec, ok := s.repo.GetDocument(sourceDocID)
		if !ok || rec.DocumentID == documentID {
			return noMatch(payload, identityKeyFallback), nil
		}
		sourceRecord = rec
	} else {
		rec, ok := s.repo.FindLatestByIdentities(identityCandidates, documentID)
		if ok {
			sourceRecord = rec
		}
	}
	if sourceRecord == nil {
		return noMatch(payload, identityKeyFallback), nil
	}

	sourcePayload := effectivePayload(sourceRecord)
	sourceCandidates := toSet(document.IdentityCandidates(sourcePayload))
	identityKey := identityKeyFallback
	for _, candidate := range identityCandidates {
		if _, ok := sourceCandidates[candidate]; ok {
			identityKey = candidate
			break
		}
	}

	var selected map[string]bool
	if len(opts.SelectedFields) > 0 {
		selected = make(map[string]bool, len(opts.SelectedFields))
		for _, field := range opts.SelectedFields {
			if field = strings.TrimSpace(field); field != "" {
				selected[field] = true
			}
		}
		if len(selected) == 0 {
			selected = nil
		}
	}

	enriched, applied, skipped := EnrichPayloadFillEmpty(payload, sourcePayload, sourceRecord.DocumentID, selected)

	result := EnrichResult{
		IdentityMatchFound:       true,
		IdentitySourceDocumentID: sourceRecord.DocumentID,
		IdentityKey:              identityKey,
		EnrichmentPreview:        applied,
		EnrichmentSkipped:        skipped,
		AppliedFields:            fieldNames(applied),
		SkippedFields:            fieldNames(skipped),
		Payload:                  enriched,
	}

	if opts.Persist {
		missingFields := s.validate(enriched, false)
		if _, err := s.repo.SaveEditedPayload(documentID, enriched, missingFields); err != nil {
			return EnrichResult{}, fmt.Errorf("failed to save enriched payload: %w", err)
		}
		if _, err := s.repo.UpdateDocumentFields(documentID, map[string]any{
			"identity_match_found":        true,
			"identity_source_document_id": sourceRecord.DocumentID,
			"enrichment_preview":          applied,
			"enrichment_log":              document.EnrichmentLog{AppliedFields: applied, SkippedFields: skipped},
		}); err != nil {
			return EnrichResult{}, fmt.Errorf("failed to update enrichment fields: %w", err)
		}
		if sourceDocID != "" && sourceDocID != documentID {
			if _, err := s.repo.UpdateDocumentFields(sourceDocID, map[string]any{
				"status":                  document.StatusMerged,
				"merged_into_document_id": documentID,
			}); err != nil {
				return EnrichResult{}, fmt.Errorf("failed to mark source record merged: %w", err)
			}
		}
	}

	return result, nil
}

func fieldNames(rows []document.EnrichmentRow) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Field
	}
	return out
}
