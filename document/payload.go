package document

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Payload is the nested, open-schema document payload rooted at sections
// identificacion, domicilio, declarante, ingreso, extra, autoliquidacion,
// tramite, referencias, captcha, download.
type Payload map[string]any

// upperTransform normalizes strings to uppercase with language-independent
// (language.Und) case mapping, using golang.org/x/text/cases as the teacher
// does for display text.
var upperTransform = cases.Upper(language.Und)

var nonAlphanumeric = regexp.MustCompile(`[^A-Z0-9]`)
var nonAlphanumericRun = regexp.MustCompile(`[^A-Z0-9]+`)

// NormalizeIdentity projects a raw identifier string to its uppercase
// alphanumeric form, stripping everything else.
func NormalizeIdentity(value string) string {
	return nonAlphanumeric.ReplaceAllString(upperTransform.String(strings.TrimSpace(value)), "")
}

// EnrichmentPaths is the fixed, authoritative domain of dotted payload paths
// participating in fill-empty enrichment.
var EnrichmentPaths = []string{
	"identificacion.nif_nie",
	"identificacion.pasaporte",
	"identificacion.documento_tipo",
	"identificacion.nombre_apellidos",
	"identificacion.primer_apellido",
	"identificacion.segundo_apellido",
	"identificacion.nombre",
	"domicilio.tipo_via",
	"domicilio.nombre_via",
	"domicilio.numero",
	"domicilio.escalera",
	"domicilio.piso",
	"domicilio.puerta",
	"domicilio.telefono",
	"domicilio.municipio",
	"domicilio.provincia",
	"domicilio.cp",
	"declarante.localidad",
	"declarante.fecha",
	"declarante.fecha_dia",
	"declarante.fecha_mes",
	"declarante.fecha_anio",
	"ingreso.forma_pago",
	"ingreso.iban",
	"extra.email",
	"extra.fecha_nacimiento",
	"extra.fecha_nacimiento_dia",
	"extra.fecha_nacimiento_mes",
	"extra.fecha_nacimiento_anio",
	"extra.nacionalidad",
	"extra.pais_nacimiento",
	"extra.sexo",
	"extra.estado_civil",
	"extra.lugar_nacimiento",
	"extra.nombre_padre",
	"extra.nombre_madre",
	"extra.representante_legal",
	"extra.representante_documento",
	"extra.titulo_representante",
	"extra.hijos_escolarizacion_espana",
}

// SafeGet descends through nested maps along a dotted path, returning ""
// on any missing or non-map node. The returned string is trimmed.
func SafeGet(payload Payload, path string) string {
	var node any = map[string]any(payload)
	for _, part := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return ""
		}
		node = m[part]
	}
	if node == nil {
		return ""
	}
	switch v := node.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(toStringValue(v))
	}
}

func toStringValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(b)
	// Unwrap a quoted JSON string back to its raw text; leave other
	// JSON scalars (numbers, bools) as their literal representation.
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unquoted string
		if json.Unmarshal(b, &unquoted) == nil {
			return unquoted
		}
	}
	return s
}

// SafeSet writes value at a dotted path, creating intermediate maps where
// absent or replacing non-map nodes with fresh maps.
func SafeSet(payload Payload, path string, value string) {
	parts := strings.Split(path, ".")
	node := map[string]any(payload)
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// DeepClone returns a value-semantic copy of the payload using JSON
// round-trip semantics, the module's baseline structural clone primitive.
func DeepClone(payload Payload) Payload {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Payload{}
	}
	var out Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		return Payload{}
	}
	if out == nil {
		out = Payload{}
	}
	return out
}

// IdentityCandidates returns the deduplicated, order-preserving list of
// uppercase-alphanumeric projections of identificacion.nif_nie then
// identificacion.pasaporte, dropping empties.
func IdentityCandidates(payload Payload) []string {
	out := make([]string, 0, 2)
	for _, path := range []string{"identificacion.nif_nie", "identificacion.pasaporte"} {
		value := NormalizeIdentity(SafeGet(payload, path))
		if value == "" {
			continue
		}
		found := false
		for _, existing := range out {
			if existing == value {
				found = true
				break
			}
		}
		if !found {
			out = append(out, value)
		}
	}
	return out
}

// NameTokens builds the uppercase alphanumeric token set (tokens of length
// >= 2) used for merge candidate name-overlap scoring.
func NameTokens(payload Payload) map[string]struct{} {
	fields := []string{
		SafeGet(payload, "identificacion.primer_apellido"),
		SafeGet(payload, "identificacion.segundo_apellido"),
		SafeGet(payload, "identificacion.nombre"),
		SafeGet(payload, "identificacion.nombre_apellidos"),
	}
	joined := upperTransform.String(strings.Join(fields, " "))
	tokens := make(map[string]struct{})
	for _, tok := range nonAlphanumericRun.Split(joined, -1) {
		if len(tok) >= 2 {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// DeriveIdentifiers projects {document_number, name} out of an effective payload,
// the derived natural key stored alongside a Record.
func DeriveIdentifiers(payload Payload) Identifiers {
	return Identifiers{
		DocumentNumber: SafeGet(payload, "identificacion.nif_nie"),
		Name:           SafeGet(payload, "identificacion.nombre_apellidos"),
	}
}
