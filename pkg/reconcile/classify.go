package reconcile

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SectionOther is the section of paths that match no known prefix.
const SectionOther = "Otros"

// sectionRules are checked in order; the first matching prefix wins, so
// the vital-signs prefix must precede the general exam prefix.
var sectionRules = []struct {
	prefix  string
	section string
}{
	{"examenClinico.signosVitales", "Signos vitales"},
	{"examenClinico", "Examen clínico"},
	{"anamnesis", "Anamnesis"},
	{"diagnosticos", "Diagnóstico"},
	{"tratamientos", "Tratamiento"},
	{"firma", "Firma"},
	{"afiliacion", "Afiliación"},
}

// metadataMarkers identify assistant annotations that are not record fields.
var metadataMarkers = []string{"sugerencias", "Sugerencias", "faltantes", "Campos faltantes", "missing"}

// IsMetadataPath reports whether path carries assistant metadata (suggestions,
// missing-field lists) rather than a record field.
func IsMetadataPath(path string) bool {
	for _, m := range metadataMarkers {
		if strings.Contains(path, m) {
			return true
		}
	}
	return false
}

// Classify returns the display section of path.
func Classify(path string) string {
	for _, r := range sectionRules {
		if strings.HasPrefix(path, r.prefix) {
			return r.section
		}
	}
	return SectionOther
}

// Label derives a display name from the last path segment: camelCase and
// snake_case are split into words and each word is capitalized.
//
//	"afiliacion.motivoConsulta"        → "Motivo Consulta"
//	"examenClinico.signosVitales.SpO2" → "Sp O2"
//	"firma.fecha_firma"                → "Fecha Firma"
func Label(path string) string {
	seg := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 && i < len(path)-1 {
		seg = path[i+1:]
	}

	var b strings.Builder
	var prev rune
	for i, r := range seg {
		switch {
		case r == '_':
			b.WriteByte(' ')
		case i > 0 && unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			b.WriteByte(' ')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	words := strings.Fields(b.String())
	if len(words) == 0 {
		return seg
	}
	// A Caser is stateful, so each call gets its own.
	return cases.Title(language.Spanish, cases.NoLower).String(strings.Join(words, " "))
}

// titleRules name the activity-feed entries for the paths a clinician cares
// about most; other paths are titled by the path itself.
var titleRules = []struct {
	prefix string
	title  string
}{
	{"afiliacion.motivoConsulta", "Motivo de consulta"},
	{"anamnesis.sintomasPrincipales", "Síntomas"},
	{"examenClinico.signosVitales", "Signos vitales"},
	{"diagnosticos", "Diagnóstico"},
	{"tratamientos", "Tratamiento"},
}

// Title returns the activity-feed title for a changed path.
func Title(path string) string {
	for _, r := range titleRules {
		if strings.HasPrefix(path, r.prefix) {
			return r.title
		}
	}
	return path
}
