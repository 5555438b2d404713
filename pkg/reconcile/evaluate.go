package reconcile

import (
	"math"
	"slices"

	"github.com/MrWong99/consultia/pkg/record"
)

// RequiredKeys are the record paths a consultation must fill in.
var RequiredKeys = []string{
	"afiliacion.motivoConsulta",
	"anamnesis.sintomasPrincipales",
	"diagnosticos",
	"tratamientos",
}

var requiredNames = map[string]string{
	"afiliacion.motivoConsulta":     "Motivo de consulta",
	"anamnesis.sintomasPrincipales": "Síntomas principales",
	"diagnosticos":                  "Diagnósticos",
	"tratamientos":                  "Tratamientos",
}

var suggestions = map[string]string{
	"afiliacion.motivoConsulta":     "Indique el motivo de consulta.",
	"anamnesis.sintomasPrincipales": "Mencione los síntomas principales.",
	"diagnosticos":                  "Registre al menos un diagnóstico (nombre, tipo y CIE‑10 si es posible).",
	"tratamientos":                  "Consigne al menos un tratamiento (medicamento y dosis/indicaciones).",
}

// Evaluation summarizes how complete a record is against [RequiredKeys].
type Evaluation struct {
	Populated    int      `json:"populated"`
	Total        int      `json:"total"`
	Percent      int      `json:"percent"`
	Missing      []string `json:"missing"`
	MissingPaths []string `json:"missingPaths"`
	Suggestions  []string `json:"suggestions"`
}

// Evaluate checks rec against the required paths. A list met part-way
// along a path satisfies it when non-empty.
func Evaluate(rec record.Map) Evaluation {
	ev := Evaluation{
		Total:        len(RequiredKeys),
		Missing:      []string{},
		MissingPaths: []string{},
		Suggestions:  []string{},
	}
	for _, key := range RequiredKeys {
		if v, ok := record.Lookup(rec, key); ok && record.Present(v) {
			ev.Populated++
			continue
		}
		ev.MissingPaths = append(ev.MissingPaths, key)
		ev.Missing = append(ev.Missing, requiredNames[key])
		if s, ok := suggestions[key]; ok {
			ev.Suggestions = append(ev.Suggestions, s)
		}
	}
	ev.Percent = percent(ev.Populated, ev.Total)
	return ev
}

// SectionProgress is the completion of one section.
type SectionProgress struct {
	Section   string `json:"section"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Complete  bool   `json:"complete"`
}

// Progress is the completion of a snapshot.
type Progress struct {
	Total             int               `json:"total"`
	Completed         int               `json:"completed"`
	Percent           int               `json:"percent"`
	Sections          []SectionProgress `json:"sections"`
	CompletedSections int               `json:"completedSections"`
}

// Filled reports whether a field holds a value. Cleared fields hold "".
func (f Field) Filled() bool {
	if f.Value == nil {
		return false
	}
	s, ok := f.Value.(string)
	return !ok || s != ""
}

// ComputeProgress counts filled fields overall and per section. Sections
// are ordered by name; a section is complete when every field in it is
// filled.
func ComputeProgress(fields []Field) Progress {
	bySection := make(map[string]*SectionProgress)
	var p Progress
	for _, f := range fields {
		sp, ok := bySection[f.Section]
		if !ok {
			sp = &SectionProgress{Section: f.Section}
			bySection[f.Section] = sp
		}
		sp.Total++
		p.Total++
		if f.Filled() {
			sp.Completed++
			p.Completed++
		}
	}
	p.Sections = make([]SectionProgress, 0, len(bySection))
	for _, sp := range bySection {
		sp.Complete = sp.Total > 0 && sp.Completed == sp.Total
		if sp.Complete {
			p.CompletedSections++
		}
		p.Sections = append(p.Sections, *sp)
	}
	slices.SortFunc(p.Sections, func(a, b SectionProgress) int {
		switch {
		case a.Section < b.Section:
			return -1
		case a.Section > b.Section:
			return 1
		}
		return 0
	})
	p.Percent = percent(p.Completed, p.Total)
	return p
}

func percent(n, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}
