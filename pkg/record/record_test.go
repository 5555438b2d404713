package record_test

import (
	"reflect"
	"testing"

	"github.com/MrWong99/consultia/pkg/record"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	m := record.Map{
		"afiliacion":   map[string]any{"motivoConsulta": "tos", "edad": map[string]any{"anios": float64(34)}},
		"diagnosticos": []any{map[string]any{"nombre": "Faringitis"}},
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"afiliacion.motivoConsulta", "tos", true},
		{"afiliacion.edad.anios", float64(34), true},
		{"afiliacion.sexo", nil, false},
		{"afiliacion.motivoConsulta.extra", nil, false},
		{"diagnosticos", []any{map[string]any{"nombre": "Faringitis"}}, true},
		{"diagnosticos.0.nombre", []any{map[string]any{"nombre": "Faringitis"}}, true},
		{"firma", nil, false},
	}
	for _, tt := range tests {
		got, ok := record.Lookup(m, tt.path)
		if ok != tt.wantOK || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Lookup(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestPresent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{"", false},
		{"   ", false},
		{"x", true},
		{float64(0), true},
		{false, true},
		{[]any{}, false},
		{[]any{"a"}, true},
		{map[string]any{}, false},
		{map[string]any{"a": 1}, true},
	}
	for _, tt := range tests {
		if got := record.Present(tt.v); got != tt.want {
			t.Errorf("Present(%#v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestDeepMerge(t *testing.T) {
	t.Parallel()

	dst := record.Map{
		"afiliacion":   map[string]any{"nombreCompleto": "Ana", "sexo": "F"},
		"diagnosticos": []any{"a"},
	}
	src := record.Map{
		"afiliacion":   map[string]any{"sexo": "Femenino", "dni": "123"},
		"diagnosticos": []any{"b"},
		"firma":        map[string]any{"medico": "Dr. Ruiz"},
	}
	got := record.DeepMerge(dst, src)
	want := record.Map{
		"afiliacion":   map[string]any{"nombreCompleto": "Ana", "sexo": "Femenino", "dni": "123"},
		"diagnosticos": []any{"b"},
		"firma":        map[string]any{"medico": "Dr. Ruiz"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DeepMerge =\n %v\nwant\n %v", got, want)
	}

	// A map replaces a scalar and vice versa.
	got = record.DeepMerge(record.Map{"a": "x"}, record.Map{"a": map[string]any{"b": 1}})
	if !reflect.DeepEqual(got, record.Map{"a": map[string]any{"b": 1}}) {
		t.Errorf("map over scalar = %v", got)
	}
	if got := record.DeepMerge(nil, record.Map{"a": 1}); got["a"] != 1 {
		t.Errorf("nil dst = %v", got)
	}
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	m := record.Map{
		"anamnesis": map[string]any{
			"sintomasPrincipales": []any{"tos", "fiebre"},
			"antecedentes":        map[string]any{},
			"relato":              "",
		},
		"firma": map[string]any{"medico": "Dr. Ruiz"},
	}
	got := record.Flatten(m)
	want := map[string]any{
		"anamnesis.sintomasPrincipales": []any{"tos", "fiebre"},
		"anamnesis.relato":              "",
		"firma.medico":                  "Dr. Ruiz",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten = %v, want %v", got, want)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	prev := record.Map{
		"afiliacion": map[string]any{"motivoConsulta": "tos", "sexo": "F"},
		"anamnesis":  map[string]any{"alergias": []any{"penicilina"}},
	}
	curr := record.Map{
		"afiliacion": map[string]any{"motivoConsulta": "tos seca", "sexo": "F", "dni": "123"},
		"anamnesis":  map[string]any{"alergias": []any{"penicilina"}},
	}
	got := record.Diff(prev, curr)
	want := []record.Change{
		{Path: "afiliacion.dni", Value: "123"},
		{Path: "afiliacion.motivoConsulta", Value: "tos seca"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Diff = %+v, want %+v", got, want)
	}
	if d := record.Diff(curr, curr); len(d) != 0 {
		t.Errorf("Diff of identical records = %+v", d)
	}
}

func TestToMapFromMap(t *testing.T) {
	t.Parallel()

	fc := 88.0
	r := record.ClinicalRecord{
		Afiliacion:    record.Afiliacion{MotivoConsulta: "dolor de garganta"},
		ExamenClinico: record.ExamenClinico{SignosVitales: record.SignosVitales{PA: "120/80", FC: &fc}},
		Diagnosticos:  []record.Diagnostico{{Nombre: "Faringitis aguda", CIE10: "J02.9"}},
	}
	m, err := record.ToMap(r)
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}
	if v, _ := record.Lookup(m, "examenClinico.signosVitales.FC"); v != 88.0 {
		t.Errorf("FC = %v, want 88", v)
	}
	if _, ok := record.Lookup(m, "afiliacion.dni"); ok {
		t.Error("empty dni should be omitted")
	}

	back, err := record.FromMap(m)
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if back.Diagnosticos[0].CIE10 != "J02.9" || *back.ExamenClinico.SignosVitales.FC != 88 {
		t.Errorf("FromMap = %+v", back)
	}

	if _, err := record.FromMap(record.Map{"diagnosticos": "not a list"}); err == nil {
		t.Error("FromMap accepted a malformed record")
	}
}

func TestClone(t *testing.T) {
	t.Parallel()

	orig := record.Map{"a": map[string]any{"b": []any{"c"}}}
	cp := record.Clone(orig)
	cp["a"].(map[string]any)["b"].([]any)[0] = "changed"
	if orig["a"].(map[string]any)["b"].([]any)[0] != "c" {
		t.Error("Clone shares nested storage")
	}
}
