// Package record defines the clinical record schema and the generic
// map-based operations used to merge, flatten and diff it.
package record

import (
	"encoding/json"
	"fmt"
)

// ClinicalRecord is the structured outcome of a consultation.
type ClinicalRecord struct {
	Afiliacion    Afiliacion    `json:"afiliacion"`
	Anamnesis     Anamnesis     `json:"anamnesis"`
	ExamenClinico ExamenClinico `json:"examenClinico"`
	Diagnosticos  []Diagnostico `json:"diagnosticos"`
	Tratamientos  []Tratamiento `json:"tratamientos"`
	Firma         Firma         `json:"firma"`
}

// Afiliacion holds patient identity and the reason for the visit.
type Afiliacion struct {
	NombreCompleto string `json:"nombreCompleto,omitempty"`
	Edad           Edad   `json:"edad"`
	Sexo           string `json:"sexo,omitempty"`
	DNI            string `json:"dni,omitempty"`
	GrupoSangre    string `json:"grupoSangre,omitempty"`
	FechaHora      string `json:"fechaHora,omitempty"`
	Seguro         string `json:"seguro,omitempty"`
	TipoConsulta   string `json:"tipoConsulta,omitempty"`
	NumeroSeguro   string `json:"numeroSeguro,omitempty"`
	MotivoConsulta string `json:"motivoConsulta,omitempty"`
}

type Edad struct {
	Anios *int `json:"anios,omitempty"`
	Meses *int `json:"meses,omitempty"`
}

// Anamnesis is the patient's history as told during the visit.
type Anamnesis struct {
	TiempoEnfermedad    string              `json:"tiempoEnfermedad,omitempty"`
	SintomasPrincipales []string            `json:"sintomasPrincipales,omitempty"`
	Relato              string              `json:"relato,omitempty"`
	FuncionesBiologicas FuncionesBiologicas `json:"funcionesBiologicas"`
	Antecedentes        Antecedentes        `json:"antecedentes"`
	Alergias            []string            `json:"alergias,omitempty"`
	Medicamentos        []string            `json:"medicamentos,omitempty"`
}

type FuncionesBiologicas struct {
	Apetito      string `json:"apetito,omitempty"`
	Sed          string `json:"sed,omitempty"`
	Orina        string `json:"orina,omitempty"`
	Deposiciones string `json:"deposiciones,omitempty"`
	Sueno        string `json:"sueno,omitempty"`
}

type Antecedentes struct {
	Personales []string `json:"personales,omitempty"`
	Padre      []string `json:"padre,omitempty"`
	Madre      []string `json:"madre,omitempty"`
}

// ExamenClinico is the physical examination.
type ExamenClinico struct {
	SignosVitales      SignosVitales `json:"signosVitales"`
	EstadoGeneral      string        `json:"estadoGeneral,omitempty"`
	DescripcionGeneral string        `json:"descripcionGeneral,omitempty"`
	Sistemas           Sistemas      `json:"sistemas"`
}

// SignosVitales are the vital signs. PA is free text ("120/80").
type SignosVitales struct {
	PA          string   `json:"PA,omitempty"`
	FC          *float64 `json:"FC,omitempty"`
	FR          *float64 `json:"FR,omitempty"`
	Peso        *float64 `json:"peso,omitempty"`
	Talla       *float64 `json:"talla,omitempty"`
	SpO2        *float64 `json:"SpO2,omitempty"`
	Temperatura *float64 `json:"temperatura,omitempty"`
	IMC         *float64 `json:"IMC,omitempty"`
	Glasgow     *float64 `json:"glasgow,omitempty"`
}

// Sistemas holds per-system examination findings.
type Sistemas struct {
	Piel               string `json:"piel,omitempty"`
	TCS                string `json:"tcs,omitempty"`
	Cabeza             string `json:"cabeza,omitempty"`
	Cuello             string `json:"cuello,omitempty"`
	Torax              string `json:"torax,omitempty"`
	Pulmones           string `json:"pulmones,omitempty"`
	Corazon            string `json:"corazon,omitempty"`
	MamasAxilas        string `json:"mamasAxilas,omitempty"`
	Abdomen            string `json:"abdomen,omitempty"`
	GenitoUrinario     string `json:"genitoUrinario,omitempty"`
	RectalPerianal     string `json:"rectalPerianal,omitempty"`
	Extremidades       string `json:"extremidades,omitempty"`
	VascularPeriferico string `json:"vascularPeriferico,omitempty"`
	Neurologico        string `json:"neurologico,omitempty"`
}

type Diagnostico struct {
	Nombre string `json:"nombre"`
	Tipo   string `json:"tipo,omitempty"`
	CIE10  string `json:"cie10,omitempty"`
}

type Tratamiento struct {
	Medicamento     string `json:"medicamento"`
	DosisIndicacion string `json:"dosisIndicacion,omitempty"`
	GTIN            string `json:"gtin,omitempty"`
}

type Firma struct {
	Medico      string `json:"medico,omitempty"`
	Colegiatura string `json:"colegiatura,omitempty"`
	Fecha       string `json:"fecha,omitempty"`
}

// Map is the generic JSON-shaped form of a record: nested map[string]any
// with []any lists and JSON scalars.
type Map = map[string]any

// ToMap converts a typed record into its generic form.
func ToMap(r ClinicalRecord) (Map, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("record: marshal: %w", err)
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("record: unmarshal: %w", err)
	}
	return m, nil
}

// FromMap converts a generic record into the typed form. Unknown keys are
// ignored; values of the wrong shape are an error.
func FromMap(m Map) (ClinicalRecord, error) {
	var r ClinicalRecord
	data, err := json.Marshal(m)
	if err != nil {
		return r, fmt.Errorf("record: marshal: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("record: decode: %w", err)
	}
	return r, nil
}
