package app

import (
	"sync"

	"github.com/MrWong99/consultia/pkg/reconcile"
	"github.com/MrWong99/consultia/pkg/record"
	"github.com/MrWong99/consultia/pkg/transport"
)

// RecordView is the whole-record counterpart to the reconciler's field map.
// It accumulates form updates from the assistant and patches read from
// uploaded documents, and keeps the assistant's own missing-field hints.
// All methods are safe for concurrent use.
type RecordView struct {
	mu          sync.Mutex
	form        record.Map
	missing     []string
	suggestions []string
}

// NewRecordView returns an empty view.
func NewRecordView() *RecordView {
	return &RecordView{form: record.Map{}}
}

// RecordState is a point-in-time copy of the view.
type RecordState struct {
	Record     record.Map           `json:"record"`
	Evaluation reconcile.Evaluation `json:"evaluation"`

	// AssistantMissing and AssistantSuggestions are the hints sent with the
	// last form update, if any.
	AssistantMissing     []string `json:"assistantMissing,omitempty"`
	AssistantSuggestions []string `json:"assistantSuggestions,omitempty"`
}

// ApplyForm merges a form update into the view and returns the leaf changes
// it caused.
func (v *RecordView) ApplyForm(form map[string]any, missing, suggestions []string) []transport.Change {
	v.mu.Lock()
	defer v.mu.Unlock()
	if missing != nil {
		v.missing = append([]string(nil), missing...)
	}
	if suggestions != nil {
		v.suggestions = append([]string(nil), suggestions...)
	}
	return v.mergeLocked(form, "")
}

// MergePatch merges a document patch and returns the leaf changes, each
// carrying reason as its explanation.
func (v *RecordView) MergePatch(patch record.Map, reason string) []transport.Change {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mergeLocked(patch, reason)
}

func (v *RecordView) mergeLocked(patch record.Map, reason string) []transport.Change {
	if len(patch) == 0 {
		return nil
	}
	prev := v.form
	v.form = record.DeepMerge(record.Clone(prev), record.Clone(patch))

	diff := record.Diff(prev, v.form)
	changes := make([]transport.Change, 0, len(diff))
	for _, d := range diff {
		changes = append(changes, transport.Change{Path: d.Path, Value: d.Value, Reason: reason})
	}
	return changes
}

// State returns a copy of the record and its evaluation.
func (v *RecordView) State() RecordState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return RecordState{
		Record:               record.Clone(v.form),
		Evaluation:           reconcile.Evaluate(v.form),
		AssistantMissing:     append([]string(nil), v.missing...),
		AssistantSuggestions: append([]string(nil), v.suggestions...),
	}
}

// Reset empties the view.
func (v *RecordView) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.form = record.Map{}
	v.missing, v.suggestions = nil, nil
}
