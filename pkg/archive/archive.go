// Package archive defines the durable record of a consultation: the ordered
// log of final transcripts and snapshots of the clinical record as it was
// filled in.
//
// The live state (fields, feed, record view) is held in memory while the
// consultation runs; an archive [Store] keeps what must survive a restart.
// Implementations must be safe for concurrent use.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/consultia/pkg/record"
)

// ErrNotFound is returned when a session has no archived record.
var ErrNotFound = errors.New("archive: not found")

// TranscriptEntry is one final utterance of a consultation.
type TranscriptEntry struct {
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// RecordSnapshot is the clinical record at a point in time.
type RecordSnapshot struct {
	SessionID string     `json:"sessionId"`
	Record    record.Map `json:"record"`

	// Percent is the completion of the required fields when the snapshot
	// was taken.
	Percent int `json:"percent"`

	// Reason says what triggered the snapshot (e.g. "stop", "document").
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// SearchOpts narrows a transcript search. Zero fields are not applied.
type SearchOpts struct {
	SessionID string
	After     time.Time
	Before    time.Time

	// Limit caps the number of entries; 0 means no limit.
	Limit int
}

// Store persists transcripts and record snapshots.
type Store interface {
	// WriteTranscript appends e to the transcript of sessionID.
	WriteTranscript(ctx context.Context, sessionID string, e TranscriptEntry) error

	// Transcript returns every entry of sessionID, oldest first.
	Transcript(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// Search runs a full-text query over transcripts, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)

	// SaveRecord stores a snapshot of the record of sessionID.
	SaveRecord(ctx context.Context, sessionID string, s RecordSnapshot) error

	// LatestRecord returns the newest snapshot of sessionID or
	// [ErrNotFound].
	LatestRecord(ctx context.Context, sessionID string) (RecordSnapshot, error)
}
