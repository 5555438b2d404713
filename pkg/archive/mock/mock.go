// Package mock provides an in-memory test double for [archive.Store].
//
// The mock records every method call for assertion in tests and keeps what
// was written, so reads return earlier writes unless a *Result field
// overrides them. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.CallCount("WriteTranscript"); got != 1 {
//	    t.Errorf("expected 1 WriteTranscript call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/consultia/pkg/archive"
	"github.com/MrWong99/consultia/pkg/record"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [archive.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	transcripts map[string][]archive.TranscriptEntry
	records     map[string][]archive.RecordSnapshot

	// WriteTranscriptErr is returned by WriteTranscript when non-nil; the
	// entry is then not kept.
	WriteTranscriptErr error

	// TranscriptErr is returned by Transcript when non-nil.
	TranscriptErr error

	// SearchResult, when non-nil, is returned by Search instead of a
	// substring match over the written entries.
	SearchResult []archive.TranscriptEntry

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// SaveRecordErr is returned by SaveRecord when non-nil.
	SaveRecordErr error

	// LatestRecordErr is returned by LatestRecord when non-nil.
	LatestRecordErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// WriteTranscript implements [archive.Store].
func (m *Store) WriteTranscript(_ context.Context, sessionID string, e archive.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WriteTranscript", sessionID, e)
	if m.WriteTranscriptErr != nil {
		return m.WriteTranscriptErr
	}
	if m.transcripts == nil {
		m.transcripts = make(map[string][]archive.TranscriptEntry)
	}
	e.SessionID = sessionID
	m.transcripts[sessionID] = append(m.transcripts[sessionID], e)
	return nil
}

// Transcript implements [archive.Store].
func (m *Store) Transcript(_ context.Context, sessionID string) ([]archive.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Transcript", sessionID)
	if m.TranscriptErr != nil {
		return nil, m.TranscriptErr
	}
	out := slices.Clone(m.transcripts[sessionID])
	if out == nil {
		out = []archive.TranscriptEntry{}
	}
	return out, nil
}

// Search implements [archive.Store] with a case-insensitive substring match.
func (m *Store) Search(_ context.Context, query string, opts archive.SearchOpts) ([]archive.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Search", query, opts)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult != nil {
		return slices.Clone(m.SearchResult), nil
	}
	out := []archive.TranscriptEntry{}
	q := strings.ToLower(query)
	for id, entries := range m.transcripts {
		if opts.SessionID != "" && id != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if strings.Contains(strings.ToLower(e.Text), q) {
				out = append(out, e)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b archive.TranscriptEntry) int { return a.At.Compare(b.At) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// SaveRecord implements [archive.Store].
func (m *Store) SaveRecord(_ context.Context, sessionID string, s archive.RecordSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveRecord", sessionID, s)
	if m.SaveRecordErr != nil {
		return m.SaveRecordErr
	}
	if m.records == nil {
		m.records = make(map[string][]archive.RecordSnapshot)
	}
	s.SessionID = sessionID
	s.Record = record.Clone(s.Record)
	m.records[sessionID] = append(m.records[sessionID], s)
	return nil
}

// LatestRecord implements [archive.Store].
func (m *Store) LatestRecord(_ context.Context, sessionID string) (archive.RecordSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LatestRecord", sessionID)
	if m.LatestRecordErr != nil {
		return archive.RecordSnapshot{}, m.LatestRecordErr
	}
	snaps := m.records[sessionID]
	if len(snaps) == 0 {
		return archive.RecordSnapshot{}, archive.ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

var _ archive.Store = (*Store)(nil)
