package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/consultia/pkg/archive"
	"github.com/MrWong99/consultia/pkg/archive/mock"
	"github.com/MrWong99/consultia/pkg/record"
)

func TestStore_KeepsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := &mock.Store{}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_ = s.WriteTranscript(ctx, "c-1", archive.TranscriptEntry{Text: "Dolor de cabeza", At: base.Add(time.Second)})
	_ = s.WriteTranscript(ctx, "c-1", archive.TranscriptEntry{Text: "Sin fiebre", At: base})

	got, _ := s.Transcript(ctx, "c-1")
	if len(got) != 2 || got[0].SessionID != "c-1" {
		t.Errorf("Transcript = %+v", got)
	}

	found, _ := s.Search(ctx, "DOLOR", archive.SearchOpts{SessionID: "c-1"})
	if len(found) != 1 || found[0].Text != "Dolor de cabeza" {
		t.Errorf("Search = %+v", found)
	}

	if _, err := s.LatestRecord(ctx, "c-1"); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("LatestRecord = %v, want ErrNotFound", err)
	}
	rec := record.Map{"firma": map[string]any{"medico": "Dra. Ruiz"}}
	_ = s.SaveRecord(ctx, "c-1", archive.RecordSnapshot{Record: rec, Reason: "stop"})
	rec["firma"].(map[string]any)["medico"] = "otro"

	snap, err := s.LatestRecord(ctx, "c-1")
	if err != nil {
		t.Fatalf("LatestRecord: %v", err)
	}
	if v, _ := record.Lookup(snap.Record, "firma.medico"); v != "Dra. Ruiz" {
		t.Errorf("snapshot aliased caller map: %v", v)
	}
	if got := s.CallCount("WriteTranscript"); got != 2 {
		t.Errorf("WriteTranscript calls = %d, want 2", got)
	}
}

func TestStore_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	s := &mock.Store{WriteTranscriptErr: boom, SaveRecordErr: boom}
	ctx := context.Background()

	if err := s.WriteTranscript(ctx, "c-1", archive.TranscriptEntry{Text: "x"}); !errors.Is(err, boom) {
		t.Errorf("WriteTranscript = %v", err)
	}
	if got, _ := s.Transcript(ctx, "c-1"); len(got) != 0 {
		t.Errorf("failed write was kept: %v", got)
	}
	if err := s.SaveRecord(ctx, "c-1", archive.RecordSnapshot{}); !errors.Is(err, boom) {
		t.Errorf("SaveRecord = %v", err)
	}
	if calls := s.Calls(); len(calls) != 3 || calls[0].Method != "WriteTranscript" {
		t.Errorf("calls = %+v", calls)
	}
}
