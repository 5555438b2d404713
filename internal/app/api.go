package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/MrWong99/consultia/internal/health"
	"github.com/MrWong99/consultia/internal/observe"
	"github.com/MrWong99/consultia/internal/resilience"
	"github.com/MrWong99/consultia/pkg/archive"
	"github.com/MrWong99/consultia/pkg/capture"
	"github.com/MrWong99/consultia/pkg/extract"
	"github.com/MrWong99/consultia/pkg/reconcile"
	"github.com/MrWong99/consultia/pkg/record"
	"github.com/MrWong99/consultia/pkg/transport"
)

// uploadOverhead is the multipart framing allowed on top of the document cap.
const uploadOverhead = 1 << 20

type fieldsResponse struct {
	Fields   []reconcile.Field  `json:"fields"`
	Progress reconcile.Progress `json:"progress"`
}

type channelStatus struct {
	State transport.State `json:"state"`
	Stats transport.Stats `json:"stats"`
}

type statusResponse struct {
	Consultation  ConsultationInfo `json:"consultation"`
	STT           channelStatus    `json:"stt"`
	Assistant     channelStatus    `json:"assistant"`
	AssistantText string           `json:"assistantText"`
	Extraction    string           `json:"extraction"`
}

type documentResponse struct {
	Applied int         `json:"applied"`
	Record  RecordState `json:"record"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checks := []health.Checker{
		health.ChannelChecker("stt", a.stt.Session()),
		health.ChannelChecker("assistant", a.assistant.Session()),
		{Name: "extraction", Optional: true, Check: a.checkExtraction},
	}
	if p, ok := a.archive.(pinger); ok {
		checks = append(checks, health.Checker{Name: "archive", Optional: true, Check: p.Ping})
	}
	health.New(checks...).Register(mux)
	if a.metricsHTTP != nil {
		mux.Handle("GET /metrics", a.metricsHTTP)
	}

	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/fields", a.handleFields)
	mux.HandleFunc("DELETE /api/fields", a.handleClearAll)
	mux.HandleFunc("DELETE /api/fields/{path}", a.handleClearField)
	mux.HandleFunc("GET /api/record", a.handleRecord)
	mux.HandleFunc("GET /api/feed", a.handleFeed)
	mux.HandleFunc("GET /api/transcript", a.handleTranscript)
	mux.HandleFunc("GET /api/archive/record", a.handleArchivedRecord)
	mux.HandleFunc("POST /api/documents", a.handleDocument)
	mux.HandleFunc("POST /api/consultation/start", a.handleStart)
	mux.HandleFunc("POST /api/consultation/stop", a.handleStop)

	return observe.Middleware(a.metrics)(mux)
}

// pinger is implemented by archive stores that can check their backend.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) checkExtraction(context.Context) error {
	if a.extractor == nil {
		return errors.New("not configured")
	}
	if s := a.breaker.State(); s == resilience.StateOpen {
		return errors.New("circuit open")
	}
	return nil
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	extraction := "disabled"
	if a.extractor != nil {
		extraction = a.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Consultation:  a.consultation.Info(),
		STT:           channelStatus{State: a.stt.Session().State(), Stats: a.stt.Session().Stats()},
		Assistant:     channelStatus{State: a.assistant.Session().State(), Stats: a.assistant.Session().Stats()},
		AssistantText: a.assistant.Text(),
		Extraction:    extraction,
	})
}

func (a *App) handleFields(w http.ResponseWriter, _ *http.Request) {
	fields := a.reconciler.Snapshot()
	writeJSON(w, http.StatusOK, fieldsResponse{
		Fields:   fields,
		Progress: reconcile.ComputeProgress(fields),
	})
}

func (a *App) handleClearAll(w http.ResponseWriter, _ *http.Request) {
	a.reconciler.ClearAll()
	a.view.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleClearField(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if reconcile.IsMetadataPath(path) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "not a record field: " + path})
		return
	}
	if _, ok := a.reconciler.Field(path); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "field not set: " + path})
		return
	}
	a.reconciler.ClearField(path)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRecord(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.view.State())
}

func (a *App) handleFeed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.reconciler.Feed())
}

func (a *App) handleStart(w http.ResponseWriter, _ *http.Request) {
	ctx, ok := a.recordingContext()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "app not running"})
		return
	}
	err := a.consultation.Start(ctx)
	var capErr *capture.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a.consultation.Info())
	case errors.Is(err, ErrRecording):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	err := a.consultation.Stop(r.Context())
	switch {
	case err == nil:
		a.archiveRecord(r.Context(), "stop")
		writeJSON(w, http.StatusOK, a.consultation.Info())
	case errors.Is(err, ErrNotRecording):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// handleDocument accepts a multipart upload in field "file", sends it to the
// extraction service through the circuit breaker and merges the patch into
// the record view and the reconciler.
func (a *App) handleDocument(w http.ResponseWriter, r *http.Request) {
	if a.extractor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "document extraction is not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.Extraction.MaxBytes+uploadOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: extract.ErrTooLarge.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing file field"})
		return
	}
	defer file.Close()
	name := filepath.Base(header.Filename)

	ctx, span := observe.StartSpan(r.Context(), "extract document", observe.SessionAttr(a.sessionID))
	start := time.Now()
	var patch record.Map
	err = a.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		patch, err = a.extractor.Extract(ctx, name, file)
		return err
	})
	observe.EndSpan(span, err)

	status := extractionStatus(err)
	a.metrics.RecordExtraction(ctx, time.Since(start).Seconds(), status)
	if err != nil {
		observe.Logger(ctx).Warn("document extraction failed", "file", name, "status", status, "err", err)
		writeJSON(w, extractionHTTPStatus(err), errorResponse{Error: err.Error()})
		return
	}

	changes := a.view.MergePatch(patch, "Extraído de "+name)
	applied := a.reconciler.ApplyChanges(changes)
	a.metrics.RecordDeltas(ctx, applied, len(changes)-applied)
	observe.Logger(ctx).Info("document merged", "file", name, "changes", len(changes), "applied", applied)
	if len(changes) > 0 {
		a.archiveRecord(ctx, "document")
	}

	writeJSON(w, http.StatusOK, documentResponse{Applied: applied, Record: a.view.State()})
}

// handleTranscript returns the archived transcript of this session, or the
// entries matching the full-text query in ?q=.
func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "archive is not configured"})
		return
	}
	var (
		entries []archive.TranscriptEntry
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err = a.archive.Search(r.Context(), q, archive.SearchOpts{SessionID: a.sessionID})
	} else {
		entries, err = a.archive.Transcript(r.Context(), a.sessionID)
	}
	if err != nil {
		observe.Logger(r.Context()).Warn("read transcript failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) handleArchivedRecord(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "archive is not configured"})
		return
	}
	snap, err := a.archive.LatestRecord(r.Context(), a.sessionID)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no archived record for this session"})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func extractionStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, extract.ErrTooLarge), errors.Is(err, extract.ErrUnsupportedType), errors.Is(err, extract.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

func extractionHTTPStatus(err error) int {
	switch {
	case errors.Is(err, extract.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, extract.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, extract.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
