// Package app wires the consultia subsystems into a running application.
//
// The App owns the full lifecycle: New builds every subsystem from the
// config, Run connects the channels, starts recording and serves HTTP until
// its context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithExtractor, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/consultia/internal/config"
	"github.com/MrWong99/consultia/internal/observe"
	"github.com/MrWong99/consultia/internal/resilience"
	"github.com/MrWong99/consultia/pkg/archive"
	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/capture"
	"github.com/MrWong99/consultia/pkg/capture/portaudio"
	"github.com/MrWong99/consultia/pkg/capture/wavfile"
	"github.com/MrWong99/consultia/pkg/extract"
	"github.com/MrWong99/consultia/pkg/reconcile"
	"github.com/MrWong99/consultia/pkg/record"
	"github.com/MrWong99/consultia/pkg/transport"
	"github.com/MrWong99/consultia/pkg/transport/assistant"
	"github.com/MrWong99/consultia/pkg/transport/stt"
)

// Extractor reads a clinical record patch from an uploaded document.
type Extractor interface {
	Extract(ctx context.Context, filename string, r io.Reader) (record.Map, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	sessionID string

	metrics     *observe.Metrics
	metricsHTTP http.Handler
	level       *slog.LevelVar
	watcher     *config.Watcher
	source      capture.Source
	extractor   Extractor
	archive     archive.Store
	listener    net.Listener

	stt          *stt.Client
	assistant    *assistant.Client
	reconciler   *reconcile.Reconciler
	view         *RecordView
	breaker      *resilience.Breaker
	consultation *Consultation
	handler      http.Handler

	// life bounds the channels and recordings. It outlives Run's context so
	// Shutdown can still flush the STT channel.
	lifeMu     sync.Mutex
	life       context.Context
	lifeCancel context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource replaces the capture source built from audio config.
func WithSource(src capture.Source) Option {
	return func(a *App) { a.source = src }
}

// WithExtractor replaces the extraction client built from extraction config.
func WithExtractor(e Extractor) Option {
	return func(a *App) { a.extractor = e }
}

// WithArchive persists final transcripts and record snapshots to s.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// WithLevelVar lets hot reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithWatcher runs w alongside the app. Its callback should call
// [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithSessionID fixes the consultation session id. Default: a random UUID.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. No network or device activity happens until
// Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}

	if err := a.initSource(); err != nil {
		return nil, fmt.Errorf("app: init source: %w", err)
	}
	a.initChannels()
	a.initReconciler()
	a.initExtraction()

	framing := audio.Batch200ms
	if cfg.Audio.Framing == config.FramingStream {
		framing = audio.Stream20ms
	}
	a.consultation = NewConsultation(ConsultationConfig{
		SessionID: a.sessionID,
		Source:    a.source,
		Channel:   a.stt,
		Framing:   framing,
		OnFrame: func(_ audio.AudioFrame, sent bool) {
			a.metrics.RecordFrame(context.Background(), sent)
		},
	})

	a.handler = a.routes()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSource() error {
	if a.source != nil {
		return nil
	}
	switch a.cfg.Audio.Source {
	case config.SourceWAV:
		a.source = wavfile.New(a.cfg.Audio.WAVPath, wavfile.WithRealtime(a.cfg.Audio.Realtime))
	case config.SourcePortAudio, "":
		a.source = portaudio.New(portaudio.WithSampleRate(a.cfg.Audio.DeviceRate))
	default:
		return fmt.Errorf("unknown audio source %q", a.cfg.Audio.Source)
	}
	return nil
}

func (a *App) initChannels() {
	rc := a.cfg.Reconnect

	sttOpts := []stt.Option{
		stt.WithSessionID(a.sessionID),
		stt.WithBackoff(rc.BaseDelay, rc.MaxDelay),
	}
	if p := a.cfg.STT.SessionParam; p != "" {
		sttOpts = append(sttOpts, stt.WithSessionParam(p))
	}
	if eos := a.cfg.STT.EndOfStream; eos != "" {
		sttOpts = append(sttOpts, stt.WithEndOfStream(eos))
	}
	a.stt = stt.New(a.cfg.STT.URL, sttOpts...)

	aiOpts := []assistant.Option{
		assistant.WithSessionID(a.sessionID),
		assistant.WithBackoff(rc.BaseDelay, rc.MaxDelay),
	}
	if p := a.cfg.Assistant.SessionParam; p != "" {
		aiOpts = append(aiOpts, assistant.WithSessionParam(p))
	}
	a.assistant = assistant.New(a.cfg.Assistant.URL, aiOpts...)
}

func (a *App) initReconciler() {
	var opts []reconcile.Option
	if d := a.cfg.Reconciler.Decay; d > 0 {
		opts = append(opts, reconcile.WithDecay(d))
	}
	if n := a.cfg.Reconciler.FeedSize; n > 0 {
		opts = append(opts, reconcile.WithFeedSize(n))
	}
	a.reconciler = reconcile.New(opts...)
	a.view = NewRecordView()
}

func (a *App) initExtraction() {
	a.breaker = resilience.New(resilience.Config{
		Name: "extraction",
		IsFailure: func(err error) bool {
			// The document, not the service, is at fault.
			return !errors.Is(err, extract.ErrTooLarge) &&
				!errors.Is(err, extract.ErrUnsupportedType) &&
				!errors.Is(err, extract.ErrRejected) &&
				!errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
			a.metrics.BreakerState.Record(context.Background(), int64(to))
		},
	})

	if a.extractor != nil || a.cfg.Extraction.URL == "" {
		return
	}
	a.extractor = extract.New(a.cfg.Extraction.URL,
		extract.WithMaxBytes(a.cfg.Extraction.MaxBytes),
		extract.WithHTTPClient(&http.Client{Timeout: a.cfg.Extraction.Timeout}),
	)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.handler }

// Reconciler returns the field reconciler.
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }

// Consultation returns the recording controller.
func (a *App) Consultation() *Consultation { return a.consultation }

// SessionID returns the consultation session id sent to both channels.
func (a *App) SessionID() string { return a.sessionID }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects both channels, starts recording and serves HTTP until ctx is
// done. A capture device failure at startup is returned; the HTTP server and
// the channels are still shut down cleanly by [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	life, cancelLife := context.WithCancel(context.WithoutCancel(ctx))
	a.lifeMu.Lock()
	a.life, a.lifeCancel = life, cancelLife
	a.lifeMu.Unlock()

	// ── Observers ────────────────────────────────────────────────────────
	for _, sess := range []*transport.Session{a.stt.Session(), a.assistant.Session()} {
		ch, cancel := sess.Subscribe()
		g.Go(func() error {
			defer cancel()
			a.observeTransitions(gctx, sess.Name(), ch)
			return nil
		})
	}
	snaps, cancelSnaps := a.reconciler.Subscribe()
	g.Go(func() error {
		defer cancelSnaps()
		a.observeProgress(gctx, snaps)
		return nil
	})

	// ── Event loops ──────────────────────────────────────────────────────
	g.Go(func() error { a.transcriptLoop(gctx); return nil })
	g.Go(func() error { a.assistantLoop(gctx); return nil })

	// ── Config watcher ───────────────────────────────────────────────────
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	// ── HTTP ─────────────────────────────────────────────────────────────
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// ── Channels and recording ───────────────────────────────────────────
	if err := a.assistant.Connect(life); err != nil {
		slog.Warn("assistant channel not ready, reconnecting in background", "err", err)
	}
	g.Go(func() error {
		if err := a.consultation.Start(life); err != nil {
			return fmt.Errorf("app: start recording: %w", err)
		}
		return nil
	})

	slog.Info("app running", "session_id", a.sessionID, "source", a.source.Name())
	return g.Wait()
}

func (a *App) observeTransitions(ctx context.Context, name string, ch <-chan transport.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-ch:
			if !ok {
				return
			}
			a.metrics.RecordTransition(ctx, name, tr.To.String())
			slog.Debug("channel state", "channel", name, "from", tr.From, "to", tr.To)
		}
	}
}

func (a *App) observeProgress(ctx context.Context, snaps <-chan []reconcile.Field) {
	for {
		select {
		case <-ctx.Done():
			return
		case fields, ok := <-snaps:
			if !ok {
				return
			}
			p := reconcile.ComputeProgress(fields)
			a.metrics.RecordCompletion.Record(ctx, int64(p.Percent))
		}
	}
}

// transcriptLoop forwards STT transcripts to the assistant.
func (a *App) transcriptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.stt.Transcripts():
			a.metrics.RecordEvent(ctx, "stt", ev.Kind.String())
			a.handleTranscript(ctx, ev)
		}
	}
}

func (a *App) handleTranscript(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.KindPartial:
		if ev.Text != "" {
			a.assistant.SendPartial(ctx, ev.Text)
		}
	case transport.KindFinal:
		if ev.Text == "" {
			return
		}
		if !a.assistant.SendFinal(ctx, ev.Text) {
			slog.Warn("final transcript not forwarded, assistant channel not open", "chars", len(ev.Text))
		}
		a.archiveTranscript(ctx, ev.Text)
	case transport.KindStatus:
		slog.Debug("stt status", "status", ev.Status)
	case transport.KindError:
		slog.Warn("stt error", "message", ev.Message)
		if a.consultation.Recording() {
			a.reopen(a.stt.Session().Name(), a.stt.Connect)
		}
	}
}

// assistantLoop applies assistant events to the reconciler and record view.
func (a *App) assistantLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.assistant.Events():
			a.metrics.RecordEvent(ctx, "assistant", ev.Kind.String())
			a.handleAssistant(ctx, ev)
		}
	}
}

func (a *App) handleAssistant(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.KindFieldDelta:
		applied := a.reconciler.ApplyChanges(ev.Changes)
		a.metrics.RecordDeltas(ctx, applied, len(ev.Changes)-applied)
	case transport.KindInsight:
		a.reconciler.AddInsight(ev.Label, ev.Text)
	case transport.KindFormUpdate:
		changes := a.view.ApplyForm(ev.Form, ev.Missing, ev.Suggestions)
		slog.Debug("form update merged", "changes", len(changes))
	case transport.KindAssistantReset, transport.KindAssistantToken:
		// Accumulated by the assistant client.
	case transport.KindStatus:
		slog.Debug("assistant status", "status", ev.Status)
	case transport.KindError:
		slog.Warn("assistant error", "message", ev.Message)
		a.reopen(a.assistant.Session().Name(), a.assistant.Connect)
	default:
		slog.Debug("assistant event ignored", "kind", ev.Kind)
	}
}

// reopen replaces a channel's connection after the backend reported an
// error on it. A failed dial leaves the channel reconnecting on its own.
func (a *App) reopen(name string, connect func(context.Context) error) {
	life, ok := a.recordingContext()
	if !ok {
		return
	}
	if err := connect(life); err != nil {
		slog.Warn("channel reopen failed, reconnecting in background", "channel", name, "err", err)
		return
	}
	slog.Info("channel reopened after backend error", "channel", name)
}

// archiveTranscript appends a final transcript to the archive, if any.
// Failures are logged; the live consultation does not depend on them.
func (a *App) archiveTranscript(ctx context.Context, text string) {
	if a.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.archiveTimeout())
	defer cancel()
	e := archive.TranscriptEntry{Text: text, At: time.Now().UTC()}
	if err := a.archive.WriteTranscript(ctx, a.sessionID, e); err != nil {
		slog.Warn("archive transcript failed", "session_id", a.sessionID, "err", err)
	}
}

// archiveRecord stores a snapshot of the record view, if archiving is on.
func (a *App) archiveRecord(ctx context.Context, reason string) {
	if a.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.archiveTimeout())
	defer cancel()
	st := a.view.State()
	snap := archive.RecordSnapshot{
		Record:  st.Record,
		Percent: st.Evaluation.Percent,
		Reason:  reason,
		At:      time.Now().UTC(),
	}
	if err := a.archive.SaveRecord(ctx, a.sessionID, snap); err != nil {
		slog.Warn("archive record failed", "session_id", a.sessionID, "reason", reason, "err", err)
	}
}

func (a *App) archiveTimeout() time.Duration {
	if d := a.cfg.Archive.WriteTimeout; d > 0 {
		return d
	}
	return config.DefaultWriteTimeout
}

// ApplyConfig applies the hot-reloadable parts of a config change and logs
// the rest as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DecayChanged {
		a.reconciler.SetDecay(d.NewDecay.Decay)
		slog.Info("reconciler decay changed", "decay", d.NewDecay.Decay)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	a.metrics.ConfigReloads.Add(context.Background(), 1)
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops recording and closes both channels. It respects the context
// deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "session_id", a.sessionID)

		switch err := a.consultation.Stop(ctx); {
		case err == nil:
			a.archiveRecord(ctx, "stop")
		case !errors.Is(err, ErrNotRecording):
			errs = append(errs, err)
		}
		if err := a.stt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.assistant.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		a.lifeMu.Lock()
		if a.lifeCancel != nil {
			a.lifeCancel()
		}
		a.lifeMu.Unlock()

		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded")
			errs = append(errs, ctx.Err())
			return
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// recordingContext returns the context recordings started over HTTP run
// under.
func (a *App) recordingContext() (context.Context, bool) {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.life == nil || a.life.Err() != nil {
		return nil, false
	}
	return a.life, true
}
