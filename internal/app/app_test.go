package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/consultia/internal/app"
	"github.com/MrWong99/consultia/internal/config"
	"github.com/MrWong99/consultia/internal/observe"
	archivemock "github.com/MrWong99/consultia/pkg/archive/mock"
	"github.com/MrWong99/consultia/pkg/capture/mock"
	"github.com/MrWong99/consultia/pkg/reconcile"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a validated-shape config pointing at the given channel
// URLs with short reconnect delays.
func testConfig(sttURL, aiURL string) *config.Config {
	cfg := &config.Config{
		STT:       config.ChannelConfig{URL: sttURL},
		Assistant: config.ChannelConfig{URL: aiURL},
		Reconnect: config.ReconnectConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("decode %s: %v (body %q)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fieldsBody struct {
	Fields []struct {
		Path   string `json:"path"`
		Value  any    `json:"value"`
		Status string `json:"status"`
	} `json:"fields"`
	Progress reconcile.Progress `json:"progress"`
}

func (b fieldsBody) value(path string) (any, bool) {
	for _, f := range b.Fields {
		if f.Path == path {
			return f.Value, true
		}
	}
	return nil, false
}

// ─── End to end ──────────────────────────────────────────────────────────────

func TestApp_RunEndToEnd(t *testing.T) {
	var (
		frames     atomic.Int64
		eos        = make(chan string, 1)
		firstFrame sync.Once
	)
	sttSrv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				eos <- string(data)
				continue
			}
			frames.Add(1)
			firstFrame.Do(func() {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"final","text":"Vengo por dolor de cabeza"}`))
			})
		}
	})

	forwarded := make(chan string, 4)
	aiSrv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m struct{ Type, Text string }
			if json.Unmarshal(data, &m) != nil || m.Type != "final" {
				continue
			}
			forwarded <- m.Text
			for _, reply := range []string{
				`{"type":"form_delta","changes":[{"path":"afiliacion.motivoConsulta","value":"Cefalea","evidence":"dolor de cabeza"},{"path":"sugerencias","value":"x"}]}`,
				`{"type":"insight","label":"Alerta","text":"Cefalea de reciente inicio"}`,
				`{"type":"form_update","form":{"anamnesis":{"sintomasPrincipales":"cefalea"}},"missing":["Diagnósticos"]}`,
			} {
				if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
					return
				}
			}
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	src := &mock.Source{Rate: 16000, Samples: make(chan []float32, 4)}
	metrics, reader := newTestMetrics(t)
	store := &archivemock.Store{}

	a, err := app.New(testConfig(wsURL(sttSrv)+"/ws/stt", wsURL(aiSrv)+"/ws/ai"),
		app.WithSource(src),
		app.WithArchive(store),
		app.WithListener(ln),
		app.WithMetrics(metrics),
		app.WithSessionID("consulta-e2e"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	// Feed 200 ms chunks until the server has seen audio. The feeder must stop
	// before Shutdown closes the samples channel.
	stopFeed := make(chan struct{})
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		chunk := make([]float32, 3200)
		for {
			select {
			case <-stopFeed:
				return
			case src.Samples <- chunk:
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	waitFor(t, "first frame at stt server", func() bool { return frames.Load() > 0 })

	select {
	case text := <-forwarded:
		if text != "Vengo por dolor de cabeza" {
			t.Errorf("forwarded transcript = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("final transcript was not forwarded to the assistant")
	}

	h := a.Handler()
	waitFor(t, "reconciled field", func() bool {
		var body fieldsBody
		getJSON(t, h, "/api/fields", &body)
		v, ok := body.value("afiliacion.motivoConsulta")
		return ok && v == "Cefalea"
	})

	var fields fieldsBody
	getJSON(t, h, "/api/fields", &fields)
	if _, ok := fields.value("sugerencias"); ok {
		t.Error("metadata path entered the field map")
	}

	waitFor(t, "record view", func() bool {
		var st app.RecordState
		getJSON(t, h, "/api/record", &st)
		return st.Evaluation.Populated == 1 && len(st.AssistantMissing) == 1
	})

	var feed []reconcile.FeedEntry
	waitFor(t, "insight in feed", func() bool {
		feed = nil
		getJSON(t, h, "/api/feed", &feed)
		for _, e := range feed {
			if e.Insight && e.Title == "Alerta" {
				return true
			}
		}
		return false
	})

	// Through the real listener: both channels are open and extraction is
	// disabled, so readiness is degraded but passing.
	waitFor(t, "readyz", func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct{ Status string }
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode == http.StatusOK && body.Status == "degraded"
	})

	if !a.Consultation().Recording() {
		t.Error("expected recording while running")
	}

	close(stopFeed)
	<-feedDone
	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case marker := <-eos:
		if marker != "__END__" {
			t.Errorf("end-of-stream marker = %q, want __END__", marker)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stt server never received the end-of-stream marker")
	}

	if a.Consultation().Recording() {
		t.Error("still recording after Shutdown")
	}
	if got := store.CallCount("WriteTranscript"); got != 1 {
		t.Errorf("archived transcripts = %d, want 1", got)
	}
	snap, err := store.LatestRecord(context.Background(), "consulta-e2e")
	if err != nil {
		t.Fatalf("LatestRecord: %v", err)
	}
	if snap.Reason != "stop" || snap.Percent != 25 {
		t.Errorf("final snapshot = %+v, want stop at 25%%", snap)
	}
	if got := counterTotal(t, reader, "consultia.audio.frames_sent"); got < 1 {
		t.Errorf("frames_sent = %d, want >= 1", got)
	}
	if got := counterTotal(t, reader, "consultia.reconciler.deltas"); got < 2 {
		t.Errorf("reconciler deltas = %d, want applied and rejected counted", got)
	}
}

func TestApp_RunFailsOnDeviceError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	// Nothing listens on the channel URLs; dialing fails and is retried.
	cfg := testConfig("ws://127.0.0.1:1/stt", "ws://127.0.0.1:1/ai")
	src := &mock.Source{Rate: 16000, OpenErr: errors.New("device busy")}

	a, err := app.New(cfg, app.WithSource(src), app.WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	select {
	case err := <-runAsync(t.Context(), a):
		if err == nil || !strings.Contains(err.Error(), "start recording") {
			t.Errorf("Run = %v, want start recording error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after device failure")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestApp_AssistantErrorKeepsForwarding(t *testing.T) {
	t.Parallel()

	errSent := make(chan struct{})
	var errOnce sync.Once
	sttSrv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		n := 0
		for {
			typ, _, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			n++
			text := "Vengo por tos"
			select {
			case <-errSent:
				text = "Sin fiebre"
			default:
				if n > 1 {
					continue
				}
			}
			msg, _ := json.Marshal(map[string]any{"text": text, "is_final": true})
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	})

	var conns atomic.Int64
	later := make(chan string, 16)
	aiSrv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		n := conns.Add(1)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m struct{ Type, Text string }
			if json.Unmarshal(data, &m) != nil || m.Type != "final" {
				continue
			}
			if m.Text == "Vengo por tos" {
				errOnce.Do(func() {
					_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"error","message":"rate limited"}`))
					close(errSent)
				})
				continue
			}
			if n == 1 {
				continue
			}
			select {
			case later <- m.Text:
			default:
			}
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	src := &mock.Source{Rate: 16000, Samples: make(chan []float32, 4)}
	a, err := app.New(testConfig(wsURL(sttSrv)+"/ws/stt", wsURL(aiSrv)+"/ws/ai"),
		app.WithSource(src),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := runAsync(ctx, a)

	stopFeed := make(chan struct{})
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		chunk := make([]float32, 3200)
		for {
			select {
			case <-stopFeed:
				return
			case src.Samples <- chunk:
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case text := <-later:
		if text != "Sin fiebre" {
			t.Errorf("forwarded after error = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript reached the assistant after its error event")
	}
	if got := conns.Load(); got < 2 {
		t.Errorf("assistant connections = %d, want the channel reopened", got)
	}

	close(stopFeed)
	<-feedDone
	cancel()
	<-runErr
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func runAsync(ctx context.Context, a *app.App) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- a.Run(ctx) }()
	return ch
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_Sources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		source  config.AudioSource
		wantErr bool
	}{
		{name: "wav", source: config.SourceWAV},
		{name: "portaudio", source: config.SourcePortAudio},
		{name: "unknown", source: "tape", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig("ws://localhost/stt", "ws://localhost/ai")
			cfg.Audio.Source = tt.source
			cfg.Audio.WAVPath = "testdata/consulta.wav"

			a, err := app.New(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if a.SessionID() == "" {
				t.Error("expected a generated session id")
			}
		})
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	old := testConfig("ws://localhost/stt", "ws://localhost/ai")
	next := testConfig("ws://localhost/stt", "ws://localhost/ai")
	next.Server.LogLevel = config.LogDebug
	next.Reconciler.Decay = 20 * time.Millisecond

	var lv slog.LevelVar
	metrics, reader := newTestMetrics(t)
	a, err := app.New(old, app.WithSource(&mock.Source{Rate: 16000}), app.WithLevelVar(&lv), app.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rc := a.Reconciler()
	rc.ApplyDelta("afiliacion.motivoConsulta", "Control")

	a.ApplyConfig(old, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if got := counterTotal(t, reader, "consultia.config.reloads"); got != 1 {
		t.Errorf("config reloads = %d, want 1", got)
	}

	// The second write is marked updated and decays with the new period.
	rc.ApplyDelta("afiliacion.motivoConsulta", "Control anual")
	waitFor(t, "decay", func() bool {
		for _, f := range rc.Snapshot() {
			if f.Path == "afiliacion.motivoConsulta" {
				return f.Status == reconcile.StatusNew
			}
		}
		return false
	})
}

func TestApplyConfig_NoChange(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://localhost/stt", "ws://localhost/ai")
	metrics, reader := newTestMetrics(t)
	a, err := app.New(cfg, app.WithSource(&mock.Source{Rate: 16000}), app.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.ApplyConfig(cfg, cfg)
	if got := counterTotal(t, reader, "consultia.config.reloads"); got != 0 {
		t.Errorf("config reloads = %d, want 0", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
