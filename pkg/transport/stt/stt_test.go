package stt_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/transport"
	"github.com/MrWong99/consultia/pkg/transport/stt"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type received struct {
	typ  websocket.MessageType
	data []byte
}

func TestClient_StreamsFramesAndEndsWithSentinel(t *testing.T) {
	t.Parallel()

	msgs := make(chan received, 8)
	query := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.Query().Get("session")
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			msgs <- received{typ, data}
		}
	})

	c := stt.New(wsURL(srv) + "/ws/stt")
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	frame := audio.AudioFrame{Data: audio.ToPCM16([]float32{0.5, -0.5}), SampleRate: 16000, Channels: 1}
	if !c.SendFrame(frame) {
		t.Fatal("SendFrame reported failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if sid := <-query; sid == "" {
		t.Error("no session id in query")
	}
	first := <-msgs
	if first.typ != websocket.MessageBinary || len(first.data) != 4 {
		t.Errorf("first message = %v %v, want 4 binary bytes", first.typ, first.data)
	}
	select {
	case end := <-msgs:
		if end.typ != websocket.MessageText || string(end.data) != stt.EndOfStream {
			t.Errorf("last message = %v %q, want text %q", end.typ, end.data, stt.EndOfStream)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("end of stream never arrived")
	}
}

func TestClient_FiltersNonTranscriptEvents(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"assistant_token","delta":"x"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"text":"tengo fiebre","is_final":false}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"form_delta","changes":[]}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte("tengo fiebre hace dos días"))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c := stt.New(wsURL(srv), stt.WithSessionID("fixed"), stt.WithEndOfStream(""))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close(context.Background())

	want := []transport.Event{
		{Kind: transport.KindPartial, Text: "tengo fiebre"},
		{Kind: transport.KindFinal, Text: "tengo fiebre hace dos días"},
	}
	for i, w := range want {
		select {
		case ev := <-c.Transcripts():
			if ev.Kind != w.Kind || ev.Text != w.Text {
				t.Errorf("event %d = %+v, want %+v", i, ev, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestClient_DropsFramesWhileDisconnected(t *testing.T) {
	t.Parallel()

	c := stt.New("ws://127.0.0.1:1")
	if c.SendFrame(audio.AudioFrame{Data: []byte{0, 0}}) {
		t.Error("SendFrame succeeded without a connection")
	}
	if got := c.Session().Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}
