// Package stt is the audio channel: PCM16 frames go out as binary messages
// and partial/final transcripts come back.
package stt

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/transport"
)

// EndOfStream is the text sentinel that asks the server to flush and finish
// the current utterance.
const EndOfStream = "__END__"

// Option is a functional option for configuring a [Client].
type Option func(*transport.Config)

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(c *transport.Config) { c.SessionID = id }
}

// WithSessionParam sets the query key carrying the session id.
func WithSessionParam(key string) Option {
	return func(c *transport.Config) { c.SessionParam = key }
}

// WithEndOfStream replaces the [EndOfStream] sentinel. An empty string
// disables it.
func WithEndOfStream(marker string) Option {
	return func(c *transport.Config) { c.EndOfStream = marker }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(c *transport.Config) {
		c.BaseDelay = base
		c.MaxDelay = max
	}
}

// WithDialOptions passes options through to the WebSocket dialer.
func WithDialOptions(o *websocket.DialOptions) Option {
	return func(c *transport.Config) { c.DialOptions = o }
}

// Client streams audio frames to a speech-to-text server.
type Client struct {
	sess *transport.Session
}

// New creates an unconnected client for url. A random session id is used
// unless [WithSessionID] is given.
func New(url string, opts ...Option) *Client {
	cfg := transport.Config{
		Name:        "stt",
		URL:         url,
		SessionID:   uuid.NewString(),
		EndOfStream: EndOfStream,
		Decode:      decodeTranscripts,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Client{sess: transport.New(cfg)}
}

// decodeTranscripts keeps the events an STT server is expected to send.
func decodeTranscripts(_ websocket.MessageType, data []byte) []transport.Event {
	events := transport.Decode(data)
	out := events[:0]
	for _, ev := range events {
		switch ev.Kind {
		case transport.KindPartial, transport.KindFinal, transport.KindStatus, transport.KindError:
			out = append(out, ev)
		}
	}
	return out
}

// Connect opens the channel. See [transport.Session.Connect].
func (c *Client) Connect(ctx context.Context) error { return c.sess.Connect(ctx) }

// SendFrame sends one PCM16 frame. Frames are dropped while the channel is
// not open.
func (c *Client) SendFrame(f audio.AudioFrame) bool { return c.sess.Send(f.Data) }

// Transcripts returns partial, final, status and error events.
func (c *Client) Transcripts() <-chan transport.Event { return c.sess.Events() }

// Session exposes the underlying transport session for state observation.
func (c *Client) Session() *transport.Session { return c.sess }

// Close sends the end-of-stream sentinel and closes the channel.
func (c *Client) Close(ctx context.Context) error { return c.sess.Close(ctx) }
