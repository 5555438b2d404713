// Package assistant is the AI event channel. Transcripts are forwarded as
// {"type","text"} JSON messages; the server answers with assistant tokens,
// form updates, field deltas, insights and errors.
package assistant

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/consultia/pkg/transport"
)

// Message is an outbound transcript forwarded to the assistant.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

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

// Client is a reconnecting connection to the AI assistant.
type Client struct {
	sess *transport.Session

	mu   sync.Mutex
	text strings.Builder
}

// New creates an unconnected client for url.
func New(url string, opts ...Option) *Client {
	c := &Client{}
	cfg := transport.Config{
		Name:      "assistant",
		URL:       url,
		SessionID: uuid.NewString(),
		Decode:    c.decode,
	}
	for _, o := range opts {
		o(&cfg)
	}
	c.sess = transport.New(cfg)
	return c
}

// decode folds assistant token streams into the text buffer before the
// events are delivered, so Text is current by the time a consumer sees them.
func (c *Client) decode(_ websocket.MessageType, data []byte) []transport.Event {
	events := transport.Decode(data)
	for _, ev := range events {
		switch ev.Kind {
		case transport.KindAssistantReset:
			c.mu.Lock()
			c.text.Reset()
			c.mu.Unlock()
		case transport.KindAssistantToken:
			c.mu.Lock()
			c.text.WriteString(ev.Delta)
			c.mu.Unlock()
		}
	}
	return events
}

// Connect opens the channel. See [transport.Session.Connect].
func (c *Client) Connect(ctx context.Context) error { return c.sess.Connect(ctx) }

// SendPartial forwards an interim transcript. It is dropped unless the
// channel is open or finishes connecting before ctx ends.
func (c *Client) SendPartial(ctx context.Context, text string) bool {
	return c.send(ctx, Message{Type: "partial", Text: text})
}

// SendFinal forwards a final transcript.
func (c *Client) SendFinal(ctx context.Context, text string) bool {
	return c.send(ctx, Message{Type: "final", Text: text})
}

func (c *Client) send(ctx context.Context, m Message) bool {
	data, err := json.Marshal(m)
	if err != nil {
		return false
	}
	return c.sess.SendText(ctx, data)
}

// Events returns every decoded inbound event.
func (c *Client) Events() <-chan transport.Event { return c.sess.Events() }

// Text returns the assistant reply accumulated since the last reset.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

// Session exposes the underlying transport session for state observation.
func (c *Client) Session() *transport.Session { return c.sess }

// Close closes the channel.
func (c *Client) Close(ctx context.Context) error { return c.sess.Close(ctx) }
