// Package transport implements a resilient duplex WebSocket session used for
// both the speech-to-text audio channel and the AI event channel.
//
// A [Session] owns exactly one connection at a time and is the only writer of
// its [State]. It offers fire-and-forget sends gated on the open state,
// reconnects with capped exponential backoff after unexpected termination,
// and demultiplexes inbound payloads into typed [Event] values via [Decode].
//
// State machine:
//
//	idle ──Connect──▶ connecting ──ok──▶ open ──Close──▶ closing ──▶ closed
//	                      │                │
//	                      └─fail─▶ error   └─drop─▶ closed | error
//	                                 │                    │
//	                                 └──▶ reconnecting ◀──┘ (non-manual, non-clean)
//	                                          │ backoff
//	                                          ▼
//	                                      connecting
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Defaults for [Config] fields left at their zero value.
const (
	DefaultBaseDelay    = 200 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultSessionParam = "session"

	defaultWriteTimeout = 5 * time.Second
	defaultEventBuffer  = 64
	subscriberBuffer    = 32
)

// ErrNotOpen is returned by [Session.Write] when the session is not open.
var ErrNotOpen = errors.New("transport: session not open")

// Config configures a [Session].
type Config struct {
	// Name identifies the session in logs (e.g. "stt", "assistant").
	Name string

	// URL is the ws:// or wss:// endpoint.
	URL string

	// SessionID, when set, is sent as the SessionParam query parameter.
	SessionID string

	// SessionParam is the query key for SessionID. Default: "session".
	SessionParam string

	// BaseDelay and MaxDelay bound the reconnect backoff.
	// Defaults: 200ms and 5s.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// EndOfStream, when non-empty, is sent as a text message before a manual
	// close so the server can flush pending work.
	EndOfStream string

	// WriteTimeout bounds a single write. Default: 5s.
	WriteTimeout time.Duration

	// Decode turns an inbound message into events. Default: [Decode].
	Decode func(typ websocket.MessageType, data []byte) []Event

	// EventBuffer is the capacity of the Events channel. Default: 64.
	EventBuffer int

	// DialOptions are passed to [websocket.Dial].
	DialOptions *websocket.DialOptions
}

// Stats counts traffic through a [Session].
type Stats struct {
	Sent       uint64
	Dropped    uint64
	Received   uint64
	Reconnects uint64
}

// Session is a reconnecting duplex WebSocket session. All methods are safe
// for concurrent use.
type Session struct {
	cfg    Config
	events chan Event

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         uint64
	attempt     int
	manualClose bool
	opened      chan struct{}
	readDone    chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	subs        map[int]chan Transition
	nextSub     int

	sent       atomic.Uint64
	dropped    atomic.Uint64
	received   atomic.Uint64
	reconnects atomic.Uint64
}

// New creates an idle session. No network activity happens until Connect.
func New(cfg Config) *Session {
	if cfg.SessionParam == "" {
		cfg.SessionParam = DefaultSessionParam
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Decode == nil {
		cfg.Decode = func(_ websocket.MessageType, data []byte) []Event { return Decode(data) }
	}
	return &Session{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		state:  StateIdle,
		subs:   make(map[int]chan Transition),
	}
}

// Name returns the configured session name.
func (s *Session) Name() string { return s.cfg.Name }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the channel of decoded inbound events. It is shared across
// reconnects and never closed.
func (s *Session) Events() <-chan Event { return s.events }

// Stats returns traffic counters since the session was created.
func (s *Session) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Dropped:    s.dropped.Load(),
		Received:   s.received.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

// Subscribe returns a channel receiving every subsequent state transition.
// When the subscriber falls behind, the oldest pending transition is
// discarded. Call cancel to unsubscribe; the channel is then closed.
func (s *Session) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Connect opens the connection. It is a no-op when the session is already
// open or connecting. ctx bounds the whole session lifetime: the dial, the
// read loop and any later automatic reconnects. A dial failure is returned
// and also schedules a reconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	if s.conn != nil {
		// Leftover connection after an application error; replace it.
		stale := s.conn
		s.conn = nil
		s.gen++
		go stale.Close(websocket.StatusNormalClosure, "reconnecting")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.manualClose = false
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	return s.dial()
}

// dial performs one connection attempt.
func (s *Session) dial() error {
	s.mu.Lock()
	if s.manualClose || s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	ctx := s.ctx
	opened := make(chan struct{})
	s.opened = opened
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	defer close(opened)

	endpoint, err := s.endpoint()
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateError)
		s.mu.Unlock()
		return fmt.Errorf("transport %s: %w", s.cfg.Name, err)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, s.cfg.DialOptions)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.manualClose {
			return fmt.Errorf("transport %s: dial: %w", s.cfg.Name, err)
		}
		slog.Warn("transport: dial failed", "session", s.cfg.Name, "attempt", s.attempt, "err", err)
		s.setStateLocked(StateError)
		s.scheduleReconnectLocked()
		return fmt.Errorf("transport %s: dial: %w", s.cfg.Name, err)
	}
	if s.manualClose || ctx.Err() != nil {
		go conn.Close(websocket.StatusNormalClosure, "session closed")
		return nil
	}

	s.conn = conn
	s.gen++
	s.attempt = 0
	s.readDone = make(chan struct{})
	s.setStateLocked(StateOpen)
	slog.Info("transport: connected", "session", s.cfg.Name, "url", s.cfg.URL)

	go s.readLoop(ctx, conn, s.gen, s.readDone)
	return nil
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if s.cfg.SessionID != "" {
		q := u.Query()
		q.Set(s.cfg.SessionParam, s.cfg.SessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readLoop decodes inbound messages until the connection terminates.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.handleTermination(gen, err)
			return
		}
		s.received.Add(1)
		for _, ev := range s.cfg.Decode(typ, data) {
			if ev.Kind == KindError {
				slog.Warn("transport: application error", "session", s.cfg.Name, "message", ev.Message)
				s.mu.Lock()
				if s.gen == gen && s.state == StateOpen {
					s.setStateLocked(StateError)
				}
				s.mu.Unlock()
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleTermination reacts to the read loop of connection gen ending.
func (s *Session) handleTermination(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.manualClose || s.state == StateClosing {
		return
	}
	s.conn = nil

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		slog.Info("transport: closed by peer", "session", s.cfg.Name, "status", status)
		s.setStateLocked(StateClosed)
		return
	}
	slog.Warn("transport: connection lost", "session", s.cfg.Name, "err", err)
	s.setStateLocked(StateError)
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms a one-shot reconnect timer. The timer does not
// get cancelled when superseded; fireReconnect re-checks the state instead.
func (s *Session) scheduleReconnectLocked() {
	if s.manualClose || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	delay := Backoff(s.attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)
	s.attempt++
	s.reconnects.Add(1)
	s.setStateLocked(StateReconnecting)
	slog.Info("transport: reconnect scheduled", "session", s.cfg.Name, "attempt", s.attempt, "delay", delay)
	time.AfterFunc(delay, s.fireReconnect)
}

func (s *Session) fireReconnect() {
	s.mu.Lock()
	skip := s.manualClose || s.state == StateOpen || s.state == StateConnecting || s.ctx.Err() != nil
	s.mu.Unlock()
	if skip {
		return
	}
	_ = s.dial()
}

// Send writes payload as a binary message. It never queues: when the session
// is not open, or the write fails, the payload is dropped and Send reports
// false.
func (s *Session) Send(payload []byte) bool {
	return s.send(websocket.MessageBinary, payload)
}

// SendText writes payload as a text message. If a connection attempt is in
// flight it first waits for that attempt to settle (or ctx to end); the
// payload is dropped if the session is still not open.
func (s *Session) SendText(ctx context.Context, payload []byte) bool {
	s.mu.Lock()
	state, opened := s.state, s.opened
	s.mu.Unlock()

	if state == StateConnecting && opened != nil {
		select {
		case <-opened:
		case <-ctx.Done():
			s.dropped.Add(1)
			return false
		}
	}
	return s.send(websocket.MessageText, payload)
}

func (s *Session) send(typ websocket.MessageType, payload []byte) bool {
	if err := s.Write(typ, payload); err != nil {
		s.dropped.Add(1)
		if !errors.Is(err, ErrNotOpen) {
			slog.Debug("transport: write failed", "session", s.cfg.Name, "err", err)
		}
		return false
	}
	s.sent.Add(1)
	return true
}

// Write sends one message on the open connection, returning [ErrNotOpen]
// when there is none.
func (s *Session) Write(typ websocket.MessageType, payload []byte) error {
	s.mu.Lock()
	conn, ctx := s.conn, s.ctx
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, typ, payload); err != nil {
		return fmt.Errorf("transport %s: write: %w", s.cfg.Name, err)
	}
	return nil
}

// Close shuts the session down and suppresses automatic reconnects until the
// next Connect. It sends the configured end-of-stream marker, performs the
// close handshake and waits for the read loop to observe termination,
// bounded by ctx. The session always ends in [StateClosed].
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.manualClose = true
	conn, readDone := s.conn, s.readDone
	s.conn = nil
	if conn == nil {
		s.setStateLocked(StateClosed)
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosing)
	s.mu.Unlock()

	if s.cfg.EndOfStream != "" {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		if err := conn.Write(wctx, websocket.MessageText, []byte(s.cfg.EndOfStream)); err != nil {
			slog.Debug("transport: end of stream not delivered", "session", s.cfg.Name, "err", err)
		}
		cancel()
	}

	var ctxErr error
	closed := make(chan error, 1)
	go func() { closed <- conn.Close(websocket.StatusNormalClosure, "client closing") }()
	select {
	case err := <-closed:
		if err != nil {
			slog.Debug("transport: close handshake incomplete", "session", s.cfg.Name, "err", err)
		}
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if readDone != nil {
		select {
		case <-readDone:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
	}

	s.mu.Lock()
	s.gen++
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	slog.Info("transport: closed", "session", s.cfg.Name)
	if ctxErr != nil {
		return fmt.Errorf("transport %s: close: %w", s.cfg.Name, ctxErr)
	}
	return nil
}

// setStateLocked records a transition and fans it out to subscribers.
// Must be called with s.mu held.
func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	tr := Transition{From: s.state, To: to, At: time.Now()}
	s.state = to
	slog.Debug("transport: state", "session", s.cfg.Name, "from", tr.From, "to", tr.To)
	for _, ch := range s.subs {
		select {
		case ch <- tr:
		default:
			// Drop the oldest to keep the newest transitions.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- tr:
			default:
			}
		}
	}
}
