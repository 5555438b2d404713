// Package capture drives a microphone (or any other [Source]) through the
// audio pipeline and forwards finished frames to a [FrameSink].
//
// A [Session] owns one source for its lifetime: [Session.Start] acquires the
// device and starts a pump goroutine, [Session.Stop] releases it. Device
// failures are reported to the caller of Start as an [*Error]; the session
// never retries on its own.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/consultia/pkg/audio"
)

// ErrAlreadyStarted is returned by [Session.Start] when the session is running.
var ErrAlreadyStarted = errors.New("capture: session already started")

// Source produces mono or interleaved float samples in [-1, 1].
//
// Implementations must close the returned channel once Close is called or
// ctx is cancelled, and must be safe for Close to be called from another
// goroutine than the one reading the channel.
type Source interface {
	// Open acquires the device and starts delivering chunks.
	Open(ctx context.Context) (<-chan []float32, error)

	// SampleRate returns the native rate of the delivered samples in Hz.
	SampleRate() int

	// Name identifies the device in logs and errors.
	Name() string

	// Close releases the device. Safe to call more than once.
	Close() error
}

// FrameSink accepts finished frames. SendFrame must not block; it reports
// whether the frame was handed to the network.
type FrameSink interface {
	SendFrame(frame audio.AudioFrame) bool
}

// Error reports a failure to acquire a capture device.
type Error struct {
	Device string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("capture: open device %q: %v", e.Device, e.Err)
}

// Unwrap returns the underlying device error.
func (e *Error) Unwrap() error { return e.Err }

// Stats counts frames produced by a [Session].
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Option configures a [Session].
type Option func(*Session)

// WithFrameObserver registers fn to be called for every produced frame with
// whether the sink accepted it. fn runs on the pump goroutine.
func WithFrameObserver(fn func(frame audio.AudioFrame, sent bool)) Option {
	return func(s *Session) { s.observe = fn }
}

// Session streams frames from one [Source] to one [FrameSink].
type Session struct {
	src     Source
	sink    FrameSink
	framing audio.Framing
	observe func(audio.AudioFrame, bool)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New creates a capture session. framing selects the frame size; use
// [audio.Batch200ms] or [audio.Stream20ms].
func New(src Source, sink FrameSink, framing audio.Framing, opts ...Option) *Session {
	s := &Session{src: src, sink: sink, framing: framing}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start acquires the source and begins forwarding frames. A device failure is
// returned as an [*Error].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	ch, err := s.src.Open(ctx)
	if err != nil {
		return &Error{Device: s.src.Name(), Err: err}
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	pipeline := audio.NewPipeline(s.src.SampleRate(), s.framing)
	slog.Info("capture started",
		"device", s.src.Name(),
		"native_rate", s.src.SampleRate(),
		"framing", s.framing.String(),
	)
	go s.pump(pumpCtx, ch, pipeline, s.done)
	return nil
}

// Stop releases the source and waits for the pump goroutine to exit.
// Calling Stop on a stopped session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	err := s.src.Close()
	<-done

	st := s.Stats()
	slog.Info("capture stopped",
		"device", s.src.Name(),
		"frames_sent", st.Sent,
		"frames_dropped", st.Dropped,
	)
	if err != nil {
		return fmt.Errorf("capture: close %q: %w", s.src.Name(), err)
	}
	return nil
}

// Running reports whether the session is between Start and Stop.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns frame counters since the session was created.
func (s *Session) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func (s *Session) pump(ctx context.Context, ch <-chan []float32, p *audio.Pipeline, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			// Unblock a source still trying to deliver; it closes ch on Close.
			go func() {
				for range ch {
				}
			}()
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			for _, f := range p.Process(chunk) {
				sent := s.sink.SendFrame(f)
				if sent {
					s.sent.Add(1)
				} else {
					s.dropped.Add(1)
				}
				if s.observe != nil {
					s.observe(f, sent)
				}
			}
		}
	}
}
