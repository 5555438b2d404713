// Package portaudio provides a microphone [capture.Source] backed by the
// PortAudio default input device.
//
// Building this package requires cgo and the native PortAudio library.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/capture"
)

const (
	defaultSampleRate      = 48000
	defaultChannels        = 1
	defaultFramesPerBuffer = 1024
)

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithSampleRate sets the device sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithChannels sets the number of input channels; multi-channel input is
// downmixed to mono.
func WithChannels(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.channels = n
		}
	}
}

// WithFramesPerBuffer sets the PortAudio buffer size in frames.
func WithFramesPerBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.framesPerBuffer = n
		}
	}
}

// Source reads the default PortAudio input device.
type Source struct {
	rate            int
	channels        int
	framesPerBuffer int

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a microphone source. The device is not touched until Open.
func New(opts ...Option) *Source {
	s := &Source{
		rate:            defaultSampleRate,
		channels:        defaultChannels,
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate implements [capture.Source].
func (s *Source) SampleRate() int { return s.rate }

// Name implements [capture.Source].
func (s *Source) Name() string { return "portaudio:default" }

// Open initialises PortAudio and starts the default input stream.
func (s *Source) Open(ctx context.Context) (<-chan []float32, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]float32, s.framesPerBuffer*s.channels)
	stream, err := pa.OpenDefaultStream(s.channels, 0, float64(s.rate), s.framesPerBuffer, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	s.mu.Lock()
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.once = sync.Once{}
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	out := make(chan []float32, 16)
	go s.readLoop(ctx, stream, buf, out, done, stopped)
	return out, nil
}

// readLoop owns the stream: it is stopped, closed and PortAudio terminated
// when the loop exits.
func (s *Source) readLoop(ctx context.Context, stream *pa.Stream, buf []float32, out chan<- []float32, done, stopped chan struct{}) {
	defer close(stopped)
	defer close(out)
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
		_ = pa.Terminate()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
				continue
			}
			slog.Warn("portaudio: stream read failed", "err", err)
			return
		}

		chunk := make([]float32, len(buf))
		copy(chunk, buf)
		select {
		case out <- audio.Downmix(chunk, s.channels):
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

// Close stops the stream and waits for the read loop to release the device.
func (s *Source) Close() error {
	s.mu.Lock()
	done, stopped := s.done, s.stopped
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	s.once.Do(func() { close(done) })
	<-stopped
	return nil
}

var _ capture.Source = (*Source)(nil)
