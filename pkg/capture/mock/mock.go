// Package mock provides in-memory test doubles for [capture.Source] and
// [capture.FrameSink].
//
// Both mocks are safe for concurrent use and expose exported fields that the
// test sets before use and inspects afterwards.
//
// Typical usage:
//
//	samples := make(chan []float32, 4)
//	src := &mock.Source{Rate: 48000, Samples: samples}
//	sink := &mock.Sink{Accept: true}
//	sess := capture.New(src, sink, audio.Batch200ms)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/capture"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [capture.Source].
type Source struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// DeviceName is returned by Name. Defaults to "mock".
	DeviceName string

	// Samples is the channel returned by Open. The test writes chunks to it;
	// Close closes it.
	Samples chan []float32

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closeOnce sync.Once
}

// Open implements [capture.Source].
func (s *Source) Open(_ context.Context) (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Samples == nil {
		s.Samples = make(chan []float32)
	}
	return s.Samples, nil
}

// SampleRate implements [capture.Source].
func (s *Source) SampleRate() int { return s.Rate }

// Name implements [capture.Source].
func (s *Source) Name() string {
	if s.DeviceName == "" {
		return "mock"
	}
	return s.DeviceName
}

// Close implements [capture.Source]. The samples channel is closed once.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	ch := s.Samples
	s.mu.Unlock()
	if ch != nil {
		s.closeOnce.Do(func() { close(ch) })
	}
	return s.CloseErr
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [capture.FrameSink].
type Sink struct {
	mu sync.Mutex

	// Accept is returned by SendFrame.
	Accept bool

	// Frames holds every frame passed to SendFrame, accepted or not.
	Frames []audio.AudioFrame
}

// SendFrame implements [capture.FrameSink].
func (s *Sink) SendFrame(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, frame)
	return s.Accept
}

// Len returns the number of frames received so far.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

var (
	_ capture.Source    = (*Source)(nil)
	_ capture.FrameSink = (*Sink)(nil)
)
