// Package wavfile replays a WAV recording as a [capture.Source], optionally
// paced at real-time speed so downstream services see live-like traffic.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/capture"
)

const defaultChunkFrames = 1024

// ErrInvalidFile is returned by Open when the file is not a PCM WAV file.
var ErrInvalidFile = errors.New("wavfile: not a valid PCM WAV file")

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithRealtime paces chunk delivery at the recording's own speed.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// WithChunkFrames sets how many sample frames each delivered chunk carries.
func WithChunkFrames(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.chunkFrames = n
		}
	}
}

// Source decodes a WAV file and delivers mono float chunks.
type Source struct {
	path        string
	realtime    bool
	chunkFrames int

	mu      sync.Mutex
	rate    int
	file    *os.File
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a source for the WAV file at path. The file is opened by Open.
func New(path string, opts ...Option) *Source {
	s := &Source{path: path, chunkFrames: defaultChunkFrames}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [capture.Source].
func (s *Source) Name() string { return "wav:" + s.path }

// SampleRate implements [capture.Source]. It is zero until Open succeeds.
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Open validates the WAV header and starts decoding in the background.
func (s *Source) Open(ctx context.Context) (<-chan []float32, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, ErrInvalidFile
	}
	if dec.BitDepth == 0 || dec.NumChans == 0 || dec.SampleRate == 0 {
		f.Close()
		return nil, ErrInvalidFile
	}

	s.mu.Lock()
	s.rate = int(dec.SampleRate)
	s.file = f
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.once = sync.Once{}
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	out := make(chan []float32, 4)
	go s.decodeLoop(ctx, dec, f, out, done, stopped)
	return out, nil
}

func (s *Source) decodeLoop(ctx context.Context, dec *wav.Decoder, f *os.File, out chan<- []float32, done, stopped chan struct{}) {
	defer close(stopped)
	defer close(out)
	defer f.Close()

	channels := int(dec.NumChans)
	scale := float32(int64(1) << (dec.BitDepth - 1))
	buf := &goaudio.IntBuffer{
		Format:         dec.Format(),
		Data:           make([]int, s.chunkFrames*channels),
		SourceBitDepth: int(dec.BitDepth),
	}
	pace := time.Duration(s.chunkFrames) * time.Second / time.Duration(dec.SampleRate)

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(pace)
		defer ticker.Stop()
	}

	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil || n == 0 {
			return
		}
		samples := make([]float32, n)
		for i, v := range buf.Data[:n] {
			samples[i] = float32(v) / scale
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		select {
		case out <- audio.Downmix(samples, channels):
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

// Close stops decoding and releases the file.
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
