package audio

import (
	"fmt"
	"math"
	"time"
)

// Framing selects the frame size produced by a [Pipeline].
type Framing struct {
	// SampleRate is the output rate in Hz.
	SampleRate int

	// Duration is the audio length carried by each frame.
	Duration time.Duration

	// Continuous resamples every incoming chunk immediately. When false, input
	// is buffered at the native rate until one full Duration is available and
	// that chunk is resampled as a whole.
	Continuous bool
}

// Framing presets.
var (
	// Batch200ms emits 3200-sample frames after resampling each full 200 ms of
	// native input in one go.
	Batch200ms = Framing{SampleRate: TargetSampleRate, Duration: 200 * time.Millisecond}

	// Stream20ms emits 320-sample frames from a continuously resampled stream.
	Stream20ms = Framing{SampleRate: TargetSampleRate, Duration: 20 * time.Millisecond, Continuous: true}
)

// Samples returns the number of output samples per frame.
func (f Framing) Samples() int {
	return samplesFor(f.SampleRate, f.Duration)
}

// String implements [fmt.Stringer].
func (f Framing) String() string {
	mode := "batch"
	if f.Continuous {
		mode = "stream"
	}
	return fmt.Sprintf("%s/%dHz/%s", mode, f.SampleRate, f.Duration)
}

// samplesFor returns round(rate*d).
func samplesFor(rate int, d time.Duration) int {
	return int(math.Round(float64(rate) * d.Seconds()))
}

// Batcher accumulates resampled samples and emits one [AudioFrame] every time
// exactly target samples are available. Samples beyond the last full frame are
// retained for the next call. It owns no network state.
//
// A Batcher is not safe for concurrent use.
type Batcher struct {
	target  int
	rate    int
	buf     []float32
	emitted int64
}

// NewBatcher creates a batcher producing frames of target samples at rate Hz.
// Target values below 1 are treated as 1.
func NewBatcher(rate, target int) *Batcher {
	if target < 1 {
		target = 1
	}
	return &Batcher{target: target, rate: rate}
}

// Target returns the number of samples per emitted frame.
func (b *Batcher) Target() int { return b.target }

// Pending returns the number of samples buffered towards the next frame.
func (b *Batcher) Pending() int { return len(b.buf) }

// Push appends samples and returns every frame completed by them, in order.
// It returns nil when no frame was completed.
func (b *Batcher) Push(samples []float32) []AudioFrame {
	b.buf = append(b.buf, samples...)
	if len(b.buf) < b.target {
		return nil
	}

	var frames []AudioFrame
	off := 0
	for len(b.buf)-off >= b.target {
		frames = append(frames, AudioFrame{
			Data:       ToPCM16(b.buf[off : off+b.target]),
			SampleRate: b.rate,
			Channels:   1,
			Timestamp:  b.timestamp(),
		})
		b.emitted += int64(b.target)
		off += b.target
	}
	b.buf = append(b.buf[:0], b.buf[off:]...)
	return frames
}

// Reset drops buffered samples and restarts timestamps at zero.
func (b *Batcher) Reset() {
	b.buf = b.buf[:0]
	b.emitted = 0
}

func (b *Batcher) timestamp() time.Duration {
	if b.rate <= 0 {
		return 0
	}
	return time.Duration(b.emitted) * time.Second / time.Duration(b.rate)
}

// Pipeline turns native-rate mono float chunks into frames for one capture
// stream. Both framings share the same [Batcher]; they differ only in how
// input reaches it.
//
// A Pipeline is not safe for concurrent use.
type Pipeline struct {
	inRate  int
	framing Framing

	// batch mode: native samples buffered until chunk is reached.
	chunk   int
	pending []float32

	// stream mode.
	rs *StreamResampler

	batcher *Batcher
}

// NewPipeline creates a pipeline for input captured at inRate Hz.
func NewPipeline(inRate int, f Framing) *Pipeline {
	if f.SampleRate <= 0 {
		f.SampleRate = TargetSampleRate
	}
	p := &Pipeline{
		inRate:  inRate,
		framing: f,
		batcher: NewBatcher(f.SampleRate, f.Samples()),
	}
	if f.Continuous {
		p.rs = NewStreamResampler(inRate, f.SampleRate)
	} else {
		p.chunk = max(samplesFor(inRate, f.Duration), 1)
	}
	return p
}

// Framing returns the framing the pipeline was built with.
func (p *Pipeline) Framing() Framing { return p.framing }

// Process feeds one chunk of native samples and returns completed frames.
func (p *Pipeline) Process(chunk []float32) []AudioFrame {
	if p.rs != nil {
		return p.batcher.Push(p.rs.Process(chunk))
	}

	p.pending = append(p.pending, chunk...)
	var frames []AudioFrame
	off := 0
	for len(p.pending)-off >= p.chunk {
		resampled := Resample(p.pending[off:off+p.chunk], p.inRate, p.framing.SampleRate)
		frames = append(frames, p.batcher.Push(resampled)...)
		off += p.chunk
	}
	p.pending = append(p.pending[:0], p.pending[off:]...)
	return frames
}

// Reset discards all buffered input.
func (p *Pipeline) Reset() {
	p.pending = p.pending[:0]
	if p.rs != nil {
		p.rs.Reset()
	}
	p.batcher.Reset()
}
