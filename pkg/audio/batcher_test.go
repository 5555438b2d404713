package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/consultia/pkg/audio"
)

func TestToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"clamp positive", 2.5, 32767},
		{"clamp negative", -7, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"tiny positive truncates", 1e-5, 0},
		{"tiny negative truncates", -1e-5, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.ToPCM16([]float32{tc.in}))
			if len(got) != 1 || got[0] != tc.want {
				t.Errorf("ToPCM16(%v) = %v, want [%d]", tc.in, got, tc.want)
			}
		})
	}
}

func TestToPCM16_LittleEndian(t *testing.T) {
	t.Parallel()

	b := audio.ToPCM16([]float32{1})
	if b[0] != 0xFF || b[1] != 0x7F {
		t.Errorf("bytes = %#x %#x, want 0xff 0x7f", b[0], b[1])
	}
}

func TestFloat32FromPCM16_RoundTripSign(t *testing.T) {
	t.Parallel()

	got := audio.Float32FromPCM16(audio.ToPCM16([]float32{-1, 0, 0.5}))
	if got[0] != -1 || got[1] != 0 || got[2] <= 0.49 || got[2] >= 0.51 {
		t.Errorf("got %v", got)
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()

	got := audio.Downmix([]float32{0.2, 0.4, -1, 1, 0.5}, 2)
	want := []float32{0.3, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if d := got[i] - want[i]; d > 1e-6 || d < -1e-6 {
			t.Errorf("frame %d = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestFraming_Samples(t *testing.T) {
	t.Parallel()

	if n := audio.Batch200ms.Samples(); n != 3200 {
		t.Errorf("Batch200ms.Samples() = %d, want 3200", n)
	}
	if n := audio.Stream20ms.Samples(); n != 320 {
		t.Errorf("Stream20ms.Samples() = %d, want 320", n)
	}
}

func TestBatcher_EmitsExactTargetAndKeepsRemainder(t *testing.T) {
	t.Parallel()

	b := audio.NewBatcher(16000, 4)
	if frames := b.Push(make([]float32, 3)); frames != nil {
		t.Fatalf("expected no frame before target, got %d", len(frames))
	}

	frames := b.Push(make([]float32, 6))
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if f.Samples() != 4 {
			t.Errorf("frame %d samples = %d, want 4", i, f.Samples())
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d format = %d/%d", i, f.SampleRate, f.Channels)
		}
	}
	if b.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", b.Pending())
	}
	if frames[1].Timestamp != 250*time.Microsecond {
		t.Errorf("second frame timestamp = %v, want 250µs", frames[1].Timestamp)
	}
}

func TestBatcher_Reset(t *testing.T) {
	t.Parallel()

	b := audio.NewBatcher(16000, 10)
	b.Push(make([]float32, 5))
	b.Reset()
	if b.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", b.Pending())
	}
}

func TestPipeline_Batch200ms(t *testing.T) {
	t.Parallel()

	p := audio.NewPipeline(48000, audio.Batch200ms)

	// 9599 native samples: one short of a full 200 ms chunk.
	if frames := p.Process(make([]float32, 9599)); len(frames) != 0 {
		t.Fatalf("frames = %d, want 0", len(frames))
	}
	frames := p.Process(make([]float32, 1))
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if len(frames[0].Data) != 6400 {
		t.Errorf("frame bytes = %d, want 6400", len(frames[0].Data))
	}
	if frames[0].Duration() != 200*time.Millisecond {
		t.Errorf("frame duration = %v, want 200ms", frames[0].Duration())
	}
}

func TestPipeline_Batch200ms_44100(t *testing.T) {
	t.Parallel()

	p := audio.NewPipeline(44100, audio.Batch200ms)
	frames := p.Process(make([]float32, 8820*3))
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Samples() != 3200 {
			t.Errorf("frame %d samples = %d, want 3200", i, f.Samples())
		}
	}
}

func TestPipeline_Stream20ms(t *testing.T) {
	t.Parallel()

	p := audio.NewPipeline(48000, audio.Stream20ms)

	// AudioWorklet-sized 128-sample render quanta: 960 native samples per 20 ms.
	var frames []audio.AudioFrame
	for range 15 {
		frames = append(frames, p.Process(make([]float32, 128))...)
	}
	// 1920 native samples → 640 output samples → exactly 2 frames.
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if f.Samples() != 320 {
			t.Errorf("frame %d samples = %d, want 320", i, f.Samples())
		}
	}
	if frames[1].Timestamp != 20*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 20ms", frames[1].Timestamp)
	}
}

func TestPipeline_Reset(t *testing.T) {
	t.Parallel()

	p := audio.NewPipeline(48000, audio.Batch200ms)
	p.Process(make([]float32, 9000))
	p.Reset()
	if frames := p.Process(make([]float32, 600)); len(frames) != 0 {
		t.Errorf("frames after Reset = %d, want 0", len(frames))
	}
}
