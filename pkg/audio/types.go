package audio

import "time"

// TargetSampleRate is the sample rate expected by the speech-to-text backend.
const TargetSampleRate = 16000

// AudioFrame is one transmission-ready block of audio. Frames are produced by
// a [Batcher], handed to a transport exactly once, then discarded.
type AudioFrame struct {
	// Data holds 16-bit signed little-endian PCM samples.
	Data []byte

	// SampleRate in Hz (16000 for every frame leaving the pipeline).
	SampleRate int

	// Channels is always 1; the wire format is mono.
	Channels int

	// Timestamp marks the start of this frame relative to the first sample
	// the producing [Batcher] ever received.
	Timestamp time.Duration
}

// Samples returns the number of PCM16 samples carried by f.
func (f AudioFrame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the playback length of f.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
