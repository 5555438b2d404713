// Package audio converts native-rate microphone samples into the fixed-size
// 16 kHz PCM16 frames streamed to the speech-to-text backend.
//
// The pipeline has three stages:
//
//   - [Resample]: average-based decimation of float samples between rates.
//   - [ToPCM16]: clamp and quantize float samples to little-endian int16.
//   - [Batcher]: accumulate resampled samples into frames of exactly N samples.
//
// [Pipeline] glues the stages together for one capture stream, using one of
// the [Framing] presets ([Batch200ms] or [Stream20ms]).
package audio

// Resample converts mono float samples from inRate to outRate by averaging.
//
// For output index i the source window is [floor(i*r), floor((i+1)*r)) with
// r = inRate/outRate; the output sample is the mean of that window, or the
// window's first sample when the window is empty (upsampling). The result has
// floor(len(in)*outRate/inRate) samples; trailing input that does not fill a
// whole output sample is dropped, so callers needing continuity should use a
// [StreamResampler]. When the rates match the input is returned unchanged.
func Resample(in []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate {
		return in
	}
	n := outputLen(len(in), inRate, outRate)
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	resampleInto(out, in, inRate, outRate)
	return out
}

// outputLen returns floor(inLen*outRate/inRate) without float rounding error.
func outputLen(inLen, inRate, outRate int) int {
	return int(int64(inLen) * int64(outRate) / int64(inRate))
}

// windowStart returns floor(i*inRate/outRate).
func windowStart(i, inRate, outRate int) int {
	return int(int64(i) * int64(inRate) / int64(outRate))
}

func resampleInto(out, in []float32, inRate, outRate int) {
	for i := range out {
		start := windowStart(i, inRate, outRate)
		end := windowStart(i+1, inRate, outRate)
		if end > len(in) {
			end = len(in)
		}
		if end <= start {
			out[i] = in[start]
			continue
		}
		var sum float64
		for _, s := range in[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
}

// StreamResampler applies [Resample] to a continuous stream delivered in
// arbitrarily sized chunks. Input samples that do not yet complete an output
// window are kept and prepended to the next chunk, so consecutive calls
// produce the same windows as one call over the concatenated input.
//
// A StreamResampler is not safe for concurrent use.
type StreamResampler struct {
	inRate  int
	outRate int
	carry   []float32
}

// NewStreamResampler creates a resampler from inRate to outRate.
func NewStreamResampler(inRate, outRate int) *StreamResampler {
	return &StreamResampler{inRate: inRate, outRate: outRate}
}

// Process resamples chunk together with any input retained from the previous
// call and returns the completed output samples.
func (r *StreamResampler) Process(chunk []float32) []float32 {
	if r.inRate <= 0 || r.outRate <= 0 || r.inRate == r.outRate {
		return chunk
	}
	buf := append(r.carry, chunk...)
	n := outputLen(len(buf), r.inRate, r.outRate)
	out := make([]float32, n)
	resampleInto(out, buf, r.inRate, r.outRate)

	consumed := windowStart(n, r.inRate, r.outRate)
	r.carry = append(r.carry[:0:0], buf[consumed:]...)
	return out
}

// Pending returns the number of input samples waiting for the next call.
func (r *StreamResampler) Pending() int {
	return len(r.carry)
}

// Reset discards retained input.
func (r *StreamResampler) Reset() {
	r.carry = nil
}
