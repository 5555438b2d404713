package audio

import (
	"encoding/binary"
	"math"
)

// ToPCM16 quantizes float samples to 16-bit signed little-endian PCM.
// Each sample is clamped to [-1, 1]; negative values scale by 0x8000 and
// non-negative values by 0x7FFF, truncating toward zero.
func ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// Float32FromPCM16 decodes little-endian int16 PCM into float samples in
// [-1, 1). A trailing odd byte is ignored.
func Float32FromPCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 0x8000
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. Incomplete
// trailing frames are dropped. With channels <= 1 the input is returned as is.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
