package rtc

import (
	"encoding/binary"
	"time"
)

// pcmMaxAmplitude is the scale between float samples and signed 16-bit PCM.
const pcmMaxAmplitude = 32767.0

// Downmix averages interleaved channels into a mono signal.
// Mono input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// ResampleLinear converts mono samples between rates using linear interpolation.
func ResampleLinear(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}

	n := int(float64(len(samples)) * float64(toRate) / float64(fromRate))
	if n == 0 {
		return []float32{}
	}

	out := make([]float32, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + frac*(samples[idx+1]-samples[idx])
	}
	return out
}

// EncodePCM16 clamps float samples to [-1, 1] and encodes them as
// little-endian signed 16-bit PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * pcmMaxAmplitude)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM to float samples.
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / pcmMaxAmplitude
	}
	return out
}

// PCM16Duration returns the playback duration of n bytes of mono PCM16 at rate.
func PCM16Duration(n, rate int) time.Duration {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
