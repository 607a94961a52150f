package rtc

import (
	"context"
	"fmt"
	"time"
)

// DefaultSampleRate is the rate the realtime channel expects for PCM16 input and output.
const DefaultSampleRate = 24000

// AudioFrame is one block of captured audio as delivered by the capture callback.
// Samples are interleaved float32 values in [-1, 1];
// len(Samples) == SamplesPerChannel() * NumChannels.
// Frames are treated as immutable once handed to the turn controller.
//
// A zero Timestamp means "live"; otherwise it is the offset from the start of the stream.
type AudioFrame struct {
	Samples     []float32
	SampleRate  int           // 0 means DefaultSampleRate
	NumChannels int           // 1 or 2 in practice
	Timestamp   time.Duration // optional
}

// NewAudioFrame builds a frame from the raw capture callback arguments
// (samples, sampleCount, channelCount). sampleCount counts every interleaved
// sample across channels and must be a multiple of channelCount.
// The samples are copied so the caller may reuse its buffer.
func NewAudioFrame(samples []float32, sampleCount, channelCount, sampleRate int) (*AudioFrame, error) {
	if channelCount < 1 {
		return nil, fmt.Errorf("AudioFrame channel count must be positive, got %d", channelCount)
	}
	if sampleCount < 0 || sampleCount > len(samples) {
		return nil, fmt.Errorf("AudioFrame sample count %d out of range for %d samples", sampleCount, len(samples))
	}
	if sampleCount%channelCount != 0 {
		return nil, fmt.Errorf("AudioFrame sample count %d is not a multiple of %d channels", sampleCount, channelCount)
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	data := make([]float32, sampleCount)
	copy(data, samples[:sampleCount])

	return &AudioFrame{
		Samples:     data,
		SampleRate:  sampleRate,
		NumChannels: channelCount,
	}, nil
}

// NumSamples returns the total number of interleaved samples.
func (f *AudioFrame) NumSamples() int {
	return len(f.Samples)
}

// SamplesPerChannel returns the number of sample frames per channel.
func (f *AudioFrame) SamplesPerChannel() int {
	if f.NumChannels <= 0 {
		return 0
	}
	return len(f.Samples) / f.NumChannels
}

// Rate returns the sample rate, substituting DefaultSampleRate for zero.
func (f *AudioFrame) Rate() int {
	if f.SampleRate <= 0 {
		return DefaultSampleRate
	}
	return f.SampleRate
}

// Duration returns the playback duration of the frame.
func (f *AudioFrame) Duration() time.Duration {
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.Rate())
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]float32, len(f.Samples))
	copy(data, f.Samples)

	return &AudioFrame{
		Samples:     data,
		SampleRate:  f.SampleRate,
		NumChannels: f.NumChannels,
		Timestamp:   f.Timestamp,
	}
}

// PCM16Mono down-mixes the frame to mono, resamples it to targetRate (0 keeps the
// frame's rate) and encodes it as 16-bit little-endian PCM, the wire format the
// realtime channel and the utterance buffer use.
func (f *AudioFrame) PCM16Mono(targetRate int) []byte {
	mono := Downmix(f.Samples, f.NumChannels)
	if targetRate > 0 && targetRate != f.Rate() {
		mono = ResampleLinear(mono, f.Rate(), targetRate)
	}
	return EncodePCM16(mono)
}

// FrameSource produces captured audio frames until ctx is cancelled or the
// source is exhausted, at which point the channel is closed.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan AudioFrame, error)
}
