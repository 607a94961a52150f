package wav

import (
	"context"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

// Source replays a fixed set of frames as an rtc.FrameSource. Paced sources
// emit one frame per FrameDuration tick like a live microphone; unpaced
// sources emit as fast as the consumer reads.
type Source struct {
	frames []rtc.AudioFrame
	paced  bool
	clock  clock.WithTicker
}

var _ rtc.FrameSource = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// Unpaced disables real-time pacing.
func Unpaced() SourceOption {
	return func(s *Source) { s.paced = false }
}

// WithClock sets the clock used for pacing.
func WithClock(clk clock.WithTicker) SourceOption {
	return func(s *Source) { s.clock = clk }
}

// NewSource returns a paced source over frames.
func NewSource(frames []rtc.AudioFrame, opts ...SourceOption) *Source {
	s := &Source{
		frames: frames,
		paced:  true,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSource reads a WAV file into a paced source.
func OpenSource(filename string, opts ...SourceOption) (*Source, error) {
	frames, _, err := ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return NewSource(frames, opts...), nil
}

// Len returns the number of frames the source will emit.
func (s *Source) Len() int {
	return len(s.frames)
}

// Frames starts emitting. The channel is closed after the last frame or when
// ctx is cancelled.
func (s *Source) Frames(ctx context.Context) (<-chan rtc.AudioFrame, error) {
	out := make(chan rtc.AudioFrame)

	go func() {
		defer close(out)

		var tick <-chan time.Time
		if s.paced {
			ticker := s.clock.NewTicker(FrameDuration)
			defer ticker.Stop()
			tick = ticker.C()
		}

		for _, frame := range s.frames {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()

	return out, nil
}

// ToneFrames synthesizes d of a mono sine tone as 10ms frames.
func ToneFrames(hz, amplitude float64, d time.Duration, rate int) []rtc.AudioFrame {
	return synthesize(d, rate, func(i int) float32 {
		return float32(amplitude * math.Sin(2*math.Pi*hz*float64(i)/float64(rate)))
	})
}

// SilenceFrames synthesizes d of digital silence as 10ms frames.
func SilenceFrames(d time.Duration, rate int) []rtc.AudioFrame {
	return synthesize(d, rate, func(int) float32 { return 0 })
}

func synthesize(d time.Duration, rate int, sample func(i int) float32) []rtc.AudioFrame {
	if rate <= 0 {
		rate = rtc.DefaultSampleRate
	}
	perFrame := rate * int(FrameDuration/time.Millisecond) / 1000
	count := int(d / FrameDuration)

	frames := make([]rtc.AudioFrame, count)
	for f := range frames {
		samples := make([]float32, perFrame)
		for i := range samples {
			samples[i] = sample(f*perFrame + i)
		}
		frames[f] = rtc.AudioFrame{
			Samples:     samples,
			SampleRate:  rate,
			NumChannels: 1,
			Timestamp:   time.Duration(f) * FrameDuration,
		}
	}
	return frames
}
