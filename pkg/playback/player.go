// Package playback defines the sink the turn controller streams assistant
// audio into, and a real-time in-memory Player implementing it.
package playback

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

// Sink plays PCM16 mono audio. All methods must be non-blocking.
type Sink interface {
	// Reset arms the sink for a new session, discarding any queued audio.
	Reset()
	// Queue appends audio to the playback buffer.
	Queue(pcm []byte) error
	// Play starts consuming the buffer.
	Play() error
	// Stop halts playback and discards queued audio. It does not report finished.
	Stop() error
}

// Drainer is implemented by sinks that need to know when a response has no
// more audio coming, so they can report finished once the buffer runs dry.
type Drainer interface {
	Drain()
}

// ErrClosed is returned by Queue and Play after the player's loop has exited.
var ErrClosed = errors.New("playback: player closed")

// DefaultFrameDuration is the playback tick.
const DefaultFrameDuration = 10 * time.Millisecond

// MaxVolume is the largest gain a player applies.
const MaxVolume = 2.0

// PlayerConfig configures a Player.
type PlayerConfig struct {
	SampleRate    int           // defaults to rtc.DefaultSampleRate
	FrameDuration time.Duration // defaults to DefaultFrameDuration
	Volume        *float32      // nil means 1.0; clamped to [0, MaxVolume]
	Output        io.Writer     // optional; receives played PCM16
	OnFinished    func()        // called once the buffer drains after Drain
	Logger        *zap.Logger
	Clock         clock.WithTicker
}

// Player consumes queued PCM16 at real-time speed, one frame per tick.
type Player struct {
	mu         sync.Mutex
	buf        []byte
	playing    bool
	draining   bool
	closed     bool
	volume     float32
	played     int
	frameBytes int

	cfg    PlayerConfig
	logger *zap.Logger
}

var (
	_ Sink    = (*Player)(nil)
	_ Drainer = (*Player)(nil)
)

// NewPlayer creates a player. Call Run to start the playback loop.
func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = rtc.DefaultSampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	volume := float32(1)
	if cfg.Volume != nil {
		volume = clampVolume(*cfg.Volume)
	}
	samples := int(cfg.FrameDuration * time.Duration(cfg.SampleRate) / time.Second)
	return &Player{
		cfg:        cfg,
		logger:     cfg.Logger,
		volume:     volume,
		frameBytes: samples * 2,
	}
}

// Reset implements Sink.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = p.buf[:0]
	p.playing = false
	p.draining = false
}

// Queue implements Sink.
func (p *Player) Queue(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.buf = append(p.buf, pcm...)
	return nil
}

// Play implements Sink.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.playing = true
	return nil
}

// Stop implements Sink.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) > 0 {
		p.logger.Debug("playback stopped", zap.Duration("discarded", rtc.PCM16Duration(len(p.buf), p.cfg.SampleRate)))
	}
	p.buf = p.buf[:0]
	p.playing = false
	p.draining = false
	return nil
}

// Drain implements Drainer.
func (p *Player) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draining = true
}

// SetVolume adjusts the playback volume (0.0 to 1.0).
func (p *Player) SetVolume(volume float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = clampVolume(volume)
}

func clampVolume(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > MaxVolume:
		return MaxVolume
	}
	return v
}

// Playing reports whether the player is consuming its buffer.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Buffered returns the duration of audio waiting to be played.
func (p *Player) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return rtc.PCM16Duration(len(p.buf), p.cfg.SampleRate)
}

// Played returns the total number of PCM16 bytes played.
func (p *Player) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Run plays one frame per FrameDuration until ctx is done.
func (p *Player) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.NewTicker(p.cfg.FrameDuration)
	defer ticker.Stop()
	defer func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := p.Step(); err != nil {
				return err
			}
		}
	}
}

// Step plays a single frame. Run calls it on every tick.
func (p *Player) Step() error {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return nil
	}

	n := p.frameBytes
	if n > len(p.buf) {
		n = len(p.buf)
	}
	var frame []byte
	if n > 0 {
		frame = scaleVolume(p.buf[:n], p.volume)
		p.buf = p.buf[n:]
		p.played += n
	}

	finished := len(p.buf) == 0 && p.draining
	if finished {
		p.playing = false
		p.draining = false
	}
	p.mu.Unlock()

	if frame != nil && p.cfg.Output != nil {
		if _, err := p.cfg.Output.Write(frame); err != nil {
			return err
		}
	}
	if finished {
		p.logger.Debug("playback finished")
		if p.cfg.OnFinished != nil {
			p.cfg.OnFinished()
		}
	}
	return nil
}

// scaleVolume returns a copy of PCM16 data scaled by volume.
func scaleVolume(pcm []byte, volume float32) []byte {
	out := make([]byte, len(pcm)&^1)
	if volume == 1.0 {
		copy(out, pcm)
		return out
	}

	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8

		// int64 keeps the intermediate product from overflowing at MaxVolume
		scaled := int64(sample) * int64(volume*32768) / 32768
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		s := int16(scaled)

		out[i] = byte(s)
		out[i+1] = byte(s >> 8)
	}
	return out
}
