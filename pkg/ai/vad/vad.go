package vad

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

// Mode selects who decides where a user turn starts and ends.
type Mode string

const (
	// ModeLocal evaluates RMS energy on the capture path and ends the turn after a silence timeout.
	ModeLocal Mode = "local"
	// ModeServer streams all audio and relies on the provider's speech events.
	ModeServer Mode = "server"
	// ModeManual is push-to-talk: the caller marks the start and end of each turn.
	ModeManual Mode = "manual"
)

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLocal, ModeServer, ModeManual:
		return m, nil
	case "":
		return ModeLocal, nil
	default:
		return "", fmt.Errorf("unknown vad mode %q", s)
	}
}

// Signal is the per-frame output of a detector.
type Signal int

const (
	Silent Signal = iota
	Speaking
)

func (s Signal) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "silent"
}

// Default values for the local and server-side detectors.
const (
	DefaultThreshold      = 0.02
	DefaultSilenceTimeout = 800 * time.Millisecond

	DefaultServerThreshold = 0.5
	DefaultPrefixPadding   = 300 * time.Millisecond
	DefaultServerSilence   = 400 * time.Millisecond
)

// Config holds voice activity settings for one session. The Server* fields
// are passed through to the provider when Mode is ModeServer.
type Config struct {
	Mode           Mode
	Threshold      float64       // linear RMS; a frame is speech when RMS > Threshold
	SilenceTimeout time.Duration // local mode only

	ServerThreshold         float64
	PrefixPadding           time.Duration
	ServerSilence           time.Duration
	ServerCreateResponse    bool
	ServerInterruptResponse bool
}

// DefaultConfig returns a local-mode config with provider defaults for the server fields.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeLocal,
		Threshold:               DefaultThreshold,
		SilenceTimeout:          DefaultSilenceTimeout,
		ServerThreshold:         DefaultServerThreshold,
		PrefixPadding:           DefaultPrefixPadding,
		ServerSilence:           DefaultServerSilence,
		ServerInterruptResponse: true,
	}
}

// ValidationError reports an invalid Config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vad config: %s %s", e.Field, e.Message)
}

// Validate checks the fields relevant to the configured mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
		if c.Threshold <= 0 || c.Threshold >= 1 || math.IsNaN(c.Threshold) {
			return &ValidationError{Field: "threshold", Message: fmt.Sprintf("must be in (0, 1), got %v", c.Threshold)}
		}
		if c.SilenceTimeout <= 0 {
			return &ValidationError{Field: "silence_timeout", Message: fmt.Sprintf("must be positive, got %v", c.SilenceTimeout)}
		}
	case ModeServer:
		if c.ServerThreshold < 0 || c.ServerThreshold > 1 {
			return &ValidationError{Field: "server_threshold", Message: fmt.Sprintf("must be in [0, 1], got %v", c.ServerThreshold)}
		}
		if c.PrefixPadding < 0 {
			return &ValidationError{Field: "prefix_padding", Message: "must not be negative"}
		}
		if c.ServerSilence <= 0 {
			return &ValidationError{Field: "server_silence", Message: fmt.Sprintf("must be positive, got %v", c.ServerSilence)}
		}
	case ModeManual:
	default:
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	return nil
}

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Evaluate classifies a block of samples against threshold.
func Evaluate(samples []float32, threshold float64) Signal {
	if RMS(samples) > threshold {
		return Speaking
	}
	return Silent
}

// Detector classifies captured frames. Implementations are called from the
// audio goroutine and must not block.
type Detector interface {
	Evaluate(frame *rtc.AudioFrame) Signal
}

// RMSDetector is the energy detector used in local mode.
type RMSDetector struct {
	threshold float64
}

// NewRMSDetector returns a detector that reports speech when frame RMS exceeds threshold.
func NewRMSDetector(threshold float64) *RMSDetector {
	return &RMSDetector{threshold: threshold}
}

// Threshold returns the configured threshold.
func (d *RMSDetector) Threshold() float64 { return d.threshold }

// Evaluate implements Detector. All channels contribute to the RMS.
func (d *RMSDetector) Evaluate(frame *rtc.AudioFrame) Signal {
	if frame == nil {
		return Silent
	}
	return Evaluate(frame.Samples, d.threshold)
}
