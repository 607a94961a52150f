// Package config loads rtvoice settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chriscow/realtime-voice-go/pkg/ai"
	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	"github.com/chriscow/realtime-voice-go/pkg/playback"
	"github.com/chriscow/realtime-voice-go/pkg/realtime"
	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

// Environment variables applied over the file.
const (
	EnvModel          = "RTVOICE_MODEL"
	EnvVADMode        = "RTVOICE_VAD_MODE"
	EnvVADThreshold   = "RTVOICE_VAD_THRESHOLD"
	EnvSilenceTimeout = "RTVOICE_SILENCE_TIMEOUT"
	EnvLogLevel       = "RTVOICE_LOG_LEVEL"
)

// Duration is a time.Duration written as a string ("800ms") in YAML.
type Duration time.Duration

// UnmarshalYAML parses strings with time.ParseDuration. Bare integers are
// read as milliseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if ms, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root of the configuration file.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Session  SessionConfig  `yaml:"session"`
	VAD      VADConfig      `yaml:"vad"`
	Retry    RetryConfig    `yaml:"retry"`
	Channel  ChannelConfig  `yaml:"channel"`
	Playback PlaybackConfig `yaml:"playback"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type SessionConfig struct {
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions,omitempty"`
	Voice        string `yaml:"voice"`
	SampleRate   int    `yaml:"sample_rate"`
}

type VADConfig struct {
	Mode           string          `yaml:"mode"`
	Threshold      float64         `yaml:"threshold"`
	SilenceTimeout Duration        `yaml:"silence_timeout"`
	Server         ServerVADConfig `yaml:"server"`
}

// ServerVADConfig holds the provider-side detection settings used in server mode.
type ServerVADConfig struct {
	Threshold         float64  `yaml:"threshold"`
	PrefixPadding     Duration `yaml:"prefix_padding"`
	Silence           Duration `yaml:"silence"`
	CreateResponse    bool     `yaml:"create_response"`
	InterruptResponse bool     `yaml:"interrupt_response"`
}

type RetryConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
	Jitter        float32  `yaml:"jitter"`
}

// ChannelConfig selects a realtime channel plugin and its options.
type ChannelConfig struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options,omitempty"`
}

type PlaybackConfig struct {
	FrameDuration Duration `yaml:"frame_duration"`
	Volume        float64  `yaml:"volume"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	v := vad.DefaultConfig()
	s := realtime.DefaultSessionConfig()
	r := ai.DefaultRetryConfig

	return &Config{
		LogLevel: "info",
		Session: SessionConfig{
			Model:      s.Model,
			Voice:      s.Voice,
			SampleRate: s.SampleRate,
		},
		VAD: VADConfig{
			Mode:           string(v.Mode),
			Threshold:      v.Threshold,
			SilenceTimeout: Duration(v.SilenceTimeout),
			Server: ServerVADConfig{
				Threshold:         v.ServerThreshold,
				PrefixPadding:     Duration(v.PrefixPadding),
				Silence:           Duration(v.ServerSilence),
				CreateResponse:    v.ServerCreateResponse,
				InterruptResponse: v.ServerInterruptResponse,
			},
		},
		Retry: RetryConfig{
			MaxRetries:    r.MaxRetries,
			InitialDelay:  Duration(r.InitialDelay),
			MaxDelay:      Duration(r.MaxDelay),
			BackoffFactor: r.BackoffFactor,
			Jitter:        r.JitterPercent,
		},
		Channel: ChannelConfig{Plugin: "fake"},
		Playback: PlaybackConfig{
			FrameDuration: Duration(10 * time.Millisecond),
			Volume:        1.0,
		},
	}
}

// Load reads path over Default, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvModel); ok && v != "" {
		c.Session.Model = v
	}
	if v, ok := os.LookupEnv(EnvVADMode); ok && v != "" {
		c.VAD.Mode = v
	}
	if v, ok := os.LookupEnv(EnvVADThreshold); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVADThreshold, err)
		}
		c.VAD.Threshold = f
	}
	if v, ok := os.LookupEnv(EnvSilenceTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSilenceTimeout, err)
		}
		c.VAD.SilenceTimeout = Duration(d)
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.VADConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.Model == "" {
		errs = append(errs, errors.New("session.model is required"))
	}
	if c.Session.SampleRate < 8000 || c.Session.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d outside 8000-48000", c.Session.SampleRate))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, errors.New("retry.initial_delay must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.initial_delay"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0, 1]"))
	}
	if c.Channel.Plugin == "" {
		errs = append(errs, errors.New("channel.plugin is required"))
	}
	if c.Playback.FrameDuration <= 0 {
		errs = append(errs, errors.New("playback.frame_duration must be positive"))
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > playback.MaxVolume {
		errs = append(errs, fmt.Errorf("playback.volume must be within [0, %g]", playback.MaxVolume))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// VADConfig converts the vad section and validates it.
func (c *Config) VADConfig() (vad.Config, error) {
	mode, err := vad.ParseMode(c.VAD.Mode)
	if err != nil {
		return vad.Config{}, err
	}
	v := vad.Config{
		Mode:                    mode,
		Threshold:               c.VAD.Threshold,
		SilenceTimeout:          time.Duration(c.VAD.SilenceTimeout),
		ServerThreshold:         c.VAD.Server.Threshold,
		PrefixPadding:           time.Duration(c.VAD.Server.PrefixPadding),
		ServerSilence:           time.Duration(c.VAD.Server.Silence),
		ServerCreateResponse:    c.VAD.Server.CreateResponse,
		ServerInterruptResponse: c.VAD.Server.InterruptResponse,
	}
	if err := v.Validate(); err != nil {
		return vad.Config{}, err
	}
	return v, nil
}

// SessionConfig returns the realtime session parameters. The VAD section must
// already be valid.
func (c *Config) SessionConfig() realtime.SessionConfig {
	s := realtime.DefaultSessionConfig()
	s.Model = c.Session.Model
	s.Instructions = c.Session.Instructions
	s.Voice = c.Session.Voice
	s.SampleRate = c.Session.SampleRate
	if s.SampleRate == 0 {
		s.SampleRate = rtc.DefaultSampleRate
	}
	if v, err := c.VADConfig(); err == nil {
		s.VAD = v
	}
	return s
}

// RetryConfig returns the supervisor backoff policy.
func (c *Config) RetryConfig() ai.RetryConfig {
	return ai.RetryConfig{
		MaxRetries:    c.Retry.MaxRetries,
		InitialDelay:  time.Duration(c.Retry.InitialDelay),
		MaxDelay:      time.Duration(c.Retry.MaxDelay),
		BackoffFactor: c.Retry.BackoffFactor,
		JitterPercent: c.Retry.Jitter,
	}
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
