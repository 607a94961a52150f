// Package fake registers the in-memory realtime channel and the fake voice
// activity detectors, so the simulator and tests can run without a provider.
package fake

import (
	"fmt"
	"time"

	vadfake "github.com/chriscow/realtime-voice-go/pkg/ai/vad/fake"
	"github.com/chriscow/realtime-voice-go/pkg/plugin"
	"github.com/chriscow/realtime-voice-go/pkg/realtime"
	channelfake "github.com/chriscow/realtime-voice-go/pkg/realtime/fake"
)

// newFakeChannel creates a fake realtime channel from configuration.
func newFakeChannel(cfg map[string]any) (any, error) {
	var opts []channelfake.Option

	failConnects, err := plugin.Int(cfg, "fail_connects", 0)
	if err != nil {
		return nil, err
	}
	if failConnects > 0 {
		opts = append(opts, channelfake.WithFailConnects(failConnects, &realtime.ConnectionError{
			Code:   503,
			Reason: "simulated outage",
		}))
	}

	if serverVAD, _ := cfg["server_vad"].(bool); serverVAD {
		opts = append(opts, channelfake.WithServerVAD())
	}

	if respond, _ := cfg["respond"].(bool); respond || cfg["respond"] == nil {
		reply, err := plugin.String(cfg, "reply", channelfake.DefaultReply)
		if err != nil {
			return nil, err
		}
		user, err := plugin.String(cfg, "user_transcript", "")
		if err != nil {
			return nil, err
		}
		chunks, err := plugin.Int(cfg, "chunks", channelfake.DefaultChunks)
		if err != nil {
			return nil, err
		}
		interval, err := duration(cfg, "interval", 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, channelfake.WithResponder(channelfake.Responder{
			UserTranscript: user,
			Reply:          reply,
			Chunks:         chunks,
			Interval:       interval,
		}))
	}

	return channelfake.New(opts...), nil
}

// newFakeDetector creates a scripted detector from configuration.
// The "script" key holds a string of 's' (speech) and '.' (silence) characters.
func newFakeDetector(cfg map[string]any) (any, error) {
	script, err := plugin.String(cfg, "script", "")
	if err != nil {
		return nil, err
	}
	return vadfake.NewDetector(vadfake.ParseScript(script)...), nil
}

// newRandomDetector creates a seeded random detector from configuration.
func newRandomDetector(cfg map[string]any) (any, error) {
	p, err := plugin.Float(cfg, "speech_probability", vadfake.DefaultSpeechProbability)
	if err != nil {
		return nil, err
	}
	seed, err := plugin.Int(cfg, "seed", vadfake.DefaultSeed)
	if err != nil {
		return nil, err
	}
	return vadfake.NewRandomDetector(p, int64(seed)), nil
}

func duration(cfg map[string]any, key string, def time.Duration) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return def, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config %q: %w", key, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("config %q: expected a duration, got %T", key, v)
	}
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindChannel,
		Name:        "fake",
		Factory:     newFakeChannel,
		Description: "In-memory realtime channel that answers every committed turn with a tone",
		Version:     "1.0.0",
		Config: map[string]any{
			"fail_connects":   0,
			"respond":         true,
			"reply":           channelfake.DefaultReply,
			"user_transcript": "",
			"chunks":          channelfake.DefaultChunks,
			"interval":        "0s",
			"server_vad":      false,
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindDetector,
		Name:        "fake",
		Factory:     newFakeDetector,
		Description: "Scripted detector for tests",
		Version:     "1.0.0",
		Config: map[string]any{
			"script": "",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindDetector,
		Name:        "random",
		Factory:     newRandomDetector,
		Description: "Seeded random speech detector for simulations",
		Version:     "1.0.0",
		Config: map[string]any{
			"speech_probability": vadfake.DefaultSpeechProbability,
			"seed":               vadfake.DefaultSeed,
		},
	})
}
