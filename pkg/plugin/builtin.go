package plugin

import (
	"fmt"

	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
)

func init() {
	RegisterWithMetadata(&Plugin{
		Kind:        KindDetector,
		Name:        "rms",
		Factory:     newRMSDetector,
		Description: "Energy detector: a frame is speech when its RMS exceeds the threshold",
		Version:     "1.0.0",
		Config: map[string]any{
			"threshold": vad.DefaultThreshold,
		},
	})
}

func newRMSDetector(cfg map[string]any) (any, error) {
	threshold, err := Float(cfg, "threshold", vad.DefaultThreshold)
	if err != nil {
		return nil, err
	}
	return vad.NewRMSDetector(threshold), nil
}

// Float reads a numeric config value, accepting the integer and float types
// produced by YAML and JSON decoders.
func Float(cfg map[string]any, key string, def float64) (float64, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("config %q: expected a number, got %T", key, v)
	}
}

// Int reads an integer config value.
func Int(cfg map[string]any, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("config %q: expected an integer, got %T", key, v)
	}
}

// String reads a string config value.
func String(cfg map[string]any, key, def string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config %q: expected a string, got %T", key, v)
	}
	return s, nil
}
