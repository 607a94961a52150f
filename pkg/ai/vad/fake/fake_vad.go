package fake

import (
	"math/rand"
	"sync"

	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

const (
	// DefaultSpeechProbability is the default probability of speech detection per frame
	DefaultSpeechProbability = 0.3
	// HysteresisFrames is the minimum number of frames a random detector holds a signal
	HysteresisFrames = 5
	// DefaultSeed is the deterministic seed for reproducible testing
	DefaultSeed = 42
)

// Detector replays a scripted sequence of signals, one per evaluated frame.
// Once the script is exhausted it keeps returning the final signal, or
// Silent if the script was empty.
type Detector struct {
	mu     sync.Mutex
	script []vad.Signal
	pos    int
	calls  int
}

// NewDetector creates a scripted detector.
func NewDetector(script ...vad.Signal) *Detector {
	return &Detector{script: script}
}

// Speech returns a script of n Speaking signals followed by m Silent ones.
func Speech(n, m int) []vad.Signal {
	out := make([]vad.Signal, 0, n+m)
	for i := 0; i < n; i++ {
		out = append(out, vad.Speaking)
	}
	for i := 0; i < m; i++ {
		out = append(out, vad.Silent)
	}
	return out
}

// Evaluate implements vad.Detector.
func (d *Detector) Evaluate(*rtc.AudioFrame) vad.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if len(d.script) == 0 {
		return vad.Silent
	}
	if d.pos >= len(d.script) {
		return d.script[len(d.script)-1]
	}
	s := d.script[d.pos]
	d.pos++
	return s
}

// Push appends signals to the remaining script.
func (d *Detector) Push(signals ...vad.Signal) {
	d.mu.Lock()
	d.script = append(d.script, signals...)
	d.mu.Unlock()
}

// Calls returns how many frames were evaluated.
func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// RandomDetector emits speech segments at random using a seeded RNG so runs
// are reproducible. A signal is held for at least HysteresisFrames frames.
type RandomDetector struct {
	mu                sync.Mutex
	speechProbability float64
	rng               *rand.Rand
	current           vad.Signal
	held              int
}

// NewRandomDetector creates a random detector.
// speechProbability controls how often speech is detected (0.0 to 1.0).
func NewRandomDetector(speechProbability float64, seed int64) *RandomDetector {
	if speechProbability <= 0 {
		speechProbability = DefaultSpeechProbability
	}
	return &RandomDetector{
		speechProbability: speechProbability,
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// Evaluate implements vad.Detector.
func (d *RandomDetector) Evaluate(*rtc.AudioFrame) vad.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.held++
	if d.held <= HysteresisFrames {
		return d.current
	}

	next := vad.Silent
	if d.rng.Float64() < d.speechProbability {
		next = vad.Speaking
	}
	if next != d.current {
		d.current = next
		d.held = 0
	}
	return d.current
}

// ParseScript converts a compact script into signals: 's' or 'S' is
// Speaking, any other character is Silent.
func ParseScript(script string) []vad.Signal {
	out := make([]vad.Signal, 0, len(script))
	for _, r := range script {
		if r == 's' || r == 'S' {
			out = append(out, vad.Speaking)
		} else {
			out = append(out, vad.Silent)
		}
	}
	return out
}
