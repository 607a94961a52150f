package voice

import (
	"math"
	"sync/atomic"
)

// Snapshot is the controller state as seen by the audio goroutine.
// State holds the controller's state enum; Generation identifies the
// connection attempt the state belongs to.
type Snapshot struct {
	State      int32
	Generation uint64
}

// Gate publishes controller state to the capture path without locks.
// The controller is the single writer of the snapshot; the audio goroutine
// reads it on every frame and writes the diagnostic mic level.
type Gate struct {
	snap  atomic.Pointer[Snapshot]
	level atomic.Uint64 // float64 bits
}

// NewGate creates a gate holding the zero snapshot.
func NewGate() *Gate {
	g := &Gate{}
	g.snap.Store(&Snapshot{})
	return g
}

// Publish replaces the snapshot. Readers see either the old or the new pair,
// never a mix of the two.
func (g *Gate) Publish(state int32, generation uint64) {
	g.snap.Store(&Snapshot{State: state, Generation: generation})
}

// Load returns the current snapshot.
func (g *Gate) Load() Snapshot {
	return *g.snap.Load()
}

// SetLevel records the RMS of the latest captured frame.
func (g *Gate) SetLevel(rms float64) {
	g.level.Store(math.Float64bits(rms))
}

// Level returns the RMS of the latest captured frame.
func (g *Gate) Level() float64 {
	return math.Float64frombits(g.level.Load())
}
