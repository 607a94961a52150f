// Package transcript accumulates streamed user and assistant transcript deltas.
package transcript

import (
	"strings"

	"github.com/chriscow/realtime-voice-go/internal/mpsc"
)

// Role identifies which side of the conversation a transcript belongs to.
type Role int

const (
	User Role = iota
	Assistant
)

func (r Role) String() string {
	if r == Assistant {
		return "assistant"
	}
	return "user"
}

// ChangeFunc is called with the full transcript text after it changes.
type ChangeFunc func(role Role, text string)

type transcript struct {
	text    strings.Builder
	pending *mpsc.Queue[string]
}

// Accumulator holds the running user and assistant transcripts.
//
// AppendUser and AppendAssistant may be called from any goroutine. Every
// other method belongs to the owner's serialized goroutine.
type Accumulator struct {
	user      transcript
	assistant transcript
	onChange  ChangeFunc
}

// New creates an accumulator. onChange may be nil.
func New(onChange ChangeFunc) *Accumulator {
	return &Accumulator{
		user:      transcript{pending: mpsc.New[string]()},
		assistant: transcript{pending: mpsc.New[string]()},
		onChange:  onChange,
	}
}

// AppendUser queues a user transcript delta.
func (a *Accumulator) AppendUser(delta string) {
	a.user.pending.Push(delta)
}

// AppendAssistant queues an assistant transcript delta.
func (a *Accumulator) AppendAssistant(delta string) {
	a.assistant.pending.Push(delta)
}

// ResetUser clears the user transcript, drops queued user deltas and notifies
// with the empty string.
func (a *Accumulator) ResetUser() {
	a.reset(User, &a.user)
}

// ResetAssistant clears the assistant transcript, drops queued assistant
// deltas and notifies with the empty string.
func (a *Accumulator) ResetAssistant() {
	a.reset(Assistant, &a.assistant)
}

// CurrentUser returns the user transcript as of the last Drain.
func (a *Accumulator) CurrentUser() string {
	return a.user.text.String()
}

// CurrentAssistant returns the assistant transcript as of the last Drain.
func (a *Accumulator) CurrentAssistant() string {
	return a.assistant.text.String()
}

// Drain applies queued deltas in arrival order. Each transcript that received
// a non-empty batch is reported once with its full text.
func (a *Accumulator) Drain() {
	a.drain(User, &a.user)
	a.drain(Assistant, &a.assistant)
}

func (a *Accumulator) drain(role Role, t *transcript) {
	batch := t.pending.Drain()
	if len(batch) == 0 {
		return
	}
	for _, delta := range batch {
		t.text.WriteString(delta)
	}
	a.notify(role, t.text.String())
}

func (a *Accumulator) reset(role Role, t *transcript) {
	t.pending.Clear()
	t.text.Reset()
	a.notify(role, "")
}

func (a *Accumulator) notify(role Role, text string) {
	if a.onChange != nil {
		a.onChange(role, text)
	}
}
