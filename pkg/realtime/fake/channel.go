// Package fake provides an in-memory realtime channel for tests and simulation.
// It records every call and can script provider events, including a simple
// auto-responder that answers each committed user turn.
package fake

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	"github.com/chriscow/realtime-voice-go/pkg/realtime"
	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

const (
	// DefaultReply is the assistant transcript streamed by the responder.
	DefaultReply = "This is a fake realtime response"
	// DefaultChunks is the number of audio chunks per synthetic reply.
	DefaultChunks = 10
	// DefaultChunkDuration is the audio length of each synthetic chunk.
	DefaultChunkDuration = 100 * time.Millisecond
	// DefaultToneHz is the frequency of the synthetic reply tone.
	DefaultToneHz = 440.0
)

// Responder describes the synthetic reply streamed after each commit.
// With a zero Interval the whole reply is emitted before
// CommitAndRequestResponse returns; otherwise events are paced on a goroutine.
type Responder struct {
	UserTranscript string
	Reply          string
	Chunks         int
	ChunkDuration  time.Duration
	Interval       time.Duration
}

func (r *Responder) defaults() {
	if r.Reply == "" {
		r.Reply = DefaultReply
	}
	if r.Chunks <= 0 {
		r.Chunks = DefaultChunks
	}
	if r.ChunkDuration <= 0 {
		r.ChunkDuration = DefaultChunkDuration
	}
}

// Option configures a Channel.
type Option func(*Channel)

// WithAutoConnect controls whether Connect immediately reports EventConnected.
// It is on by default.
func WithAutoConnect(on bool) Option {
	return func(c *Channel) { c.autoConnect = on }
}

// WithFailConnects makes the next n Connect attempts report EventConnectionFailed with err.
func WithFailConnects(n int, err *realtime.ConnectionError) Option {
	return func(c *Channel) {
		c.failConnects = n
		c.failErr = err
	}
}

// WithConnectError makes Connect return err synchronously.
func WithConnectError(err error) Option {
	return func(c *Channel) { c.connectErr = err }
}

// WithResponder enables the auto-responder.
func WithResponder(r Responder) Option {
	return func(c *Channel) {
		r.defaults()
		c.responder = &r
	}
}

// WithServerVAD makes the channel detect speech in the audio it receives
// when the session asks for provider turn detection. It reports
// EventSpeechStarted and EventSpeechStopped, and answers on its own when
// the session sets ServerCreateResponse.
func WithServerVAD() Option {
	return func(c *Channel) { c.serverVAD = true }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// Channel is a scripted realtime.Channel. It is safe for concurrent use.
type Channel struct {
	mu sync.Mutex

	logger       *zap.Logger
	autoConnect  bool
	failConnects int
	failErr      *realtime.ConnectionError
	connectErr   error
	responder    *Responder
	serverVAD    bool

	handlers  []realtime.EventHandler
	configs   []realtime.SessionConfig
	active    bool
	sessionID string
	stop      chan struct{}
	session   realtime.SessionConfig
	speaking  bool
	quiet     time.Duration

	calls       []string
	audio       []byte
	audioWrites int
	commits     int
	clears      int
	disconnects int
}

var _ realtime.Channel = (*Channel)(nil)

// New creates a fake channel.
func New(opts ...Option) *Channel {
	c := &Channel{
		logger:      zap.NewNop(),
		autoConnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect implements realtime.Channel.
func (c *Channel) Connect(ctx context.Context, cfg realtime.SessionConfig, handler realtime.EventHandler) error {
	c.mu.Lock()
	c.calls = append(c.calls, "connect")
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	c.handlers = append(c.handlers, handler)
	c.configs = append(c.configs, cfg)

	if c.failConnects > 0 {
		c.failConnects--
		failErr := c.failErr
		if failErr == nil {
			failErr = &realtime.ConnectionError{Code: 503, Reason: "simulated outage"}
		}
		c.mu.Unlock()
		c.logger.Debug("fake channel failing connect", zap.Int("remaining", c.failConnects))
		handler(realtime.Event{Type: realtime.EventConnectionFailed, Err: failErr})
		return nil
	}

	c.active = true
	c.sessionID = "sess_" + uuid.NewString()
	c.stop = make(chan struct{})
	c.session = cfg
	c.speaking = false
	c.quiet = 0
	auto, id := c.autoConnect, c.sessionID
	c.mu.Unlock()

	c.logger.Debug("fake channel connecting", zap.String("session_id", id), zap.String("model", cfg.Model))
	if auto {
		handler(realtime.Event{Type: realtime.EventConnected, SessionID: id})
	}
	return nil
}

// SendAudio implements realtime.Channel.
func (c *Channel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return realtime.ErrNotConnected
	}
	c.audio = append(c.audio, pcm...)
	c.audioWrites++

	if !c.serverVAD || !c.session.TurnDetection() {
		c.mu.Unlock()
		return nil
	}

	var events []realtime.EventType
	loud := vad.RMS(rtc.DecodePCM16(pcm)) > vad.DefaultThreshold
	switch {
	case loud:
		c.quiet = 0
		if !c.speaking {
			c.speaking = true
			events = append(events, realtime.EventSpeechStarted)
		}
	case c.speaking:
		c.quiet += rtc.PCM16Duration(len(pcm), c.session.SampleRate)
		if c.quiet >= c.session.VAD.ServerSilence {
			c.speaking = false
			c.quiet = 0
			events = append(events, realtime.EventSpeechStopped)
		}
	}
	handler, id := c.lastHandler(), c.sessionID
	autoRespond := c.session.VAD.ServerCreateResponse
	c.mu.Unlock()

	for _, t := range events {
		handler(realtime.Event{Type: t, SessionID: id})
		if t == realtime.EventSpeechStopped && autoRespond {
			c.startResponse()
		}
	}
	return nil
}

// CommitAndRequestResponse implements realtime.Channel.
func (c *Channel) CommitAndRequestResponse() error {
	c.mu.Lock()
	c.calls = append(c.calls, "commit")
	if !c.active {
		c.mu.Unlock()
		return realtime.ErrNotConnected
	}
	c.commits++
	c.mu.Unlock()

	c.startResponse()
	return nil
}

// startResponse runs the responder, if any, for the current session.
func (c *Channel) startResponse() {
	c.mu.Lock()
	r, handler, id, stop := c.responder, c.lastHandler(), c.sessionID, c.stop
	c.mu.Unlock()

	if r != nil && handler != nil {
		if r.Interval > 0 {
			go c.respond(*r, handler, id, stop)
		} else {
			c.respond(*r, handler, id, nil)
		}
	}
}

// ClearInputBuffer implements realtime.Channel.
func (c *Channel) ClearInputBuffer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "clear")
	if !c.active {
		return realtime.ErrNotConnected
	}
	c.clears++
	return nil
}

// Disconnect implements realtime.Channel. EventDisconnected is reported
// to the most recent handler.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.calls = append(c.calls, "disconnect")
	if !c.active {
		c.mu.Unlock()
		return realtime.ErrNotConnected
	}
	c.disconnects++
	handler, id := c.closeLocked()
	c.mu.Unlock()

	handler(realtime.Event{Type: realtime.EventDisconnected, SessionID: id})
	return nil
}

// Drop simulates the provider closing the session with err.
func (c *Channel) Drop(err *realtime.ConnectionError) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	handler, id := c.closeLocked()
	c.mu.Unlock()

	handler(realtime.Event{Type: realtime.EventDisconnected, SessionID: id, Err: err})
}

func (c *Channel) closeLocked() (realtime.EventHandler, string) {
	c.active = false
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	return c.lastHandler(), c.sessionID
}

func (c *Channel) lastHandler() realtime.EventHandler {
	if len(c.handlers) == 0 {
		return nil
	}
	return c.handlers[len(c.handlers)-1]
}

// Emit delivers ev to the most recent handler.
func (c *Channel) Emit(ev realtime.Event) {
	c.mu.Lock()
	handler := c.lastHandler()
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// EmitTo delivers ev to the handler passed to the i-th Connect call.
// It is used to replay events from an earlier session.
func (c *Channel) EmitTo(i int, ev realtime.Event) {
	c.mu.Lock()
	var handler realtime.EventHandler
	if i >= 0 && i < len(c.handlers) {
		handler = c.handlers[i]
	}
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// SessionID returns the id of the current or most recent session.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether a session is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Calls returns the control calls in order ("connect", "commit", "clear", "disconnect").
func (c *Channel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Audio returns a copy of all audio received by SendAudio.
func (c *Channel) Audio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.audio...)
}

// AudioWrites returns the number of SendAudio calls accepted.
func (c *Channel) AudioWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioWrites
}

// Commits returns the number of accepted commits.
func (c *Channel) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// Clears returns the number of accepted ClearInputBuffer calls.
func (c *Channel) Clears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// Connects returns the number of Connect calls that reached a handler.
func (c *Channel) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// Config returns the session config passed to the i-th Connect call.
func (c *Channel) Config(i int) realtime.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configs[i]
}

func (c *Channel) respond(r Responder, handler realtime.EventHandler, sessionID string, stop <-chan struct{}) {
	responseID := "resp_" + uuid.NewString()
	itemID := "item_" + uuid.NewString()

	emit := func(ev realtime.Event) bool {
		if stop != nil {
			select {
			case <-stop:
				return false
			case <-time.After(r.Interval):
			}
		}
		ev.SessionID = sessionID
		ev.ResponseID = responseID
		ev.ItemID = itemID
		handler(ev)
		return true
	}

	if r.UserTranscript != "" {
		if !emit(realtime.Event{Type: realtime.EventUserTranscriptDelta, Text: r.UserTranscript}) {
			return
		}
	}

	words := strings.SplitAfter(r.Reply, " ")
	for i := 0; i < r.Chunks; i++ {
		if i < len(words) {
			if !emit(realtime.Event{Type: realtime.EventAssistantTranscriptDelta, Text: words[i]}) {
				return
			}
		}
		if !emit(realtime.Event{Type: realtime.EventAudioChunk, Audio: Tone(DefaultToneHz, r.ChunkDuration, rtc.DefaultSampleRate)}) {
			return
		}
	}
	for i := r.Chunks; i < len(words); i++ {
		if !emit(realtime.Event{Type: realtime.EventAssistantTranscriptDelta, Text: words[i]}) {
			return
		}
	}
	emit(realtime.Event{Type: realtime.EventAudioDone})
}

// Tone returns d of a sine wave at hz encoded as PCM16 mono.
func Tone(hz float64, d time.Duration, sampleRate int) []byte {
	n := int(d * time.Duration(sampleRate) / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
	}
	return rtc.EncodePCM16(samples)
}
