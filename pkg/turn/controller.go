package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/chriscow/realtime-voice-go/internal/mpsc"
	"github.com/chriscow/realtime-voice-go/pkg/ai"
	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	"github.com/chriscow/realtime-voice-go/pkg/playback"
	"github.com/chriscow/realtime-voice-go/pkg/realtime"
	"github.com/chriscow/realtime-voice-go/pkg/rtc"
	"github.com/chriscow/realtime-voice-go/pkg/transcript"
	"github.com/chriscow/realtime-voice-go/pkg/voice"
)

// DefaultTickInterval is how often Run drains the queues when nothing wakes it.
const DefaultTickInterval = 10 * time.Millisecond

// Config holds the collaborators and settings of a Controller.
type Config struct {
	Channel  realtime.Channel // required
	Sink     playback.Sink    // required
	Detector vad.Detector     // local mode; defaults to an RMS detector at VAD.Threshold

	VAD     vad.Config
	Session realtime.SessionConfig // VAD is overwritten with the VAD field

	// CaptureRate is the sample rate of buffers passed to OnFrame.
	// Defaults to rtc.DefaultSampleRate.
	CaptureRate  int
	TickInterval time.Duration

	Logger     *zap.Logger
	Clock      clock.WithTickerAndDelayedExecution
	Registerer prometheus.Registerer // defaults to a private registry
	Observer   Observer
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdEnd
	cmdPlaybackFinished
	cmdStartRecording
	cmdStopRecording
	cmdTimeout
)

type command struct {
	kind commandKind
	ctx  context.Context // cmdStart
	seq  uint64          // cmdTimeout
}

type audioDecision struct {
	signal     vad.Signal
	pcm        []byte
	generation uint64
}

type channelEvent struct {
	realtime.Event
	generation uint64
}

// Controller is the turn-taking state machine.
//
// Inputs arrive from three contexts: the audio goroutine (OnFrame), the
// channel's event goroutine and the application (StartConversation and
// friends). All of them only enqueue. Every state change happens in Tick,
// which must be called from one goroutine at a time; Run does that.
type Controller struct {
	channel  realtime.Channel
	sink     playback.Sink
	detector vad.Detector
	vad      vad.Config
	session  realtime.SessionConfig

	captureRate  int
	tickInterval time.Duration

	logger   *zap.Logger
	clock    clock.WithTickerAndDelayedExecution
	metrics  *metrics
	observer Observer

	gate     *voice.Gate
	wake     chan struct{}
	commands *mpsc.Queue[command]
	audio    *mpsc.Queue[audioDecision]
	events   *mpsc.Queue[channelEvent]

	transcripts *transcript.Accumulator

	// Owned by the goroutine calling Tick.
	state           State
	generation      uint64
	sessionID       string
	buffer          []byte
	utteranceID     string
	timer           clock.Timer
	timerSeq        uint64
	currentResponse string
	accepted        map[string]struct{}
	interrupted     map[string]struct{}
	// Commits talked over before any event named their response.
	abandoned    int
	endRequested bool

	// Copies readable from any goroutine.
	infoMu       sync.RWMutex
	pubSessionID string
	pubUser      string
	pubAssistant string
}

// New creates a Controller in StateIdle.
func New(cfg Config) (*Controller, error) {
	if cfg.Channel == nil {
		return nil, errors.New("turn: channel is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("turn: playback sink is required")
	}
	if err := cfg.VAD.Validate(); err != nil {
		return nil, fmt.Errorf("turn: %w", err)
	}
	if cfg.Detector == nil {
		cfg.Detector = vad.NewRMSDetector(cfg.VAD.Threshold)
	}
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = rtc.DefaultSampleRate
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Observer == nil {
		cfg.Observer = ObserverFuncs{}
	}

	session := cfg.Session
	session.VAD = cfg.VAD
	if session.SampleRate <= 0 {
		session.SampleRate = rtc.DefaultSampleRate
	}
	if session.OutputFormat == "" {
		session.OutputFormat = "pcm16"
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("turn: register metrics: %w", err)
	}

	wake := make(chan struct{}, 1)
	c := &Controller{
		channel:      cfg.Channel,
		sink:         cfg.Sink,
		detector:     cfg.Detector,
		vad:          cfg.VAD,
		session:      session,
		captureRate:  cfg.CaptureRate,
		tickInterval: cfg.TickInterval,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		metrics:      m,
		observer:     cfg.Observer,
		gate:         voice.NewGate(),
		wake:         wake,
		commands:     mpsc.NewWithWake[command](wake),
		audio:        mpsc.NewWithWake[audioDecision](wake),
		events:       mpsc.NewWithWake[channelEvent](wake),
		accepted:     make(map[string]struct{}),
		interrupted:  make(map[string]struct{}),
	}
	c.transcripts = transcript.New(c.transcriptChanged)
	c.gate.Publish(int32(StateIdle), 0)
	return c, nil
}

// StartConversation opens a session. It does nothing unless the controller is Idle.
func (c *Controller) StartConversation(ctx context.Context) {
	if c.State() != StateIdle {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.commands.Push(command{kind: cmdStart, ctx: ctx})
}

// EndConversation asks the channel to disconnect. The controller stays in
// its current state until the channel reports the disconnect.
func (c *Controller) EndConversation() {
	c.commands.Push(command{kind: cmdEnd})
}

// PlaybackFinished is called by the sink when a drained response has played out.
func (c *Controller) PlaybackFinished() {
	c.commands.Push(command{kind: cmdPlaybackFinished})
}

// StartRecording begins a user turn in manual mode.
func (c *Controller) StartRecording() {
	c.commands.Push(command{kind: cmdStartRecording})
}

// StopRecording ends a user turn in manual mode and commits it.
func (c *Controller) StopRecording() {
	c.commands.Push(command{kind: cmdStopRecording})
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.gate.Load().State)
}

// SessionID returns the id of the current session, or "" when not connected.
func (c *Controller) SessionID() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.pubSessionID
}

// UserTranscript returns the transcript of the current or last user turn.
func (c *Controller) UserTranscript() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.pubUser
}

// AssistantTranscript returns the transcript of the current or last response.
func (c *Controller) AssistantTranscript() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.pubAssistant
}

// MicLevel returns the RMS of the most recent captured frame.
func (c *Controller) MicLevel() float64 {
	return c.gate.Level()
}

// OnFrame is the capture callback. samples holds sampleCount interleaved
// samples across channelCount channels at Config.CaptureRate.
func (c *Controller) OnFrame(samples []float32, sampleCount, channelCount int) {
	frame, err := rtc.NewAudioFrame(samples, sampleCount, channelCount, c.captureRate)
	if err != nil {
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}
	c.OnAudioFrame(frame)
}

// OnAudioFrame is OnFrame for callers that already hold an rtc.AudioFrame.
// It runs on the audio goroutine and never blocks on the controller.
func (c *Controller) OnAudioFrame(frame *rtc.AudioFrame) {
	c.gate.SetLevel(vad.RMS(frame.Samples))

	snap := c.gate.Load()
	state := State(snap.State)
	if !state.Connected() {
		return
	}

	switch c.vad.Mode {
	case vad.ModeServer:
		// The provider decides turn boundaries, so it hears everything.
		if err := c.channel.SendAudio(frame.PCM16Mono(c.session.SampleRate)); err != nil {
			c.logger.Debug("send audio failed", zap.Error(err))
		}
	case vad.ModeManual:
		if state != StateUserSpeaking {
			return
		}
		c.audio.Push(audioDecision{
			signal:     vad.Speaking,
			pcm:        frame.PCM16Mono(c.session.SampleRate),
			generation: snap.Generation,
		})
	default:
		c.audio.Push(audioDecision{
			signal:     c.detector.Evaluate(frame),
			pcm:        frame.PCM16Mono(c.session.SampleRate),
			generation: snap.Generation,
		})
	}
}

// Run drives the controller until ctx is done, calling Tick whenever an
// input arrives and at least every TickInterval. On exit an open session is
// disconnected and the controller returns to Idle.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Tick()
			c.shutdown()
			return ctx.Err()
		case <-c.wake:
			c.Tick()
		case <-ticker.C():
			c.Tick()
		}
	}
}

// Tick applies all queued inputs: control commands, then audio decisions,
// then channel events, then transcript deltas.
func (c *Controller) Tick() {
	for _, cmd := range c.commands.Drain() {
		c.handleCommand(cmd)
	}
	for _, d := range c.audio.Drain() {
		c.handleAudio(d)
	}
	for _, ev := range c.events.Drain() {
		c.handleEvent(ev)
	}
	c.transcripts.Drain()
}

func (c *Controller) shutdown() {
	if c.state == StateIdle {
		return
	}
	c.endRequested = true
	if err := c.channel.Disconnect(); err != nil {
		c.logger.Debug("disconnect on shutdown", zap.Error(err))
	}
	c.toIdle(nil)
}

func (c *Controller) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStart:
		c.startConversation(cmd.ctx)

	case cmdEnd:
		if c.state == StateIdle {
			c.ignore(reasonInvalidTransition, zap.String("input", "end_conversation"))
			return
		}
		c.endRequested = true
		if err := c.channel.Disconnect(); err != nil {
			// Nothing will report the disconnect, so finish it here.
			c.logger.Debug("disconnect failed", zap.Error(err))
			c.toIdle(nil)
		}

	case cmdPlaybackFinished:
		if c.state != StateAssistantSpeaking {
			c.ignore(reasonInvalidTransition, zap.String("input", "playback_finished"))
			return
		}
		c.currentResponse = ""
		c.setState(StateReady)

	case cmdStartRecording:
		if c.vad.Mode != vad.ModeManual {
			c.ignore(reasonInvalidTransition, zap.String("input", "start_recording"))
			return
		}
		c.beginUserTurn("start_recording")

	case cmdStopRecording:
		if c.vad.Mode != vad.ModeManual || c.state != StateUserSpeaking {
			c.ignore(reasonInvalidTransition, zap.String("input", "stop_recording"))
			return
		}
		c.endUserTurn()

	case cmdTimeout:
		if cmd.seq != c.timerSeq || c.state != StateUserSpeaking {
			c.ignore(reasonStaleTimeout)
			return
		}
		c.timer = nil
		c.endUserTurn()
	}
}

func (c *Controller) startConversation(ctx context.Context) {
	if c.state != StateIdle {
		c.ignore(reasonInvalidTransition, zap.String("input", "start_conversation"))
		return
	}

	c.generation++
	c.endRequested = false
	c.accepted = make(map[string]struct{})
	c.interrupted = make(map[string]struct{})
	c.abandoned = 0
	c.setState(StateConnecting)

	c.logger.Info("connecting",
		zap.Uint64("generation", c.generation),
		zap.String("model", c.session.Model),
		zap.String("vad_mode", string(c.vad.Mode)),
	)
	if err := c.channel.Connect(ctx, c.session, c.handlerFor(c.generation)); err != nil {
		c.toIdle(classifyConnectError(err))
	}
}

// classifyConnectError keeps a classification the channel already gave.
// Otherwise a cancelled caller is fatal and any other failure is transient.
func classifyConnectError(err error) error {
	msg := "connect: " + err.Error()
	switch {
	case ai.IsRecoverable(err), ai.IsFatal(err):
		return fmt.Errorf("connect: %w", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ai.NewFatalError(err, msg)
	}
	return ai.NewRecoverableError(err, msg)
}

// handlerFor returns the event handler for one connection attempt. Events
// delivered through a handler from an earlier attempt are dropped in Tick.
func (c *Controller) handlerFor(generation uint64) realtime.EventHandler {
	return func(ev realtime.Event) {
		c.events.Push(channelEvent{Event: ev, generation: generation})
	}
}

func (c *Controller) handleAudio(d audioDecision) {
	if d.generation != c.generation {
		c.ignore(reasonStaleGeneration, zap.String("input", "audio"))
		return
	}

	switch c.state {
	case StateReady, StateWaitingForResponse, StateAssistantSpeaking:
		if c.vad.Mode != vad.ModeLocal || d.signal != vad.Speaking {
			return
		}
		c.beginUserTurn("vad")
		c.appendAudio(d.pcm)

	case StateUserSpeaking:
		c.appendAudio(d.pcm)
		if c.vad.Mode == vad.ModeLocal && d.signal == vad.Speaking {
			c.armTimer()
		}
	}
}

func (c *Controller) handleEvent(ev channelEvent) {
	if ev.generation != c.generation {
		c.ignore(reasonStaleGeneration, zap.Stringer("event", ev.Type))
		return
	}
	if c.state == StateIdle {
		c.ignore(reasonInvalidTransition, zap.Stringer("event", ev.Type))
		return
	}
	if ev.Type != realtime.EventConnected && ev.SessionID != "" && c.sessionID != "" && ev.SessionID != c.sessionID {
		c.ignore(reasonStaleSession, zap.Stringer("event", ev.Type), zap.String("event_session_id", ev.SessionID))
		return
	}

	switch ev.Type {
	case realtime.EventConnected:
		if c.state != StateConnecting {
			c.ignore(reasonRedundantConnected, zap.String("event_session_id", ev.SessionID))
			return
		}
		c.sessionID = ev.SessionID
		c.publish(func() { c.pubSessionID = ev.SessionID })
		c.sink.Reset()
		c.setState(StateReady)

	case realtime.EventConnectionFailed:
		err := ev.Err
		if err == nil {
			err = &realtime.ConnectionError{Reason: "connection failed"}
		}
		c.toIdle(err)

	case realtime.EventDisconnected:
		err := ev.Err
		if err == nil && !c.endRequested {
			err = &realtime.ConnectionError{Reason: "session closed by provider", WasClean: true}
		}
		c.toIdle(err)

	case realtime.EventSpeechStarted:
		if c.vad.Mode == vad.ModeManual {
			c.ignore(reasonInvalidTransition, zap.Stringer("event", ev.Type))
			return
		}
		c.beginUserTurn("server_vad")

	case realtime.EventSpeechStopped:
		if c.vad.Mode != vad.ModeServer || c.state != StateUserSpeaking {
			c.ignore(reasonInvalidTransition, zap.Stringer("event", ev.Type))
			return
		}
		c.endUserTurn()

	case realtime.EventAudioChunk:
		c.claimAbandoned(ev.ResponseID)
		if c.isInterrupted(ev.ResponseID) {
			c.ignore(reasonInterruptedResponse, zap.String("response_id", ev.ResponseID))
			return
		}
		switch c.state {
		case StateWaitingForResponse:
			c.acceptResponse(ev.ResponseID)
			c.queueAudio(ev.Audio)
			if err := c.sink.Play(); err != nil {
				c.logger.Warn("playback start failed", zap.Error(err))
			}
			c.setState(StateAssistantSpeaking)
		case StateAssistantSpeaking:
			c.queueAudio(ev.Audio)
		default:
			c.ignore(reasonInvalidTransition, zap.Stringer("event", ev.Type))
		}

	case realtime.EventAudioDone:
		c.claimAbandoned(ev.ResponseID)
		if c.isInterrupted(ev.ResponseID) {
			c.ignore(reasonInterruptedResponse, zap.String("response_id", ev.ResponseID))
			return
		}
		switch c.state {
		case StateAssistantSpeaking:
			if d, ok := c.sink.(playback.Drainer); ok {
				d.Drain()
			}
		case StateWaitingForResponse:
			// The response carried no audio.
			c.setState(StateReady)
		default:
			c.ignore(reasonInvalidTransition, zap.Stringer("event", ev.Type))
		}

	case realtime.EventUserTranscriptDelta:
		c.transcripts.AppendUser(ev.Text)

	case realtime.EventAssistantTranscriptDelta:
		c.claimAbandoned(ev.ResponseID)
		if c.isInterrupted(ev.ResponseID) {
			c.ignore(reasonInterruptedResponse, zap.String("response_id", ev.ResponseID))
			return
		}
		if ev.ResponseID != "" && c.state == StateWaitingForResponse {
			c.acceptResponse(ev.ResponseID)
		}
		c.transcripts.AppendAssistant(ev.Text)

	default:
		c.ignore(reasonInvalidTransition, zap.Stringer("event", ev.Type))
	}
}

// beginUserTurn enters UserSpeaking from Ready, WaitingForResponse or
// AssistantSpeaking. Leaving AssistantSpeaking this way is a barge-in.
func (c *Controller) beginUserTurn(trigger string) {
	from := c.state
	switch from {
	case StateReady:
	case StateWaitingForResponse, StateAssistantSpeaking:
		if from == StateAssistantSpeaking {
			if err := c.sink.Stop(); err != nil {
				c.logger.Warn("playback stop failed", zap.Error(err))
			}
			c.metrics.bargeIns.Inc()
		}
		if c.vad.Mode != vad.ModeServer {
			if err := c.channel.ClearInputBuffer(); err != nil {
				c.logger.Debug("clear input buffer failed", zap.Error(err))
			}
		}
		if c.currentResponse != "" {
			c.interrupted[c.currentResponse] = struct{}{}
			c.currentResponse = ""
		} else if from == StateWaitingForResponse {
			c.abandoned++
		}
		c.transcripts.ResetAssistant()
		c.logger.Info("user interrupted", zap.Stringer("from", from), zap.String("trigger", trigger))
	default:
		c.ignore(reasonInvalidTransition, zap.String("input", trigger))
		return
	}

	c.buffer = c.buffer[:0]
	c.utteranceID = uuid.NewString()
	c.transcripts.ResetUser()
	c.setState(StateUserSpeaking)
	if c.vad.Mode == vad.ModeLocal {
		c.armTimer()
	}
}

// endUserTurn leaves UserSpeaking: commit the utterance, or discard it when
// no audio was buffered. Server mode commits without a local buffer.
func (c *Controller) endUserTurn() {
	c.cancelTimer()

	if c.vad.Mode != vad.ModeServer && len(c.buffer) == 0 {
		c.metrics.discarded.Inc()
		c.logger.Debug("discarding empty utterance", zap.String("utterance_id", c.utteranceID))
		c.setState(StateReady)
		return
	}

	if c.vad.Mode != vad.ModeServer || !c.vad.ServerCreateResponse {
		if err := c.channel.CommitAndRequestResponse(); err != nil {
			c.logger.Warn("commit failed", zap.String("utterance_id", c.utteranceID), zap.Error(err))
			c.observer.OnError(fmt.Errorf("commit utterance: %w", err))
			c.buffer = c.buffer[:0]
			c.setState(StateReady)
			return
		}
	}

	c.metrics.commits.Inc()
	c.logger.Info("user turn committed",
		zap.String("utterance_id", c.utteranceID),
		zap.Duration("audio", rtc.PCM16Duration(len(c.buffer), c.session.SampleRate)),
	)
	c.buffer = c.buffer[:0]
	c.transcripts.ResetAssistant()
	c.setState(StateWaitingForResponse)
}

func (c *Controller) appendAudio(pcm []byte) {
	c.buffer = append(c.buffer, pcm...)
	if err := c.channel.SendAudio(pcm); err != nil {
		c.logger.Debug("send audio failed", zap.Error(err))
	}
}

func (c *Controller) queueAudio(pcm []byte) {
	if err := c.sink.Queue(pcm); err != nil {
		c.logger.Warn("playback queue failed", zap.Error(err))
	}
}

func (c *Controller) acceptResponse(responseID string) {
	c.currentResponse = responseID
	if responseID != "" {
		c.accepted[responseID] = struct{}{}
	}
}

// claimAbandoned marks the first unknown response id as interrupted while a
// talked-over commit is still unaccounted for. Responses arrive in commit
// order, so that id belongs to the oldest abandoned commit.
func (c *Controller) claimAbandoned(responseID string) {
	if c.abandoned == 0 || responseID == "" || responseID == c.currentResponse {
		return
	}
	if _, ok := c.accepted[responseID]; ok {
		return
	}
	if _, ok := c.interrupted[responseID]; ok {
		return
	}
	c.interrupted[responseID] = struct{}{}
	c.abandoned--
	c.logger.Debug("response attributed to abandoned commit", zap.String("response_id", responseID))
}

func (c *Controller) isInterrupted(responseID string) bool {
	if responseID == "" {
		return false
	}
	_, ok := c.interrupted[responseID]
	return ok
}

// armTimer (re)starts the silence timer. The callback only enqueues; a
// timeout whose sequence number is no longer current is ignored.
func (c *Controller) armTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.vad.SilenceTimeout, func() {
		c.commands.Push(command{kind: cmdTimeout, seq: seq})
	})
}

func (c *Controller) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// toIdle tears the session down. err, if any, is reported to the observer.
func (c *Controller) toIdle(err error) {
	c.cancelTimer()
	if c.state.Connected() {
		if stopErr := c.sink.Stop(); stopErr != nil {
			c.logger.Warn("playback stop failed", zap.Error(stopErr))
		}
	}
	c.buffer = c.buffer[:0]
	c.sessionID = ""
	c.currentResponse = ""
	c.publish(func() { c.pubSessionID = "" })
	c.setState(StateIdle)

	if err != nil {
		c.logger.Warn("session ended", zap.Error(err))
		c.observer.OnError(err)
	}
}

func (c *Controller) setState(next State) {
	prev := c.state
	c.state = next
	c.gate.Publish(int32(next), c.generation)
	if prev == next {
		return
	}

	c.metrics.transitions.WithLabelValues(prev.String(), next.String()).Inc()
	c.logger.Info("state change",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.String("session_id", c.sessionID),
	)
	c.observer.OnStateChanged(next)
}

func (c *Controller) ignore(reason string, fields ...zap.Field) {
	c.metrics.ignored.WithLabelValues(reason).Inc()
	c.logger.Debug("ignored input", append(fields, zap.String("reason", reason), zap.Stringer("state", c.state))...)
}

func (c *Controller) publish(update func()) {
	c.infoMu.Lock()
	update()
	c.infoMu.Unlock()
}

func (c *Controller) transcriptChanged(role transcript.Role, text string) {
	if role == transcript.User {
		c.publish(func() { c.pubUser = text })
		c.observer.OnUserTranscript(text)
		return
	}
	c.publish(func() { c.pubAssistant = text })
	c.observer.OnAssistantTranscript(text)
}
