package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	"github.com/chriscow/realtime-voice-go/pkg/realtime"
	"github.com/chriscow/realtime-voice-go/pkg/realtime/fake"
)

// 10ms of 24kHz mono audio
const frameSamples = 240

// recordingSink is a playback.Sink and playback.Drainer that records calls.
type recordingSink struct {
	mu     sync.Mutex
	resets int
	plays  int
	stops  int
	drains int
	queued []byte
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.queued = nil
}

func (s *recordingSink) Queue(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, pcm...)
	return nil
}

func (s *recordingSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return nil
}

func (s *recordingSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.queued = nil
	return nil
}

func (s *recordingSink) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
}

type sinkStats struct {
	resets int
	plays  int
	stops  int
	drains int
	queued []byte
}

func (s *recordingSink) snapshot() sinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sinkStats{
		resets: s.resets,
		plays:  s.plays,
		stops:  s.stops,
		drains: s.drains,
		queued: append([]byte(nil), s.queued...),
	}
}

// observed collects observer callbacks. They all run on the test goroutine
// through Tick, but Run-based tests read them from another goroutine.
type observed struct {
	mu        sync.Mutex
	states    []State
	users     []string
	assistant []string
	errs      []error
}

func (o *observed) observer() Observer {
	return ObserverFuncs{
		StateChanged: func(s State) {
			o.mu.Lock()
			o.states = append(o.states, s)
			o.mu.Unlock()
		},
		UserTranscript: func(text string) {
			o.mu.Lock()
			o.users = append(o.users, text)
			o.mu.Unlock()
		},
		AssistantTranscript: func(text string) {
			o.mu.Lock()
			o.assistant = append(o.assistant, text)
			o.mu.Unlock()
		},
		Error: func(err error) {
			o.mu.Lock()
			o.errs = append(o.errs, err)
			o.mu.Unlock()
		},
	}
}

func (o *observed) errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *observed) stateHistory() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

type harness struct {
	t     *testing.T
	ch    *fake.Channel
	sink  *recordingSink
	clock *clocktesting.FakeClock
	reg   *prometheus.Registry
	obs   *observed
	ctrl  *Controller
}

type harnessOption func(*Config)

func withVAD(mutate func(*vad.Config)) harnessOption {
	return func(c *Config) { mutate(&c.VAD) }
}

func withChannel(ch realtime.Channel) harnessOption {
	return func(c *Config) { c.Channel = ch }
}

func newHarness(t *testing.T, mode vad.Mode, channelOpts []fake.Option, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		ch:    fake.New(channelOpts...),
		sink:  &recordingSink{},
		clock: clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		reg:   prometheus.NewRegistry(),
		obs:   &observed{},
	}

	cfg := Config{
		Channel:    h.ch,
		Sink:       h.sink,
		VAD:        vad.DefaultConfig(),
		Session:    realtime.DefaultSessionConfig(),
		Clock:      h.clock,
		Registerer: h.reg,
		Observer:   h.obs.observer(),
	}
	cfg.VAD.Mode = mode
	for _, opt := range opts {
		opt(&cfg)
	}

	ctrl, err := New(cfg)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

// connect starts a conversation and waits for Ready.
func (h *harness) connect() {
	h.t.Helper()
	h.ctrl.StartConversation(context.Background())
	h.ctrl.Tick()
	require.Equal(h.t, StateReady, h.ctrl.State())
}

func loudFrame() []float32 {
	samples := make([]float32, frameSamples)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	return samples
}

func quietFrame() []float32 {
	return make([]float32, frameSamples)
}

// speak delivers n loud frames and ticks once.
func (h *harness) speak(n int) {
	for i := 0; i < n; i++ {
		h.ctrl.OnFrame(loudFrame(), frameSamples, 1)
	}
	h.ctrl.Tick()
}

// silence delivers n quiet frames and ticks once.
func (h *harness) silence(n int) {
	for i := 0; i < n; i++ {
		h.ctrl.OnFrame(quietFrame(), frameSamples, 1)
	}
	h.ctrl.Tick()
}

// waitForTimeout advances the fake clock by the silence timeout and ticks
// until the controller reaches want.
func (h *harness) waitForTimeout(want State) {
	h.t.Helper()
	h.clock.Step(h.ctrl.vad.SilenceTimeout)
	require.Eventually(h.t, func() bool {
		h.ctrl.Tick()
		return h.ctrl.State() == want
	}, time.Second, time.Millisecond, "expected state %s", want)
}

// respondWithAudio moves WaitingForResponse to AssistantSpeaking.
func (h *harness) respondWithAudio(responseID string) {
	h.t.Helper()
	h.ch.Emit(realtime.Event{
		Type:       realtime.EventAudioChunk,
		SessionID:  h.ch.SessionID(),
		ResponseID: responseID,
		Audio:      fake.Tone(440, 10*time.Millisecond, 24000),
	})
	h.ctrl.Tick()
	require.Equal(h.t, StateAssistantSpeaking, h.ctrl.State())
}

// commitTurn speaks and waits for the silence timeout to commit.
func (h *harness) commitTurn() {
	h.t.Helper()
	h.speak(3)
	require.Equal(h.t, StateUserSpeaking, h.ctrl.State())
	h.waitForTimeout(StateWaitingForResponse)
}
