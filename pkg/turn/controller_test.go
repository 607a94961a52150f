package turn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/chriscow/realtime-voice-go/pkg/ai"
	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	vadfake "github.com/chriscow/realtime-voice-go/pkg/ai/vad/fake"
	"github.com/chriscow/realtime-voice-go/pkg/realtime"
	"github.com/chriscow/realtime-voice-go/pkg/realtime/fake"
)

func TestNewValidatesConfig(t *testing.T) {
	ch := fake.New()
	sink := &recordingSink{}

	_, err := New(Config{Sink: sink, VAD: vad.DefaultConfig()})
	assert.Error(t, err, "missing channel")

	_, err = New(Config{Channel: ch, VAD: vad.DefaultConfig()})
	assert.Error(t, err, "missing sink")

	bad := vad.DefaultConfig()
	bad.Threshold = 0
	_, err = New(Config{Channel: ch, Sink: sink, VAD: bad})
	var verr *vad.ValidationError
	assert.True(t, errors.As(err, &verr), "invalid vad config is reported as a ValidationError")

	c, err := New(Config{Channel: ch, Sink: sink, VAD: vad.DefaultConfig()})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, "", c.SessionID())
}

func TestStartConversationConnects(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, []fake.Option{fake.WithAutoConnect(false)})

	h.ctrl.StartConversation(context.Background())
	h.ctrl.Tick()
	assert.Equal(t, StateConnecting, h.ctrl.State())
	assert.Equal(t, vad.ModeLocal, h.ch.Config(0).VAD.Mode)
	assert.Equal(t, 24000, h.ch.Config(0).SampleRate)

	// A second start while connecting is a no-op.
	h.ctrl.StartConversation(context.Background())
	h.ctrl.Tick()
	assert.Equal(t, 1, h.ch.Connects())

	h.ch.Emit(realtime.Event{Type: realtime.EventConnected, SessionID: h.ch.SessionID()})
	h.ctrl.Tick()
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, h.ch.SessionID(), h.ctrl.SessionID())
	assert.Equal(t, 1, h.sink.snapshot().resets, "sink is armed on connect")
	assert.Equal(t, []State{StateConnecting, StateReady}, h.obs.stateHistory())
}

func TestRedundantConnectedIsIgnored(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	session := h.ctrl.SessionID()

	h.ch.Emit(realtime.Event{Type: realtime.EventConnected, SessionID: "sess_other"})
	h.ch.Emit(realtime.Event{Type: realtime.EventConnected, SessionID: session})
	h.ctrl.Tick()

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, session, h.ctrl.SessionID())
	assert.Equal(t, 1, h.sink.snapshot().resets, "capture is not re-armed")
	assert.Equal(t, 2.0, testutil.ToFloat64(h.ctrl.metrics.ignored.WithLabelValues(reasonRedundantConnected)))
}

func TestSilentAndEmptyFramesDoNotStartTurn(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.ctrl.OnFrame(nil, 0, 1)
	h.silence(5)

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, 0, h.ch.AudioWrites(), "nothing is forwarded outside a user turn")
	assert.Equal(t, 0.0, h.ctrl.MicLevel())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.ctrl.OnFrame(loudFrame(), frameSamples+1, 2)
	h.ctrl.Tick()
	assert.Equal(t, StateReady, h.ctrl.State())
}

func TestFramesBeforeConnectAreNotForwarded(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)

	h.speak(3)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 0, h.ch.AudioWrites())
	assert.InDelta(t, 0.5, h.ctrl.MicLevel(), 1e-6, "mic level is tracked regardless of state")
}

func TestSpeechStartsTurnAndForwardsAudio(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.speak(3)
	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
	assert.Equal(t, 3, h.ch.AudioWrites(), "trigger frame and following frames are forwarded")
	assert.Len(t, h.ctrl.buffer, 3*frameSamples*2)

	// Quiet frames inside a turn are still part of the utterance.
	h.silence(2)
	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
	assert.Equal(t, 5, h.ch.AudioWrites())
	assert.Equal(t, h.ch.Audio(), h.ctrl.buffer)
}

func TestSilenceTimeoutCommitsOnce(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.commitTurn()
	assert.Equal(t, 1, h.ch.Commits())
	assert.Empty(t, h.ctrl.buffer, "buffer is cleared after commit")

	// Further time and silence never commit again.
	h.clock.Step(5 * time.Second)
	h.silence(10)
	h.ctrl.Tick()
	assert.Equal(t, StateWaitingForResponse, h.ctrl.State())
	assert.Equal(t, 1, h.ch.Commits())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.commits))
}

func TestSpeechRearmsSilenceTimer(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.speak(1)
	h.clock.Step(500 * time.Millisecond)
	h.speak(1)
	h.clock.Step(500 * time.Millisecond)
	h.ctrl.Tick()
	assert.Equal(t, StateUserSpeaking, h.ctrl.State(), "timer restarted by the second frame")

	// A quiet frame does not restart the timer.
	h.silence(1)
	h.clock.Step(300 * time.Millisecond)
	require.Eventually(t, func() bool {
		h.ctrl.Tick()
		return h.ctrl.State() == StateWaitingForResponse
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.ch.Commits())
}

func TestEmptyUtteranceIsDiscarded(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	// Provider speech detection opens a turn with no local audio.
	h.ch.Emit(realtime.Event{Type: realtime.EventSpeechStarted, SessionID: h.ch.SessionID()})
	h.ctrl.Tick()
	require.Equal(t, StateUserSpeaking, h.ctrl.State())

	h.waitForTimeout(StateReady)
	assert.Equal(t, 0, h.ch.Commits())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.discarded))
	assert.Empty(t, h.obs.errors())
}

func TestBargeIn(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.commitTurn()

	session := h.ch.SessionID()
	h.ch.Emit(realtime.Event{Type: realtime.EventUserTranscriptDelta, SessionID: session, Text: "tell me a story"})
	h.ch.Emit(realtime.Event{Type: realtime.EventAssistantTranscriptDelta, SessionID: session, ResponseID: "resp_1", Text: "Once upon"})
	h.respondWithAudio("resp_1")
	require.Equal(t, "tell me a story", h.ctrl.UserTranscript())
	require.Equal(t, "Once upon", h.ctrl.AssistantTranscript())
	require.Equal(t, 1, h.sink.snapshot().plays)

	h.speak(1)

	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
	stats := h.sink.snapshot()
	assert.Equal(t, 1, stats.stops, "playback stopped")
	assert.Empty(t, stats.queued)
	assert.Equal(t, 1, h.ch.Clears(), "provider input buffer cleared")
	assert.Equal(t, "", h.ctrl.UserTranscript())
	assert.Equal(t, "", h.ctrl.AssistantTranscript())
	assert.Len(t, h.ctrl.buffer, frameSamples*2, "buffer holds only the interrupting frame")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.bargeIns))

	// Late output of the interrupted response is dropped.
	h.ch.Emit(realtime.Event{Type: realtime.EventAudioChunk, SessionID: session, ResponseID: "resp_1", Audio: []byte{1, 2}})
	h.ch.Emit(realtime.Event{Type: realtime.EventAssistantTranscriptDelta, SessionID: session, ResponseID: "resp_1", Text: " a time"})
	h.ch.Emit(realtime.Event{Type: realtime.EventAudioDone, SessionID: session, ResponseID: "resp_1"})
	h.ctrl.Tick()

	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
	assert.Empty(t, h.sink.snapshot().queued)
	assert.Equal(t, "", h.ctrl.AssistantTranscript())
	assert.Equal(t, 0, h.sink.snapshot().drains)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.ctrl.metrics.ignored.WithLabelValues(reasonInterruptedResponse)))

	// The next response plays normally.
	h.waitForTimeout(StateWaitingForResponse)
	h.respondWithAudio("resp_2")
	assert.Equal(t, 2, h.ch.Commits())
}

func TestSpeechWhileWaitingRestartsTurn(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.commitTurn()

	h.ch.Emit(realtime.Event{Type: realtime.EventAssistantTranscriptDelta, SessionID: h.ch.SessionID(), ResponseID: "resp_1", Text: "Sure"})
	h.ctrl.Tick()
	require.Equal(t, "Sure", h.ctrl.AssistantTranscript())

	h.speak(1)
	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
	assert.Equal(t, 0, h.sink.snapshot().stops, "nothing was playing")
	assert.Equal(t, "", h.ctrl.AssistantTranscript())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.ctrl.metrics.bargeIns))

	// Audio from the abandoned response does not start playback.
	h.ch.Emit(realtime.Event{Type: realtime.EventAudioChunk, SessionID: h.ch.SessionID(), ResponseID: "resp_1", Audio: []byte{1, 2}})
	h.ctrl.Tick()
	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
}

func TestSpeechBeforeResponseIDKnownDropsThatResponse(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.commitTurn()

	// The user talks over the first commit before anything names its response.
	h.speak(1)
	require.Equal(t, StateUserSpeaking, h.ctrl.State())
	h.waitForTimeout(StateWaitingForResponse)
	require.Equal(t, 2, h.ch.Commits())

	session := h.ch.SessionID()
	h.ch.Emit(realtime.Event{Type: realtime.EventAssistantTranscriptDelta, SessionID: session, ResponseID: "resp_1", Text: "stale"})
	h.ch.Emit(realtime.Event{Type: realtime.EventAudioChunk, SessionID: session, ResponseID: "resp_1", Audio: []byte{1, 2, 3, 4}})
	h.ch.Emit(realtime.Event{Type: realtime.EventAudioDone, SessionID: session, ResponseID: "resp_1"})
	h.ctrl.Tick()

	stats := h.sink.snapshot()
	assert.Equal(t, StateWaitingForResponse, h.ctrl.State())
	assert.Equal(t, 0, stats.plays)
	assert.Equal(t, 0, stats.drains)
	assert.Empty(t, stats.queued)
	assert.Equal(t, "", h.ctrl.AssistantTranscript())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.ctrl.metrics.ignored.WithLabelValues(reasonInterruptedResponse)))

	// The reply to the second commit plays.
	h.ch.Emit(realtime.Event{Type: realtime.EventAssistantTranscriptDelta, SessionID: session, ResponseID: "resp_2", Text: "Hello"})
	h.respondWithAudio("resp_2")
	assert.Equal(t, "Hello", h.ctrl.AssistantTranscript())
	assert.Equal(t, 1, h.sink.snapshot().plays)
}

func TestPlaybackLifecycle(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.commitTurn()
	h.respondWithAudio("resp_1")

	h.ch.Emit(realtime.Event{Type: realtime.EventAudioChunk, SessionID: h.ch.SessionID(), ResponseID: "resp_1", Audio: []byte{1, 2, 3, 4}})
	h.ch.Emit(realtime.Event{Type: realtime.EventAudioDone, SessionID: h.ch.SessionID(), ResponseID: "resp_1"})
	h.ctrl.Tick()

	stats := h.sink.snapshot()
	assert.Equal(t, StateAssistantSpeaking, h.ctrl.State(), "speaking until playback finishes")
	assert.Equal(t, 1, stats.plays)
	assert.Equal(t, 1, stats.drains)
	assert.Len(t, stats.queued, 480+4)

	h.ctrl.PlaybackFinished()
	h.ctrl.Tick()
	assert.Equal(t, StateReady, h.ctrl.State())

	// A stray finished notification is ignored.
	h.ctrl.PlaybackFinished()
	h.ctrl.Tick()
	assert.Equal(t, StateReady, h.ctrl.State())
}

func TestAudioDoneWithoutAudio(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.commitTurn()

	h.ch.Emit(realtime.Event{Type: realtime.EventAudioDone, SessionID: h.ch.SessionID(), ResponseID: "resp_1"})
	h.ctrl.Tick()

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, 0, h.sink.snapshot().plays)
}

func TestLateChunkOutsideResponseIsIgnored(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.ch.Emit(realtime.Event{Type: realtime.EventAudioChunk, SessionID: h.ch.SessionID(), Audio: []byte{1, 2}})
	h.ctrl.Tick()

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Empty(t, h.sink.snapshot().queued)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.ignored.WithLabelValues(reasonInvalidTransition)))
}

func TestStaleSessionEventsAreRejected(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	first := h.ch.SessionID()

	h.ctrl.EndConversation()
	h.ctrl.Tick()
	require.Equal(t, StateIdle, h.ctrl.State())

	h.connect()
	require.NotEqual(t, first, h.ch.SessionID())
	h.commitTurn()

	// Events from the first connection's handler.
	h.ch.EmitTo(0, realtime.Event{Type: realtime.EventAudioChunk, SessionID: first, Audio: []byte{1, 2}})
	h.ch.EmitTo(0, realtime.Event{Type: realtime.EventDisconnected, SessionID: first})
	// An event tagged with the old session id through the current handler.
	h.ch.Emit(realtime.Event{Type: realtime.EventAudioChunk, SessionID: first, Audio: []byte{1, 2}})
	h.ctrl.Tick()

	assert.Equal(t, StateWaitingForResponse, h.ctrl.State())
	assert.Empty(t, h.sink.snapshot().queued)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.ctrl.metrics.ignored.WithLabelValues(reasonStaleGeneration)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.ignored.WithLabelValues(reasonStaleSession)))
}

func TestStaleAudioIsRejected(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.ctrl.audio.Push(audioDecision{signal: vad.Speaking, pcm: []byte{0, 0}, generation: h.ctrl.generation - 1})
	h.ctrl.Tick()

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.ignored.WithLabelValues(reasonStaleGeneration)))
}

func TestTranscriptsKeepOrderAndStaySeparate(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.commitTurn()

	session := h.ch.SessionID()
	for _, ev := range []realtime.Event{
		{Type: realtime.EventUserTranscriptDelta, Text: "What is"},
		{Type: realtime.EventAssistantTranscriptDelta, ResponseID: "resp_1", Text: "It is"},
		{Type: realtime.EventUserTranscriptDelta, Text: " the time?"},
		{Type: realtime.EventAssistantTranscriptDelta, ResponseID: "resp_1", Text: " noon."},
	} {
		ev.SessionID = session
		h.ch.Emit(ev)
	}
	h.ctrl.Tick()

	assert.Equal(t, "What is the time?", h.ctrl.UserTranscript())
	assert.Equal(t, "It is noon.", h.ctrl.AssistantTranscript())

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	assert.Equal(t, "What is the time?", h.obs.users[len(h.obs.users)-1])
	assert.Equal(t, "It is noon.", h.obs.assistant[len(h.obs.assistant)-1])
}

func TestEndConversationWaitsForDisconnected(t *testing.T) {
	ch := &quietDisconnect{Channel: fake.New()}
	h := newHarness(t, vad.ModeLocal, nil, withChannel(ch))
	h.ch = ch.Channel
	h.connect()
	h.commitTurn()
	h.respondWithAudio("resp_1")

	h.ctrl.EndConversation()
	h.ctrl.Tick()
	assert.Equal(t, 1, ch.disconnects)
	assert.Equal(t, StateAssistantSpeaking, h.ctrl.State(), "state holds until the channel confirms")

	ch.Emit(realtime.Event{Type: realtime.EventDisconnected, SessionID: ch.SessionID()})
	h.ctrl.Tick()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, "", h.ctrl.SessionID())
	assert.Equal(t, 1, h.sink.snapshot().stops)
	assert.Empty(t, h.obs.errors(), "a requested disconnect is not an error")
}

// quietDisconnect accepts Disconnect without reporting it.
type quietDisconnect struct {
	*fake.Channel
	disconnects int
}

func (q *quietDisconnect) Disconnect() error {
	q.disconnects++
	return nil
}

func TestEndConversationWhenIdle(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.ctrl.EndConversation()
	h.ctrl.Tick()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Empty(t, h.ch.Calls())
}

func TestConnectionFailure(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, []fake.Option{fake.WithFailConnects(1, nil)})

	h.ctrl.StartConversation(context.Background())
	h.ctrl.Tick()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, []State{StateConnecting, StateIdle}, h.obs.stateHistory())
	errs := h.obs.errors()
	require.Len(t, errs, 1)
	assert.True(t, ai.IsRecoverable(errs[0]))

	// The controller never retries on its own, but a new start works.
	h.connect()
}

func TestConnectReturnsError(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, []fake.Option{
		fake.WithConnectError(&realtime.ConnectionError{Code: 401, Reason: "bad key"}),
	})

	h.ctrl.StartConversation(context.Background())
	h.ctrl.Tick()

	assert.Equal(t, StateIdle, h.ctrl.State())
	errs := h.obs.errors()
	require.Len(t, errs, 1)
	assert.True(t, ai.IsFatal(errs[0]))
}

func TestUnclassifiedConnectErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		recoverable bool
	}{
		{"dial failure", errors.New("dial tcp: connection refused"), true},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("handshake: %w", context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, vad.ModeLocal, []fake.Option{fake.WithConnectError(tt.err)})
			h.ctrl.StartConversation(context.Background())
			h.ctrl.Tick()

			assert.Equal(t, StateIdle, h.ctrl.State())
			errs := h.obs.errors()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.recoverable, ai.IsRecoverable(errs[0]))
			assert.Equal(t, !tt.recoverable, ai.IsFatal(errs[0]))
			assert.ErrorIs(t, errs[0], tt.err)
			assert.Contains(t, errs[0].Error(), "connect: ")
		})
	}
}

func TestProviderDropTearsDown(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.commitTurn()
	h.respondWithAudio("resp_1")

	h.ch.Drop(&realtime.ConnectionError{Code: 1006, Reason: "abnormal closure"})
	h.ctrl.Tick()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.sink.snapshot().stops)
	assert.Equal(t, "", h.ctrl.SessionID())
	errs := h.obs.errors()
	require.Len(t, errs, 1)
	assert.True(t, ai.IsRecoverable(errs[0]))

	// Capture is gated off again.
	h.speak(2)
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestDropWhileSpeakingCancelsTimer(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.speak(2)

	h.ch.Drop(&realtime.ConnectionError{Code: 1011, Reason: "server error"})
	h.ctrl.Tick()
	require.Equal(t, StateIdle, h.ctrl.State())

	h.clock.Step(time.Second)
	h.ctrl.Tick()
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 0, h.ch.Commits())
	assert.Empty(t, h.ctrl.buffer)
}

func TestManualMode(t *testing.T) {
	h := newHarness(t, vad.ModeManual, nil)
	h.connect()

	// Loud audio does not open a turn without StartRecording.
	h.speak(3)
	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, 0, h.ch.AudioWrites())

	h.ctrl.StartRecording()
	h.ctrl.Tick()
	require.Equal(t, StateUserSpeaking, h.ctrl.State())

	h.silence(4)
	assert.Equal(t, 4, h.ch.AudioWrites(), "every frame is recorded while the button is held")

	h.clock.Step(10 * time.Second)
	h.ctrl.Tick()
	assert.Equal(t, StateUserSpeaking, h.ctrl.State(), "no silence timeout in manual mode")

	h.ctrl.StopRecording()
	h.ctrl.Tick()
	assert.Equal(t, StateWaitingForResponse, h.ctrl.State())
	assert.Equal(t, 1, h.ch.Commits())
}

func TestManualModeEmptyRecording(t *testing.T) {
	h := newHarness(t, vad.ModeManual, nil)
	h.connect()

	h.ctrl.StartRecording()
	h.ctrl.StopRecording()
	h.ctrl.Tick()

	assert.Equal(t, StateReady, h.ctrl.State())
	assert.Equal(t, 0, h.ch.Commits())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.discarded))
}

func TestRecordingIgnoredOutsideManualMode(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()

	h.ctrl.StartRecording()
	h.ctrl.Tick()
	assert.Equal(t, StateReady, h.ctrl.State())
}

func TestServerModeStreamsWhileConnected(t *testing.T) {
	h := newHarness(t, vad.ModeServer, nil)
	h.connect()

	h.silence(2)
	assert.Equal(t, 2, h.ch.AudioWrites(), "server mode forwards everything")
	assert.Equal(t, StateReady, h.ctrl.State(), "local energy never decides turns")
	h.speak(2)
	assert.Equal(t, StateReady, h.ctrl.State())

	session := h.ch.SessionID()
	h.ch.Emit(realtime.Event{Type: realtime.EventSpeechStarted, SessionID: session})
	h.ctrl.Tick()
	require.Equal(t, StateUserSpeaking, h.ctrl.State())

	h.ch.Emit(realtime.Event{Type: realtime.EventSpeechStopped, SessionID: session})
	h.ctrl.Tick()
	assert.Equal(t, StateWaitingForResponse, h.ctrl.State())
	assert.Equal(t, 1, h.ch.Commits())

	h.respondWithAudio("resp_1")
	h.speak(1)
	assert.Equal(t, 5, h.ch.AudioWrites(), "audio keeps flowing during playback")

	// Provider-detected barge-in keeps the provider's input buffer.
	h.ch.Emit(realtime.Event{Type: realtime.EventSpeechStarted, SessionID: session})
	h.ctrl.Tick()
	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
	assert.Equal(t, 1, h.sink.snapshot().stops)
	assert.Equal(t, 0, h.ch.Clears())
}

func TestServerModeCreateResponse(t *testing.T) {
	h := newHarness(t, vad.ModeServer, nil, withVAD(func(c *vad.Config) { c.ServerCreateResponse = true }))
	h.connect()

	session := h.ch.SessionID()
	h.ch.Emit(realtime.Event{Type: realtime.EventSpeechStarted, SessionID: session})
	h.ch.Emit(realtime.Event{Type: realtime.EventSpeechStopped, SessionID: session})
	h.ctrl.Tick()

	assert.Equal(t, StateWaitingForResponse, h.ctrl.State())
	assert.Equal(t, 0, h.ch.Commits(), "the provider creates the response itself")
}

func TestServerModeNoAudioBeforeConnected(t *testing.T) {
	h := newHarness(t, vad.ModeServer, []fake.Option{fake.WithAutoConnect(false)})
	h.ctrl.StartConversation(context.Background())
	h.ctrl.Tick()
	require.Equal(t, StateConnecting, h.ctrl.State())

	h.speak(3)
	assert.Equal(t, 0, h.ch.AudioWrites())
}

func TestCustomDetector(t *testing.T) {
	det := vadfake.NewDetector(vadfake.ParseScript("ss")...)
	h := newHarness(t, vad.ModeLocal, nil, func(c *Config) { c.Detector = det })
	h.connect()

	// The scripted detector hears speech in silent frames.
	h.silence(1)
	assert.Equal(t, StateUserSpeaking, h.ctrl.State())
	assert.Equal(t, 1, det.Calls())
}

func TestEndToEndConversation(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, []fake.Option{
		fake.WithResponder(fake.Responder{
			UserTranscript: "What's the weather?",
			Reply:          "It is sunny today",
			Chunks:         3,
		}),
	})
	h.connect()

	h.speak(5)
	h.silence(2)
	require.Equal(t, StateUserSpeaking, h.ctrl.State())
	require.Equal(t, 7, h.ch.AudioWrites())

	// Commit, response and AudioDone all land within the same tick.
	h.waitForTimeout(StateAssistantSpeaking)
	assert.Equal(t, 1, h.ch.Commits())
	assert.Equal(t, "What's the weather?", h.ctrl.UserTranscript())
	assert.Equal(t, "It is sunny today", h.ctrl.AssistantTranscript())

	stats := h.sink.snapshot()
	assert.Equal(t, 1, stats.plays)
	assert.Equal(t, 1, stats.drains)
	assert.Len(t, stats.queued, 3*2400*2)

	h.ctrl.PlaybackFinished()
	h.ctrl.Tick()
	assert.Equal(t, StateReady, h.ctrl.State())

	h.ctrl.EndConversation()
	h.ctrl.Tick()
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Empty(t, h.obs.errors())

	assert.Equal(t, []State{
		StateConnecting,
		StateReady,
		StateUserSpeaking,
		StateWaitingForResponse,
		StateAssistantSpeaking,
		StateReady,
		StateIdle,
	}, h.obs.stateHistory())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ctrl.metrics.transitions.WithLabelValues("UserSpeaking", "WaitingForResponse")))
}

func TestRunDrivesController(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	h.ctrl.StartConversation(ctx)
	require.Eventually(t, func() bool { return h.ctrl.State() == StateReady }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		h.ctrl.OnFrame(loudFrame(), frameSamples, 1)
	}
	require.Eventually(t, func() bool { return h.ctrl.State() == StateUserSpeaking }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.False(t, h.ch.Connected(), "session closed on shutdown")
}

func TestRunTicksOnClock(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)
	h.connect()
	h.speak(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.ctrl.Run(ctx) }()

	// The timeout command wakes Run without any test-side Tick.
	require.Eventually(t, func() bool {
		h.clock.Step(100 * time.Millisecond)
		return h.ctrl.State() == StateWaitingForResponse
	}, time.Second, time.Millisecond)
}

func TestMetricsShareRegistry(t *testing.T) {
	h := newHarness(t, vad.ModeLocal, nil)

	other, err := New(Config{
		Channel:    fake.New(),
		Sink:       &recordingSink{},
		VAD:        vad.DefaultConfig(),
		Clock:      clocktesting.NewFakeClock(time.Now()),
		Registerer: h.reg,
	})
	require.NoError(t, err)
	assert.Same(t, h.ctrl.metrics.commits, other.metrics.commits)
}
