// Package realtime defines the contract between the turn controller and a
// bidirectional realtime model session.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/chriscow/realtime-voice-go/pkg/ai"
	"github.com/chriscow/realtime-voice-go/pkg/ai/vad"
	"github.com/chriscow/realtime-voice-go/pkg/rtc"
)

// EventType identifies an inbound channel event.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventConnectionFailed
	EventDisconnected
	EventAudioChunk
	EventUserTranscriptDelta
	EventAssistantTranscriptDelta
	EventSpeechStarted
	EventSpeechStopped
	EventAudioDone
)

var eventNames = map[EventType]string{
	EventConnected:                "connected",
	EventConnectionFailed:         "connection_failed",
	EventDisconnected:             "disconnected",
	EventAudioChunk:               "audio_chunk",
	EventUserTranscriptDelta:      "user_transcript_delta",
	EventAssistantTranscriptDelta: "assistant_transcript_delta",
	EventSpeechStarted:            "speech_started",
	EventSpeechStopped:            "speech_stopped",
	EventAudioDone:                "audio_done",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one notification from the channel. Only the fields relevant to
// Type are set. SessionID may be empty when the transport does not tag events.
type Event struct {
	Type       EventType
	SessionID  string
	ItemID     string
	ResponseID string
	Audio      []byte // PCM16 mono, for EventAudioChunk
	Text       string // transcript delta
	Err        error  // for EventConnectionFailed and EventDisconnected
}

// EventHandler receives channel events. It may be called from any goroutine
// and must not block.
type EventHandler func(Event)

// SessionConfig describes the session requested at connect time.
type SessionConfig struct {
	Model        string
	Instructions string
	Voice        string
	OutputFormat string // "pcm16"
	VAD          vad.Config
	SampleRate   int
}

// DefaultSessionConfig returns a 24kHz PCM16 session with local turn detection.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Model:        "gpt-4o-realtime-preview",
		Voice:        "alloy",
		OutputFormat: "pcm16",
		VAD:          vad.DefaultConfig(),
		SampleRate:   rtc.DefaultSampleRate,
	}
}

// TurnDetection reports whether the provider should run its own voice
// activity detection for this session.
func (c SessionConfig) TurnDetection() bool {
	return c.VAD.Mode == vad.ModeServer
}

// Channel is a realtime model session. Every method must be non-blocking and
// safe for concurrent use: SendAudio is called from the audio goroutine while
// the other methods are called from the controller.
type Channel interface {
	// Connect starts opening a session. Progress is reported through handler;
	// a returned error means the attempt never started.
	Connect(ctx context.Context, cfg SessionConfig, handler EventHandler) error
	// SendAudio appends PCM16 mono audio to the provider's input buffer.
	SendAudio(pcm []byte) error
	// CommitAndRequestResponse commits the input buffer as a user turn and asks for a reply.
	CommitAndRequestResponse() error
	// ClearInputBuffer drops uncommitted input audio.
	ClearInputBuffer() error
	// Disconnect closes the session. EventDisconnected follows.
	Disconnect() error
}

// ErrNotConnected is returned by channel operations issued without a session.
var ErrNotConnected = errors.New("realtime channel not connected")

// WebSocket close codes (RFC 6455 and the IANA registry) with retry meaning.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	ClosePolicy         = 1008
	CloseInternalError  = 1011
	CloseServiceRestart = 1012
	CloseTryAgainLater  = 1013
)

// ConnectionError describes a failed or dropped session.
// Codes follow WebSocket close and HTTP status conventions; zero means unknown.
type ConnectionError struct {
	Code     int
	Reason   string
	WasClean bool
}

func (e *ConnectionError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("realtime connection error: %s", e.Reason)
	}
	return fmt.Sprintf("realtime connection error %d: %s", e.Code, e.Reason)
}

// Unwrap classifies the error for retry decisions. HTTP 4xx is fatal; any
// other unclean drop or unknown code is recoverable. For clean closes, HTTP
// 5xx and the WebSocket codes listed above other than ClosePolicy are
// recoverable; every other close code, including application codes 4000-4999,
// is fatal.
func (e *ConnectionError) Unwrap() error {
	if e.Code >= 400 && e.Code < 500 {
		return ai.ErrFatal
	}
	if !e.WasClean || e.Code == 0 {
		return ai.ErrRecoverable
	}
	switch {
	case e.Code >= 500 && e.Code < 600:
		return ai.ErrRecoverable
	case e.Code >= 1000 && e.Code < 4000:
		switch e.Code {
		case CloseNormal, CloseGoingAway, CloseInternalError, CloseServiceRestart, CloseTryAgainLater:
			return ai.ErrRecoverable
		}
	}
	return ai.ErrFatal
}
