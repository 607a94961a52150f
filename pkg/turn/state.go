// Package turn implements the turn-taking state machine of a realtime voice
// conversation: who is speaking, when a user turn ends, when the assistant
// is interrupted and how the session lifecycle maps onto those decisions.
package turn

import "fmt"

// State is the conversation state. Exactly one is active at a time.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateUserSpeaking
	StateWaitingForResponse
	StateAssistantSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateUserSpeaking:
		return "UserSpeaking"
	case StateWaitingForResponse:
		return "WaitingForResponse"
	case StateAssistantSpeaking:
		return "AssistantSpeaking"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Connected reports whether a session is established in this state.
func (s State) Connected() bool {
	return s >= StateReady && s <= StateAssistantSpeaking
}
