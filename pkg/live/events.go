package live

import (
	"time"

	"github.com/voximetry/voximetry/pkg/live/frame"
)

// State is the upstream connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// EventType discriminates the events a Client publishes.
type EventType string

const (
	EventSetupComplete        EventType = "setup-complete"
	EventAudioOutput          EventType = "audio-output"
	EventInputTranscription   EventType = "input-transcription"
	EventOutputTranscription  EventType = "output-transcription"
	EventToolCall             EventType = "tool-call"
	EventToolCallCancellation EventType = "tool-call-cancellation"
	EventInterrupted          EventType = "interrupted"
	EventTurnComplete         EventType = "turn-complete"
	EventGoAway               EventType = "go-away"
	EventError                EventType = "error"
	EventStateChange          EventType = "state-change"
)

// Event is the single record type flowing from the upstream client to the
// session orchestrator. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// EventAudioOutput
	Seq int64
	PCM []byte

	// EventInputTranscription / EventOutputTranscription
	Text string

	// EventToolCall
	Calls []frame.FunctionCall

	// EventToolCallCancellation
	CancelIDs []string

	// EventGoAway
	Grace time.Duration

	// EventError
	Code ErrorCode
	Err  error

	// EventStateChange
	From, To State
}
