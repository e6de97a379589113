// Package live defines the abstract bidirectional streaming capability
// against an external generative speech model. One session carries one
// agent's conversational context; the orchestrator only ever sees its
// event stream.
package live

import (
	"context"

	"github.com/troupelab/troupe/pkg/turn"
)

// EventKind tags one output event variant.
type EventKind string

const (
	EventAudio        EventKind = "audio"
	EventTranscript   EventKind = "transcript"
	EventTool         EventKind = "tool_invocation"
	EventTurnComplete EventKind = "turn_complete"
	EventError        EventKind = "error"
)

// Role attributes a transcript to one side of the conversation.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ToolInvocation is a generic function-call signal from the model.
// Recognized intents are decoded at the orchestrator boundary; anything
// unrecognized is logged and ignored there.
type ToolInvocation struct {
	ID   string
	Name string
	Args map[string]any
}

// Event is one output event from a live session.
type Event struct {
	Kind    EventKind
	Audio   []byte
	Text    string
	IsFinal bool
	Role    Role
	Tool    ToolInvocation
	Err     error
}

// InputKind tags one input event variant.
type InputKind string

const (
	InputAudio  InputKind = "audio"
	InputText   InputKind = "text"
	InputSystem InputKind = "system"
)

// Input is one event enqueued into a live session.
type Input struct {
	Kind  InputKind
	Audio []byte
	Text  string
}

// PersonaConfig selects the model-side persona for one agent slot.
// Prompt content comes from the content catalog; it is data, not logic.
type PersonaConfig struct {
	Agent      turn.Agent
	Name       string
	Voice      string
	Prompt     string
	SampleRate int
}

// Session is one open adapter handle. Events is an infinite sequence
// until the session closes; it is not restartable. The channel is
// closed after the session ends.
type Session interface {
	Send(ctx context.Context, in Input) error
	Events() <-chan Event
	Close() error
}

// Opener creates live sessions. initialContext carries the handoff
// summary when a session is opened mid-conversation.
type Opener interface {
	Open(ctx context.Context, persona PersonaConfig, initialContext string) (Session, error)
}
