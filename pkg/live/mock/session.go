// Package mock provides an in-memory live session for tests and local
// runs without any network dependency.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/troupelab/troupe/pkg/live"
)

// SessionConfig scripts the canned behavior of a mock session.
type SessionConfig struct {
	// ResponseText is transcribed and "spoken" for each completed input.
	ResponseText string
	// AudioChunk is the PCM payload emitted per response, split into
	// ChunksPerTurn pieces.
	AudioChunk    []byte
	ChunksPerTurn int
	// HandoffTarget, when set, emits a switch_agent tool invocation
	// before the first turn_complete.
	HandoffTarget string
	// Scripted disables automatic responses entirely; tests drive the
	// event stream through Emit.
	Scripted bool
}

// Session is a scripted live session. Inputs are recorded; outputs are
// either auto-generated per config or pushed explicitly with Emit.
type Session struct {
	cfg    SessionConfig
	out    chan live.Event
	mu     sync.Mutex
	inputs []live.Input
	closed bool
	turns  int
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ChunksPerTurn <= 0 {
		cfg.ChunksPerTurn = 2
	}
	if len(cfg.AudioChunk) == 0 {
		cfg.AudioChunk = make([]byte, 320)
	}
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &Session{
		cfg: cfg,
		out: make(chan live.Event, 64),
	}
}

func (s *Session) Send(ctx context.Context, in live.Input) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.inputs = append(s.inputs, in)
	scripted := s.cfg.Scripted
	s.mu.Unlock()

	if scripted || in.Kind == live.InputSystem {
		return nil
	}
	// Audio input accumulates silently; a text input completes an
	// exchange and produces a full response turn.
	if in.Kind == live.InputText {
		s.respond()
	}
	return nil
}

func (s *Session) respond() {
	s.mu.Lock()
	turnIndex := s.turns
	s.turns++
	s.mu.Unlock()

	s.Emit(live.Event{Kind: live.EventTranscript, Role: live.RoleAgent, Text: s.cfg.ResponseText, IsFinal: true})
	per := len(s.cfg.AudioChunk) / s.cfg.ChunksPerTurn
	if per == 0 {
		per = len(s.cfg.AudioChunk)
	}
	for off := 0; off < len(s.cfg.AudioChunk); off += per {
		end := off + per
		if end > len(s.cfg.AudioChunk) {
			end = len(s.cfg.AudioChunk)
		}
		s.Emit(live.Event{Kind: live.EventAudio, Audio: s.cfg.AudioChunk[off:end]})
	}
	if s.cfg.HandoffTarget != "" && turnIndex == 0 {
		s.Emit(live.Event{Kind: live.EventTool, Tool: live.ToolInvocation{
			ID:   "mock-tool-1",
			Name: "switch_agent",
			Args: map[string]any{"target": s.cfg.HandoffTarget},
		}})
	}
	s.Emit(live.Event{Kind: live.EventTurnComplete})
}

// Emit pushes an event to the session's output stream.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
	}
}

func (s *Session) Events() <-chan live.Event { return s.out }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}

// Inputs exposes everything sent into the session, for assertions.
func (s *Session) Inputs() []live.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.Input(nil), s.inputs...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Opener hands out pre-registered sessions by agent and records every
// open call with its initial context.
type Opener struct {
	mu       sync.Mutex
	factory  func(persona live.PersonaConfig) *Session
	sessions map[string][]*Session
	contexts map[string][]string
	openErr  error
	agentErr map[string]error
}

func NewOpener(factory func(persona live.PersonaConfig) *Session) *Opener {
	if factory == nil {
		factory = func(live.PersonaConfig) *Session { return NewSession(SessionConfig{Scripted: true}) }
	}
	return &Opener{
		factory:  factory,
		sessions: make(map[string][]*Session),
		contexts: make(map[string][]string),
	}
}

// FailWith makes subsequent Open calls return err.
func (o *Opener) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openErr = err
}

// FailAgent makes Open fail for one agent while others keep working.
func (o *Opener) FailAgent(agent string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.agentErr == nil {
		o.agentErr = make(map[string]error)
	}
	o.agentErr[agent] = err
}

func (o *Opener) Open(ctx context.Context, persona live.PersonaConfig, initialContext string) (live.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	key := string(persona.Agent)
	if err := o.agentErr[key]; err != nil {
		return nil, err
	}
	sess := o.factory(persona)
	o.sessions[key] = append(o.sessions[key], sess)
	o.contexts[key] = append(o.contexts[key], initialContext)
	return sess, nil
}

// Sessions returns every session opened for an agent, oldest first.
func (o *Opener) Sessions(agent string) []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Session(nil), o.sessions[agent]...)
}

// Contexts returns the initial contexts passed for an agent's opens.
func (o *Opener) Contexts(agent string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.contexts[agent]...)
}

var _ live.Session = (*Session)(nil)
var _ live.Opener = (*Opener)(nil)
