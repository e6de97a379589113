package turn

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateTurnActive
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTurnActive:
		return "TURN_ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("turn manager closed")
	// ErrNoSwitchPending is returned by ConsumeSwitch when no switch was requested.
	ErrNoSwitchPending = errors.New("no switch pending")
	// ErrNotPrimary is returned by CompleteTurn when the floor holder is the ambient agent.
	ErrNotPrimary = errors.New("turn completion requires a primary agent")
)

// InvalidTransitionError reports a state transition the machine forbids.
type InvalidTransitionError struct {
	State  State
	Active Agent
	Target Agent
}

func (e *InvalidTransitionError) Error() string {
	return "invalid transition in state " + e.State.String() +
		" (active=" + string(e.Active) + ", target=" + string(e.Target) + ")"
}

// ConflictingSwitchError reports a switch request while a different target
// is already pending and unconsumed.
type ConflictingSwitchError struct {
	Pending   Agent
	Requested Agent
}

func (e *ConflictingSwitchError) Error() string {
	return "conflicting switch: " + string(e.Requested) + " requested while " +
		string(e.Pending) + " is pending"
}

// StateChange represents a floor transition event.
type StateChange struct {
	FromState State
	ToState   State
	Agent     Agent
	TurnCount int
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// Manager is the turn-taking state machine for one session. It tracks
// floor ownership, the turn counter, the derived phase, and a pending
// agent switch overlay. It performs no I/O; every mutation happens under
// one mutex so the orchestrator's event loop is its only effective writer.
type Manager struct {
	mu sync.Mutex

	state         State
	active        Agent
	turnCount     int
	pendingSwitch Agent
	switchPending bool

	listeners []StateListener
}

// NewManager returns an idle manager with the floor initially assigned
// to the given agent for its first turn.
func NewManager(initial Agent) *Manager {
	return &Manager{state: StateIdle, active: initial}
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveAgent returns the agent that owns (or last owned) the floor.
func (m *Manager) ActiveAgent() Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// TurnCount returns the number of completed primary turns.
func (m *Manager) TurnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnCount
}

// Phase returns the phase derived from the current turn count.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DeterminePhase(m.turnCount)
}

// SwitchPending reports whether an unconsumed switch request exists.
func (m *Manager) SwitchPending() (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingSwitch, m.switchPending
}

// StartTurn transitions the floor to the given agent. Valid from Idle,
// idempotent for the agent already holding an active turn, and permitted
// for a different agent only when that agent is the pending switch target.
func (m *Manager) StartTurn(agent Agent) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.state == StateTurnActive {
		if m.active == agent {
			m.mu.Unlock()
			return nil
		}
		if !m.switchPending || m.pendingSwitch != agent {
			err := &InvalidTransitionError{State: m.state, Active: m.active, Target: agent}
			m.mu.Unlock()
			return err
		}
	}
	from := m.state
	m.state = StateTurnActive
	m.active = agent
	event := m.changeLocked(from, StateTurnActive, "turn started")
	m.mu.Unlock()
	m.notify(event)
	return nil
}

// CompleteTurn ends the active primary turn, increments the turn counter,
// and returns the new count and phase so the caller can reconfigure the
// partner persona before its next turn.
func (m *Manager) CompleteTurn() (int, Phase, error) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return 0, 0, ErrSessionClosed
	}
	if m.state != StateTurnActive {
		err := &InvalidTransitionError{State: m.state, Active: m.active}
		m.mu.Unlock()
		return 0, 0, err
	}
	if !m.active.IsPrimary() {
		m.mu.Unlock()
		return 0, 0, ErrNotPrimary
	}
	m.turnCount++
	count := m.turnCount
	phase := DeterminePhase(count)
	event := m.changeLocked(StateTurnActive, StateIdle, "turn complete")
	m.state = StateIdle
	m.mu.Unlock()
	m.notify(event)
	return count, phase, nil
}

// AbortTurn returns the machine to Idle after an adapter failure without
// advancing the turn counter.
func (m *Manager) AbortTurn(reason string) {
	m.mu.Lock()
	if m.state != StateTurnActive {
		m.mu.Unlock()
		return
	}
	event := m.changeLocked(StateTurnActive, StateIdle, reason)
	m.state = StateIdle
	m.mu.Unlock()
	m.notify(event)
}

// RequestSwitch records a pending handoff target. Repeating the same
// target is a no-op; a different target while one is pending fails.
func (m *Manager) RequestSwitch(target Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrSessionClosed
	}
	if m.switchPending {
		if m.pendingSwitch == target {
			return nil
		}
		return &ConflictingSwitchError{Pending: m.pendingSwitch, Requested: target}
	}
	m.pendingSwitch = target
	m.switchPending = true
	return nil
}

// ConsumeSwitch clears and returns the pending switch target. Each
// requested switch is observed by exactly one consume.
func (m *Manager) ConsumeSwitch() (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return "", ErrSessionClosed
	}
	if !m.switchPending {
		return "", ErrNoSwitchPending
	}
	target := m.pendingSwitch
	m.pendingSwitch = ""
	m.switchPending = false
	return target, nil
}

// Close moves the machine to its terminal state. All further operations
// fail with ErrSessionClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	event := m.changeLocked(m.state, StateClosed, "session teardown")
	m.state = StateClosed
	m.mu.Unlock()
	m.notify(event)
}

// AddListener registers a listener for state change events.
func (m *Manager) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) changeLocked(from, to State, reason string) StateChange {
	return StateChange{
		FromState: from,
		ToState:   to,
		Agent:     m.active,
		TurnCount: m.turnCount,
		Timestamp: time.Now(),
		Reason:    reason,
	}
}

func (m *Manager) notify(event StateChange) {
	m.mu.Lock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnStateChange(event)
	}
}
