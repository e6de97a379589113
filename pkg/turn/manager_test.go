package turn

import (
	"errors"
	"sync"
	"testing"
)

func TestDeterminePhaseBoundary(t *testing.T) {
	cases := []struct {
		count int
		want  Phase
	}{
		{-10, PhaseSupportive},
		{-1, PhaseSupportive},
		{0, PhaseSupportive},
		{3, PhaseSupportive},
		{4, PhaseChallenging},
		{5, PhaseChallenging},
		{1 << 30, PhaseChallenging},
	}
	for _, tc := range cases {
		if got := DeterminePhase(tc.count); got != tc.want {
			t.Fatalf("DeterminePhase(%d) = %s, want %s", tc.count, got, tc.want)
		}
	}
}

func TestDeterminePhaseMonotonic(t *testing.T) {
	prev := DeterminePhase(0)
	for count := 1; count < 100; count++ {
		cur := DeterminePhase(count)
		if cur < prev {
			t.Fatalf("phase decreased at turn %d: %s -> %s", count, prev, cur)
		}
		if cur != prev && count != 4 {
			t.Fatalf("phase transition at turn %d, expected only at 4", count)
		}
		prev = cur
	}
}

func TestStartTurnRejectsUsurper(t *testing.T) {
	m := NewManager(AgentHost)
	if err := m.StartTurn(AgentHost); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	err := m.StartTurn(AgentPartner)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	// Idempotent for the current floor holder.
	if err := m.StartTurn(AgentHost); err != nil {
		t.Fatalf("restart same agent: %v", err)
	}
}

func TestStartTurnAllowsPendingSwitchTarget(t *testing.T) {
	m := NewManager(AgentHost)
	if err := m.StartTurn(AgentHost); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := m.RequestSwitch(AgentPartner); err != nil {
		t.Fatalf("request switch: %v", err)
	}
	if err := m.StartTurn(AgentPartner); err != nil {
		t.Fatalf("start switch target: %v", err)
	}
	if m.ActiveAgent() != AgentPartner {
		t.Fatalf("expected partner active, got %s", m.ActiveAgent())
	}
}

func TestCompleteTurnAdvancesCountAndPhase(t *testing.T) {
	m := NewManager(AgentHost)
	for i := 0; i < 5; i++ {
		if err := m.StartTurn(AgentHost); err != nil {
			t.Fatalf("start turn %d: %v", i, err)
		}
		count, phase, err := m.CompleteTurn()
		if err != nil {
			t.Fatalf("complete turn %d: %v", i, err)
		}
		if count != i+1 {
			t.Fatalf("expected count %d, got %d", i+1, count)
		}
		wantPhase := PhaseSupportive
		if count >= 4 {
			wantPhase = PhaseChallenging
		}
		if phase != wantPhase {
			t.Fatalf("turn %d: expected phase %s, got %s", count, wantPhase, phase)
		}
	}
}

func TestCompleteTurnRejectsAmbient(t *testing.T) {
	m := NewManager(AgentAmbient)
	if err := m.StartTurn(AgentAmbient); err != nil {
		t.Fatalf("start ambient: %v", err)
	}
	if _, _, err := m.CompleteTurn(); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
}

func TestCompleteTurnWhenIdle(t *testing.T) {
	m := NewManager(AgentHost)
	_, _, err := m.CompleteTurn()
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestSwitchLifecycle(t *testing.T) {
	m := NewManager(AgentHost)

	if _, err := m.ConsumeSwitch(); !errors.Is(err, ErrNoSwitchPending) {
		t.Fatalf("expected ErrNoSwitchPending, got %v", err)
	}

	if err := m.RequestSwitch(AgentPartner); err != nil {
		t.Fatalf("request switch: %v", err)
	}
	// Idempotent for the same target.
	if err := m.RequestSwitch(AgentPartner); err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	// Different target conflicts.
	err := m.RequestSwitch(AgentHost)
	var cse *ConflictingSwitchError
	if !errors.As(err, &cse) {
		t.Fatalf("expected ConflictingSwitchError, got %v", err)
	}
	if cse.Pending != AgentPartner || cse.Requested != AgentHost {
		t.Fatalf("unexpected conflict detail: %+v", cse)
	}

	target, err := m.ConsumeSwitch()
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if target != AgentPartner {
		t.Fatalf("expected partner, got %s", target)
	}
	// Consumed exactly once; no stale target remains.
	if _, err := m.ConsumeSwitch(); !errors.Is(err, ErrNoSwitchPending) {
		t.Fatalf("expected ErrNoSwitchPending after consume, got %v", err)
	}
}

func TestBasicHandoffScenario(t *testing.T) {
	m := NewManager(AgentHost)

	if err := m.StartTurn(AgentHost); err != nil {
		t.Fatalf("host turn: %v", err)
	}
	if err := m.RequestSwitch(AgentPartner); err != nil {
		t.Fatalf("switch request: %v", err)
	}
	count, phase, err := m.CompleteTurn()
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if count != 1 || phase != PhaseSupportive {
		t.Fatalf("after host turn: count=%d phase=%s", count, phase)
	}

	target, err := m.ConsumeSwitch()
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if target != AgentPartner {
		t.Fatalf("expected partner target, got %s", target)
	}
	// The switch itself is not a turn completion.
	if m.TurnCount() != 1 {
		t.Fatalf("switch must not advance turn count, got %d", m.TurnCount())
	}

	for i := 0; i < 3; i++ {
		if err := m.StartTurn(AgentPartner); err != nil {
			t.Fatalf("partner turn %d: %v", i, err)
		}
		if _, _, err := m.CompleteTurn(); err != nil {
			t.Fatalf("partner complete %d: %v", i, err)
		}
	}
	if m.Phase() != PhaseChallenging {
		t.Fatalf("expected challenging phase after turn 4, got %s", m.Phase())
	}
}

func TestClosedIsTerminal(t *testing.T) {
	m := NewManager(AgentHost)
	m.Close()

	if err := m.StartTurn(AgentHost); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("StartTurn after close: %v", err)
	}
	if _, _, err := m.CompleteTurn(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("CompleteTurn after close: %v", err)
	}
	if err := m.RequestSwitch(AgentPartner); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("RequestSwitch after close: %v", err)
	}
	if _, err := m.ConsumeSwitch(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("ConsumeSwitch after close: %v", err)
	}
	// Close is idempotent.
	m.Close()
}

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(event StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureListener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestListenersObserveTransitions(t *testing.T) {
	m := NewManager(AgentHost)
	cap := &captureListener{}
	m.AddListener(cap)

	if err := m.StartTurn(AgentHost); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := m.CompleteTurn(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	m.Close()

	if cap.count() != 3 {
		t.Fatalf("expected 3 state changes, got %d", cap.count())
	}
	cap.mu.Lock()
	defer cap.mu.Unlock()
	if cap.events[0].ToState != StateTurnActive || cap.events[1].ToState != StateIdle || cap.events[2].ToState != StateClosed {
		t.Fatalf("unexpected transition order: %+v", cap.events)
	}
}
