package turn

import "fmt"

// Agent identifies one conversational agent slot in a session.
type Agent string

const (
	AgentHost    Agent = "host"
	AgentPartner Agent = "partner"
	AgentAmbient Agent = "ambient"
)

// IsPrimary reports whether the agent may hold the conversational floor.
// Only primary agents advance the turn counter.
func (a Agent) IsPrimary() bool {
	return a == AgentHost || a == AgentPartner
}

func (a Agent) String() string { return string(a) }

// ParseAgent validates a wire-level agent name.
func ParseAgent(s string) (Agent, error) {
	switch Agent(s) {
	case AgentHost, AgentPartner, AgentAmbient:
		return Agent(s), nil
	}
	return "", fmt.Errorf("unknown agent %q", s)
}

// Phase is the coarse difficulty mode for the partner agent, derived
// purely from the turn counter.
type Phase int

const (
	PhaseSupportive  Phase = 1
	PhaseChallenging Phase = 2
)

func (p Phase) String() string {
	switch p {
	case PhaseSupportive:
		return "supportive"
	case PhaseChallenging:
		return "challenging"
	default:
		return "unknown"
	}
}

// phaseBoundary is the turn count at which the partner shifts from
// supportive to challenging behavior.
const phaseBoundary = 4

// DeterminePhase maps a turn count to a phase. Total over all ints:
// negative counts clamp to the supportive phase.
func DeterminePhase(turnCount int) Phase {
	if turnCount < phaseBoundary {
		return PhaseSupportive
	}
	return PhaseChallenging
}
