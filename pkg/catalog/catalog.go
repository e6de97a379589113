// Package catalog holds the content side of the experience: persona
// prompts per agent and phase, ambient reaction hints, and the scene
// framing. Content is data; the orchestrator never hardcodes prompts.
package catalog

import (
	"fmt"
	"strings"

	"github.com/troupelab/troupe/pkg/ambient"
	"github.com/troupelab/troupe/pkg/live"
	"github.com/troupelab/troupe/pkg/turn"
)

// Catalog resolves content for agents and reactions.
type Catalog interface {
	// Persona returns the model-side configuration for an agent at a
	// given phase. Phase shifts the prompt, not the identity.
	Persona(agent turn.Agent, phase turn.Phase) (live.PersonaConfig, error)
	// AmbientHints returns candidate reaction lines for a sentiment
	// bucket, strongest match first.
	AmbientHints(s ambient.Sentiment) []string
	// HandoffContext builds the initial context given to a session
	// opened mid-conversation.
	HandoffContext(from, to turn.Agent, turnCount int, summary string) string
	// SceneFraming returns the shared scene description all agents see.
	SceneFraming() string
}

// PersonaSpec is the configurable content for one agent.
type PersonaSpec struct {
	Name             string `mapstructure:"name"`
	Voice            string `mapstructure:"voice"`
	BasePrompt       string `mapstructure:"base_prompt"`
	SupportivePrompt string `mapstructure:"supportive_prompt"`
	ChallengePrompt  string `mapstructure:"challenge_prompt"`
}

// Static is an in-memory catalog seeded with default improv content.
type Static struct {
	personas   map[turn.Agent]PersonaSpec
	hints      map[ambient.Sentiment][]string
	framing    string
	sampleRate int
}

type StaticConfig struct {
	Personas   map[string]PersonaSpec `mapstructure:"personas"`
	Hints      map[string][]string    `mapstructure:"hints"`
	Framing    string                 `mapstructure:"framing"`
	SampleRate int                    `mapstructure:"sample_rate"`
}

func NewStatic(cfg StaticConfig) (*Static, error) {
	s := &Static{
		personas:   defaultPersonas(),
		hints:      defaultHints(),
		framing:    defaultFraming,
		sampleRate: 16000,
	}
	if cfg.SampleRate > 0 {
		s.sampleRate = cfg.SampleRate
	}
	if cfg.Framing != "" {
		s.framing = cfg.Framing
	}
	for name, spec := range cfg.Personas {
		agent, err := turn.ParseAgent(name)
		if err != nil {
			return nil, fmt.Errorf("catalog persona %q: %w", name, err)
		}
		base := s.personas[agent]
		if spec.Name != "" {
			base.Name = spec.Name
		}
		if spec.Voice != "" {
			base.Voice = spec.Voice
		}
		if spec.BasePrompt != "" {
			base.BasePrompt = spec.BasePrompt
		}
		if spec.SupportivePrompt != "" {
			base.SupportivePrompt = spec.SupportivePrompt
		}
		if spec.ChallengePrompt != "" {
			base.ChallengePrompt = spec.ChallengePrompt
		}
		s.personas[agent] = base
	}
	for name, lines := range cfg.Hints {
		sentiment, err := parseSentiment(name)
		if err != nil {
			return nil, fmt.Errorf("catalog hints %q: %w", name, err)
		}
		s.hints[sentiment] = lines
	}
	return s, nil
}

func (s *Static) Persona(agent turn.Agent, phase turn.Phase) (live.PersonaConfig, error) {
	spec, ok := s.personas[agent]
	if !ok {
		return live.PersonaConfig{}, fmt.Errorf("no persona for agent %q", agent)
	}
	prompt := spec.BasePrompt
	switch phase {
	case turn.PhaseChallenging:
		if spec.ChallengePrompt != "" {
			prompt = prompt + "\n\n" + spec.ChallengePrompt
		}
	default:
		if spec.SupportivePrompt != "" {
			prompt = prompt + "\n\n" + spec.SupportivePrompt
		}
	}
	prompt = s.framing + "\n\n" + prompt
	return live.PersonaConfig{
		Agent:      agent,
		Name:       spec.Name,
		Voice:      spec.Voice,
		Prompt:     prompt,
		SampleRate: s.sampleRate,
	}, nil
}

func (s *Static) AmbientHints(sent ambient.Sentiment) []string {
	return append([]string(nil), s.hints[sent]...)
}

func (s *Static) HandoffContext(from, to turn.Agent, turnCount int, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are taking over the scene from %s on turn %d.", from, turnCount)
	if summary != "" {
		b.WriteString(" Conversation so far: ")
		b.WriteString(summary)
	}
	fmt.Fprintf(&b, " Continue seamlessly as %s without greeting the player again.", to)
	return b.String()
}

func (s *Static) SceneFraming() string { return s.framing }

func parseSentiment(name string) (ambient.Sentiment, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "very_negative":
		return ambient.VeryNegative, nil
	case "negative":
		return ambient.Negative, nil
	case "neutral":
		return ambient.Neutral, nil
	case "positive":
		return ambient.Positive, nil
	case "very_positive":
		return ambient.VeryPositive, nil
	default:
		return 0, fmt.Errorf("unknown sentiment %q", name)
	}
}

const defaultFraming = "You are part of a live improv comedy troupe performing with one human player. " +
	"The audience is listening in real time. Keep responses short, playful, and always accept what the player offers."

func defaultPersonas() map[turn.Agent]PersonaSpec {
	return map[turn.Agent]PersonaSpec{
		turn.AgentHost: {
			Name:       "Sunny",
			Voice:      "warm",
			BasePrompt: "You are the host. You set up scenes, keep the energy up, and guide the player through the game.",
			SupportivePrompt: "Be generous and encouraging. Accept every offer enthusiastically and make the " +
				"player look good.",
			ChallengePrompt: "Raise the stakes. Introduce complications and push the scene into unexpected places " +
				"while staying playful.",
		},
		turn.AgentPartner: {
			Name:       "Riff",
			Voice:      "bright",
			BasePrompt: "You are the scene partner. You play characters opposite the player and build on their choices.",
			SupportivePrompt: "Follow the player's lead. Mirror their energy and add small details that support " +
				"their ideas.",
			ChallengePrompt: "Throw curveballs. Commit hard to bold character choices and force the player to react.",
		},
		turn.AgentAmbient: {
			Name:       "TheRoom",
			Voice:      "crowd",
			BasePrompt: "You are the audience of a live improv show. You react with short bursts of laughter, gasps, " +
				"applause, or groans. Never speak full sentences.",
		},
	}
}

func defaultHints() map[ambient.Sentiment][]string {
	return map[ambient.Sentiment][]string{
		ambient.VeryPositive: {"burst into applause and cheering", "big laugh with scattered claps"},
		ambient.Positive:     {"warm chuckle from the crowd", "approving murmur"},
		ambient.Neutral:      {"attentive quiet with a cough somewhere"},
		ambient.Negative:     {"sympathetic groan", "sharp intake of breath"},
		ambient.VeryNegative: {"loud theatrical gasp", "collective ooooh of disbelief"},
	}
}

var _ Catalog = (*Static)(nil)
