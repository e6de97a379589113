package ambient

import (
	"strings"
	"time"
)

// Sentiment is the coarse lexical sentiment bucket of one exchange.
type Sentiment int

const (
	VeryNegative Sentiment = iota - 2
	Negative
	Neutral
	Positive
	VeryPositive
)

func (s Sentiment) String() string {
	switch s {
	case VeryNegative:
		return "very_negative"
	case Negative:
		return "negative"
	case Neutral:
		return "neutral"
	case Positive:
		return "positive"
	case VeryPositive:
		return "very_positive"
	default:
		return "unknown"
	}
}

// Suppress reasons reported on non-firing decisions.
const (
	SuppressCooldown  = "cooldown"
	SuppressLowSignal = "low_signal"
)

// Decision is the outcome of one trigger evaluation.
type Decision struct {
	Fire      bool
	Hint      string
	Sentiment Sentiment
	Energy    float64
	Reason    string
}

// Config tunes the trigger. Lexicon and hints are data: callers replace
// them wholesale (e.g. from the content catalog) without touching logic.
type Config struct {
	Cooldown       time.Duration
	EnergyCap      int
	PunctBonus     float64
	Lexicon        map[string]int
	HintsByBucket  map[Sentiment]string
	MinMixedEnergy float64
	MinPureEnergy  float64
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	if c.EnergyCap <= 0 {
		c.EnergyCap = 200
	}
	if c.PunctBonus <= 0 {
		c.PunctBonus = 0.2
	}
	if len(c.Lexicon) == 0 {
		c.Lexicon = defaultLexicon()
	}
	if len(c.HintsByBucket) == 0 {
		c.HintsByBucket = defaultHints()
	}
	if c.MinMixedEnergy <= 0 {
		c.MinMixedEnergy = 0.4
	}
	if c.MinPureEnergy <= 0 {
		c.MinPureEnergy = 0.75
	}
	return c
}

// Trigger decides whether the ambient agent should inject a reaction
// after a primary turn. It is side-effect free: the caller owns the
// last-fire timestamp and updates it only after a successful dispatch.
type Trigger struct {
	cfg Config
}

func New(cfg Config) *Trigger {
	return &Trigger{cfg: cfg.withDefaults()}
}

// Cooldown exposes the effective cooldown for callers enforcing it.
func (t *Trigger) Cooldown() time.Duration { return t.cfg.Cooldown }

// Evaluate scores the latest finalized user and agent utterances and
// returns a fire or suppress decision. lastFire is the zero value when
// the ambient agent has never fired in this session.
func (t *Trigger) Evaluate(userText, agentText string, lastFire, now time.Time) Decision {
	combined := strings.TrimSpace(userText + " " + agentText)
	sentiment := t.classify(combined)
	energy := t.energy(combined)

	d := Decision{Sentiment: sentiment, Energy: energy}

	if !lastFire.IsZero() && now.Sub(lastFire) < t.cfg.Cooldown {
		d.Reason = SuppressCooldown
		return d
	}

	qualifies := sentiment == VeryPositive || sentiment == VeryNegative ||
		energy >= t.cfg.MinPureEnergy ||
		(sentiment != Neutral && energy >= t.cfg.MinMixedEnergy)
	if !qualifies {
		d.Reason = SuppressLowSignal
		return d
	}

	d.Fire = true
	d.Hint = t.cfg.HintsByBucket[sentiment]
	return d
}

func (t *Trigger) classify(text string) Sentiment {
	lower := strings.ToLower(text)
	score := 0
	for keyword, weight := range t.cfg.Lexicon {
		if strings.Contains(lower, keyword) {
			score += weight
		}
	}
	switch {
	case score <= -2:
		return VeryNegative
	case score == -1:
		return Negative
	case score == 1:
		return Positive
	case score >= 2:
		return VeryPositive
	default:
		return Neutral
	}
}

func (t *Trigger) energy(text string) float64 {
	if text == "" {
		return 0
	}
	score := float64(len(text)) / float64(t.cfg.EnergyCap)
	if score > 1 {
		score = 1
	}
	if strings.ContainsAny(text, "!?") {
		score += t.cfg.PunctBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}

func defaultLexicon() map[string]int {
	return map[string]int{
		"amazing":   2,
		"incredib":  2,
		"hilarious": 2,
		"love":      2,
		"brilliant": 2,
		"great":     1,
		"fun":       1,
		"nice":      1,
		"yes":       1,
		"awful":     -2,
		"terrible":  -2,
		"hate":      -2,
		"disaster":  -2,
		"boring":    -1,
		"bad":       -1,
		"no way":    -1,
		"wrong":     -1,
	}
}

func defaultHints() map[Sentiment]string {
	return map[Sentiment]string{
		VeryPositive: "React with a short burst of cheering and applause.",
		Positive:     "React with light laughter and an approving murmur.",
		Neutral:      "React with a brief attentive murmur.",
		Negative:     "React with a short sympathetic groan.",
		VeryNegative: "React with an audible gasp and uneasy murmur.",
	}
}
