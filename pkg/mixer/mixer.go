package mixer

import (
	"encoding/binary"
	"math"
	"time"
)

// Config tunes ambient mixing. Sample format is PCM16 mono by default;
// rate and channels are product parameters, not part of the contract.
type Config struct {
	AmbientGain        float64
	MaxAmbientDuration time.Duration
	SampleRate         int
	Channels           int
}

func (c Config) withDefaults() Config {
	if c.AmbientGain <= 0 || c.AmbientGain > 1 {
		c.AmbientGain = 0.3
	}
	if c.MaxAmbientDuration <= 0 {
		c.MaxAmbientDuration = 3 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Mixer serializes a full-volume primary stream and an attenuated
// ambient stream into one outbound stream. Ambient audio is only
// released between primary turns: chunks arriving while a primary turn
// is in flight are queued (bounded by MaxAmbientDuration) and drained on
// turn completion. With nothing queued the primary path is a pure
// pass-through.
//
// The mixer is not safe for concurrent use; the orchestrator's event
// loop is its single caller.
type Mixer struct {
	cfg             Config
	primaryInFlight bool
	queued          []byte
	queuedMax       int
	truncated       bool
}

func New(cfg Config) *Mixer {
	cfg = cfg.withDefaults()
	maxBytes := int(float64(cfg.SampleRate*cfg.Channels*2) * cfg.MaxAmbientDuration.Seconds())
	// Keep whole samples.
	maxBytes -= maxBytes % 2
	return &Mixer{cfg: cfg, queuedMax: maxBytes}
}

// PrimaryStarted gates ambient output for the duration of a primary
// turn. Ambient audio still queued from the previous window is dropped:
// it must never trail into the next turn.
func (m *Mixer) PrimaryStarted() {
	m.primaryInFlight = true
	m.queued = nil
	m.truncated = false
}

// Primary passes a primary audio chunk through unchanged.
func (m *Mixer) Primary(pcm []byte) []byte {
	m.primaryInFlight = true
	return pcm
}

// PrimaryCompleted closes the turn window and returns any queued
// ambient audio, attenuated and truncated to the configured maximum.
func (m *Mixer) PrimaryCompleted() []byte {
	m.primaryInFlight = false
	if len(m.queued) == 0 {
		return nil
	}
	out := attenuate(m.queued, m.cfg.AmbientGain)
	m.queued = nil
	m.truncated = false
	return out
}

// Ambient offers an ambient chunk to the mixer. Between primary turns
// it is returned immediately, attenuated. During a primary turn it is
// queued up to the duration cap; excess is dropped.
func (m *Mixer) Ambient(pcm []byte) []byte {
	if !m.primaryInFlight {
		return attenuate(pcm, m.cfg.AmbientGain)
	}
	room := m.queuedMax - len(m.queued)
	if room <= 0 {
		m.truncated = true
		return nil
	}
	if len(pcm) > room {
		pcm = pcm[:room-room%2]
		m.truncated = true
	}
	m.queued = append(m.queued, pcm...)
	return nil
}

// Truncated reports whether ambient audio was dropped since the last
// primary turn started. Used for metrics only.
func (m *Mixer) Truncated() bool { return m.truncated }

// QueuedBytes reports the amount of ambient audio awaiting the next
// inter-turn window.
func (m *Mixer) QueuedBytes() int { return len(m.queued) }

// attenuate scales PCM16 little-endian samples linearly with clamping.
// Byte-domain scaling distorts audibly, so scaling happens per sample;
// out-of-range results clamp instead of wrapping. A trailing odd byte
// (malformed input) is dropped.
func attenuate(pcm []byte, gain float64) []byte {
	n := len(pcm) - len(pcm)%2
	out := make([]byte, n)
	for i := 0; i < n; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		scaled := math.Round(float64(sample) * gain)
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i:i+2], uint16(int16(scaled)))
	}
	return out
}
