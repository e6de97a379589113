// Package orchestrator coordinates one session's agents: it demuxes
// client frames, relays live-session events, drives the turn state
// machine, executes agent handoffs, fires ambient reactions, and
// checkpoints session state.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troupelab/troupe/pkg/ambient"
	"github.com/troupelab/troupe/pkg/auth"
	"github.com/troupelab/troupe/pkg/catalog"
	"github.com/troupelab/troupe/pkg/checkpoint"
	"github.com/troupelab/troupe/pkg/live"
	"github.com/troupelab/troupe/pkg/logging"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/mixer"
	"github.com/troupelab/troupe/pkg/store"
	"github.com/troupelab/troupe/pkg/stt"
)

// Emitter is the outbound half of one client connection. Implementations
// own frame encoding and the write pump.
type Emitter interface {
	Emit(frame any) error
	Close(code int, reason string) error
}

// TapFactory builds a per-session transcript tap. Nil disables tapping.
type TapFactory func(sessionID string) stt.Tap

type Config struct {
	SwitchBuffer time.Duration     `mapstructure:"switch_buffer"`
	IdleTimeout  time.Duration     `mapstructure:"idle_timeout"`
	OpenRetries  int               `mapstructure:"open_retries"`
	OpenBackoff  time.Duration     `mapstructure:"open_backoff"`
	SampleRate   int               `mapstructure:"sample_rate"`
	Mixer        mixer.Config      `mapstructure:"mixer"`
	Ambient      ambient.Config    `mapstructure:"ambient"`
	Checkpoint   checkpoint.Config `mapstructure:"checkpoint"`
}

func (c Config) withDefaults() Config {
	if c.SwitchBuffer <= 0 {
		c.SwitchBuffer = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.OpenRetries <= 0 {
		c.OpenRetries = 3
	}
	if c.OpenBackoff <= 0 {
		c.OpenBackoff = 200 * time.Millisecond
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Mixer.SampleRate <= 0 {
		c.Mixer.SampleRate = c.SampleRate
	}
	return c
}

type Deps struct {
	Opener     live.Opener
	Catalog    catalog.Catalog
	Store      store.Store
	Observer   metrics.Observer
	TapFactory TapFactory
}

// Orchestrator tracks all live sessions in the process.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		logger:   logging.NewComponentLogger(slog.Default(), "orchestrator"),
		sessions: make(map[string]*Session),
	}
}

// StartSession creates a session for an authorized connection and runs
// its event loop in the background.
func (o *Orchestrator) StartSession(ctx context.Context, user auth.UserContext, emitter Emitter) *Session {
	s := newSession(uuid.NewString(), user, o.cfg, o.deps, emitter)
	o.mu.Lock()
	o.sessions[s.ID()] = s
	o.mu.Unlock()

	o.deps.Observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionStart,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.ID(), "user_id": user.UserID},
	})
	o.logger.Info("session_started",
		slog.String("session_id", s.ID()),
		slog.String("user_id", user.UserID))

	go func() {
		s.run(ctx)
		o.mu.Lock()
		delete(o.sessions, s.ID())
		o.mu.Unlock()
		o.deps.Observer.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventSessionEnd,
			Time: time.Now(),
			Tags: map[string]string{"session_id": s.ID()},
		})
		o.logger.Info("session_ended", slog.String("session_id", s.ID()))
	}()
	return s
}

// SessionCount reports how many sessions are currently running.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Drain tears down every session and waits for them to finish, bounded
// by ctx. Used on process shutdown so final checkpoints get written.
func (o *Orchestrator) Drain(ctx context.Context) {
	o.mu.Lock()
	all := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.Unlock()

	for _, s := range all {
		s.Disconnect("server draining")
	}
	for _, s := range all {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
}

// Resume loads the prior snapshot for a session ID, if any. Used by
// clients reconnecting to continue a conversation.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (store.Snapshot, error) {
	return o.deps.Store.Load(ctx, sessionID)
}
