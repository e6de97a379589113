package troupe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/troupelab/troupe/pkg/auth"
	"github.com/troupelab/troupe/pkg/catalog"
	"github.com/troupelab/troupe/pkg/configutil"
	"github.com/troupelab/troupe/pkg/live"
	livemock "github.com/troupelab/troupe/pkg/live/mock"
	"github.com/troupelab/troupe/pkg/live/relay"
	"github.com/troupelab/troupe/pkg/logging"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/orchestrator"
	"github.com/troupelab/troupe/pkg/redact"
	"github.com/troupelab/troupe/pkg/runner"
	"github.com/troupelab/troupe/pkg/store"
	"github.com/troupelab/troupe/pkg/stt"
	"github.com/troupelab/troupe/pkg/stt/deepgram"
	"github.com/troupelab/troupe/pkg/transports"
	"github.com/troupelab/troupe/pkg/transports/ws"
)

// EngineOptions carries the config plus optional component overrides.
// Overrides take precedence over the config-selected providers; tests
// and embedders use them to swap in their own implementations.
type EngineOptions struct {
	Config     Config
	Opener     live.Opener
	Authorizer auth.Authorizer
	Catalog    catalog.Catalog
	Observer   metrics.Observer
	Transport  transports.Transport
	Store      store.Store
}

// Engine is the assembled process: one transport accepting client
// connections, one orchestrator running sessions.
type Engine struct {
	cfg       Config
	orch      *orchestrator.Orchestrator
	transport transports.Transport
	store     store.Store
	asyncObs  *metrics.AsyncObserver
	metricsW  io.Closer
	lifecycle *runner.LifecycleRunner
	logger    *slog.Logger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	slog.SetDefault(logging.InitLogger(parseLogLevel(cfg.LogLevel)))
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := logging.NewComponentLogger(slog.Default(), "engine")

	logger.Info("engine_init",
		slog.String("environment", cfg.Environment),
		slog.String("live_provider", cfg.Live.Provider),
		slog.String("stt_provider", cfg.STT.Provider),
		slog.String("transport", cfg.Transport.Provider),
		slog.String("store_driver", cfg.Store.Driver))

	e := &Engine{cfg: cfg, logger: logger}

	observer, err := e.buildObserver(opts)
	if err != nil {
		return nil, err
	}
	st, err := buildStore(cfg, opts)
	if err != nil {
		return nil, err
	}
	e.store = st
	cat, err := buildCatalog(cfg, opts)
	if err != nil {
		return nil, err
	}
	opener, err := buildOpener(cfg, opts)
	if err != nil {
		return nil, err
	}
	tapFactory, err := buildTapFactory(cfg)
	if err != nil {
		return nil, err
	}
	authorizer := buildAuthorizer(cfg, opts)

	e.orch = orchestrator.New(cfg.Session, orchestrator.Deps{
		Opener:     opener,
		Catalog:    cat,
		Store:      st,
		Observer:   observer,
		TapFactory: tapFactory,
	})

	if opts.Transport != nil {
		e.transport = opts.Transport
	} else {
		if err := configutil.ValidateSettings(cfg.Transport.Settings, configutil.Schema{
			Optional: []string{"server_addr", "session_path", "allow_any_origin", "allowed_origins", "ping_interval", "write_timeout", "read_limit"},
		}); err != nil {
			return nil, fmt.Errorf("transport.settings: %w", err)
		}
		var wsCfg ws.Config
		if err := configutil.DecodeSettings(cfg.Transport.Settings, &wsCfg); err != nil {
			return nil, fmt.Errorf("transport.settings: %w", err)
		}
		e.transport = ws.New(wsCfg, authorizer, e.orch)
	}

	e.lifecycle = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: func() {
			fields := []any{slog.String("transport", e.transport.Name())}
			if rr, ok := e.transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, slog.Any(k, v))
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() { logger.Info("engine_stopped") },
	}, cfg.DrainTimeout)

	return e, nil
}

// Run starts the transport and blocks until ctx is canceled or Stop is
// called, then drains.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	return e.lifecycle.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.lifecycle.Stop()
}

// Drain stops accepting connections, finishes in-flight sessions, and
// releases shared resources. Called by the lifecycle runner.
func (e *Engine) Drain(ctx context.Context) {
	_ = e.transport.Stop()
	e.orch.Drain(ctx)
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.metricsW != nil {
		_ = e.metricsW.Close()
	}
}

// Orchestrator exposes the session coordinator for embedders.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

func (e *Engine) buildObserver(opts EngineOptions) (metrics.Observer, error) {
	inner := opts.Observer
	if inner == nil {
		cfg := opts.Config
		if strings.TrimSpace(cfg.Metrics.Path) != "" {
			f, err := os.OpenFile(cfg.Metrics.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open metrics file: %w", err)
			}
			e.metricsW = f
			inner = metrics.NewJSONLObserver(f)
		} else {
			inner = metrics.NoopObserver{}
		}
	}
	sampleRate := opts.Config.Metrics.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewSamplingObserver(inner, sampleRate), opts.Config.Metrics.Buffer)
	return e.asyncObs, nil
}

func buildStore(cfg Config, opts EngineOptions) (store.Store, error) {
	if opts.Store != nil {
		return opts.Store, nil
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewGormStore(cfg.Store.DSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildCatalog(cfg Config, opts EngineOptions) (catalog.Catalog, error) {
	if opts.Catalog != nil {
		return opts.Catalog, nil
	}
	if strings.TrimSpace(cfg.Catalog.Path) != "" {
		return catalog.LoadFile(cfg.Catalog.Path)
	}
	return catalog.NewStatic(catalog.StaticConfig{})
}

func buildOpener(cfg Config, opts EngineOptions) (live.Opener, error) {
	if opts.Opener != nil {
		return opts.Opener, nil
	}
	switch cfg.Live.Provider {
	case "mock":
		return livemock.NewOpener(nil), nil
	default:
		if err := configutil.ValidateSettings(cfg.Live.Settings, configutil.Schema{
			Required: []string{"url", "api_key"},
			Optional: []string{"dial_timeout", "max_reconnects", "reconnect_delay"},
		}); err != nil {
			return nil, fmt.Errorf("live.settings: %w", err)
		}
		var relayCfg relay.Config
		if err := configutil.DecodeSettings(cfg.Live.Settings, &relayCfg); err != nil {
			return nil, fmt.Errorf("live.settings: %w", err)
		}
		return relay.NewOpener(relayCfg), nil
	}
}

func buildTapFactory(cfg Config) (orchestrator.TapFactory, error) {
	if cfg.STT.Provider != "deepgram" {
		return nil, nil
	}
	if err := configutil.ValidateSettings(cfg.STT.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
	}); err != nil {
		return nil, fmt.Errorf("stt.settings: %w", err)
	}
	var dgCfg deepgram.Config
	if err := configutil.DecodeSettings(cfg.STT.Settings, &dgCfg); err != nil {
		return nil, fmt.Errorf("stt.settings: %w", err)
	}
	return func(sessionID string) stt.Tap {
		c := dgCfg
		c.SessionID = sessionID
		return deepgram.New(c)
	}, nil
}

func buildAuthorizer(cfg Config, opts EngineOptions) auth.Authorizer {
	if opts.Authorizer != nil {
		return opts.Authorizer
	}
	tiers := make([]auth.Tier, 0, len(cfg.Auth.AllowedTiers))
	for _, t := range cfg.Auth.AllowedTiers {
		tiers = append(tiers, auth.Tier(t))
	}
	authorizer := auth.NewStaticAuthorizer(tiers...)
	for token, tc := range cfg.Auth.Tokens {
		authorizer.Register(token, auth.UserContext{UserID: tc.UserID, Tier: auth.Tier(tc.Tier)})
	}
	return authorizer
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
