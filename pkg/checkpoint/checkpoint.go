// Package checkpoint periodically persists session snapshots. A failed
// save is logged and retried on the next interval; checkpointing never
// interrupts the audio path.
package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/troupelab/troupe/pkg/logging"
	"github.com/troupelab/troupe/pkg/metrics"
	"github.com/troupelab/troupe/pkg/store"
)

type Config struct {
	Interval     time.Duration `mapstructure:"interval"`
	EveryChunks  int64         `mapstructure:"every_chunks"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.EveryChunks <= 0 {
		c.EveryChunks = 500
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}
	return c
}

// Source produces the current snapshot on demand. The orchestrator is
// the single writer of session state, so reads go through it.
type Source func() store.Snapshot

// Checkpointer drives periodic saves for one session.
type Checkpointer struct {
	cfg      Config
	store    store.Store
	source   Source
	observer metrics.Observer
	logger   *slog.Logger

	chunks  atomic.Int64
	started atomic.Bool
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func New(st store.Store, source Source, observer metrics.Observer, cfg Config) *Checkpointer {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Checkpointer{
		cfg:      cfg.withDefaults(),
		store:    st,
		source:   source,
		observer: observer,
		logger:   logging.NewComponentLogger(slog.Default(), "checkpoint"),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the checkpoint loop. It runs until Flush or ctx cancel.
func (c *Checkpointer) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run(ctx)
}

func (c *Checkpointer) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.save(ctx)
		case <-c.notify:
			c.save(ctx)
			ticker.Reset(c.cfg.Interval)
		}
	}
}

// RecordChunk counts one processed audio chunk. Crossing the chunk
// threshold forces an early checkpoint.
func (c *Checkpointer) RecordChunk() {
	if c.chunks.Add(1)%c.cfg.EveryChunks != 0 {
		return
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Checkpointer) save(ctx context.Context) {
	snap := c.source()
	snap.UpdatedAt = time.Now().UTC()
	if err := c.store.Save(ctx, snap); err != nil {
		c.observer.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventCheckpointFail,
			Time: time.Now(),
			Tags: map[string]string{"session_id": snap.SessionID},
		})
		c.logger.Warn("checkpoint_save_failed",
			slog.String("session_id", snap.SessionID),
			slog.String("error", err.Error()))
		return
	}
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventCheckpointOK,
		Time: time.Now(),
		Tags: map[string]string{"session_id": snap.SessionID},
	})
	c.logger.Debug("checkpoint_saved",
		slog.String("session_id", snap.SessionID),
		slog.Int("turn_count", snap.TurnCount))
}

// Flush stops the loop and writes one final snapshot with a short
// deadline. Used during session teardown.
func (c *Checkpointer) Flush(snap store.Snapshot) error {
	c.stopped.Do(func() {
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
	defer cancel()
	snap.UpdatedAt = time.Now().UTC()
	if err := c.store.Save(ctx, snap); err != nil {
		c.logger.Error("checkpoint_flush_failed",
			slog.String("session_id", snap.SessionID),
			slog.String("error", err.Error()))
		return err
	}
	c.logger.Info("checkpoint_flushed",
		slog.String("session_id", snap.SessionID),
		slog.Int("turn_count", snap.TurnCount))
	return nil
}
