// Package store persists session snapshots so that conversational
// position survives a process restart. A snapshot is a small bookmark,
// not a full transcript.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/troupelab/troupe/pkg/turn"
)

// ErrNotFound is returned when no snapshot exists for a session.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the durable state of one session at a checkpoint.
type Snapshot struct {
	SessionID         string
	UserID            string
	ActiveAgent       turn.Agent
	TurnCount         int
	Phase             turn.Phase
	LastAmbientFireAt time.Time
	AudioChunksIn     int64
	AudioChunksOut    int64
	AmbientFires      int64
	SwitchCount       int64
	StartedAt         time.Time
	UpdatedAt         time.Time
	EndedAt           *time.Time
}

// Store saves and loads snapshots keyed by session ID. Save overwrites
// any previous snapshot for the same session.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, error)
	Close() error
}
