package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/troupelab/troupe/pkg/turn"
)

func testSnapshot() Snapshot {
	started := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return Snapshot{
		SessionID:         "sess-1",
		UserID:            "user-9",
		ActiveAgent:       turn.AgentPartner,
		TurnCount:         5,
		Phase:             turn.PhaseChallenging,
		LastAmbientFireAt: started.Add(90 * time.Second),
		AudioChunksIn:     1200,
		AudioChunksOut:    3400,
		AmbientFires:      4,
		SwitchCount:       1,
		StartedAt:         started,
		UpdatedAt:         started.Add(2 * time.Minute),
	}
}

func runStoreSuite(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load absent: err = %v, want ErrNotFound", err)
	}

	want := testSnapshot()
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, want.SessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ActiveAgent != turn.AgentPartner || got.TurnCount != 5 || got.Phase != turn.PhaseChallenging {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if !got.LastAmbientFireAt.Equal(want.LastAmbientFireAt) {
		t.Fatalf("last ambient fire = %v, want %v", got.LastAmbientFireAt, want.LastAmbientFireAt)
	}
	if got.EndedAt != nil {
		t.Fatalf("ended at should be nil: %v", got.EndedAt)
	}

	// Overwrite with a later checkpoint of the same session.
	want.TurnCount = 7
	want.ActiveAgent = turn.AgentHost
	ended := want.StartedAt.Add(10 * time.Minute)
	want.EndedAt = &ended
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err = s.Load(ctx, want.SessionID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.TurnCount != 7 || got.ActiveAgent != turn.AgentHost {
		t.Fatalf("overwrite lost: %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("ended at = %v, want %v", got.EndedAt, ended)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreSuite(t, s)
}

func TestGormStore(t *testing.T) {
	s, err := NewGormStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func TestGormStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()

	s, err := NewGormStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(ctx, testSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewGormStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if got.TurnCount != 5 || got.ActiveAgent != turn.AgentPartner {
		t.Fatalf("unexpected snapshot after reopen: %+v", got)
	}
}

func TestGormStoreRejectsEmptySessionID(t *testing.T) {
	s, err := NewGormStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Save(context.Background(), Snapshot{}); err == nil {
		t.Fatalf("expected save without session id to fail")
	}
}
