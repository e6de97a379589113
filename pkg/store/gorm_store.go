package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/troupelab/troupe/pkg/errorsx"
	"github.com/troupelab/troupe/pkg/turn"
)

type snapshotRow struct {
	SessionID         string    `gorm:"primaryKey;size:191"`
	UserID            string    `gorm:"size:191;index"`
	ActiveAgent       string    `gorm:"size:64;not null"`
	TurnCount         int       `gorm:"not null"`
	Phase             int       `gorm:"not null"`
	LastAmbientFireAt time.Time `gorm:""`
	AudioChunksIn     int64     `gorm:"not null"`
	AudioChunksOut    int64     `gorm:"not null"`
	AmbientFires      int64     `gorm:"not null"`
	SwitchCount       int64     `gorm:"not null"`
	StartedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
	EndedAt           *time.Time
}

func (snapshotRow) TableName() string { return "session_snapshots" }

func (r snapshotRow) toSnapshot() Snapshot {
	return Snapshot{
		SessionID:         r.SessionID,
		UserID:            r.UserID,
		ActiveAgent:       turn.Agent(r.ActiveAgent),
		TurnCount:         r.TurnCount,
		Phase:             turn.Phase(r.Phase),
		LastAmbientFireAt: r.LastAmbientFireAt,
		AudioChunksIn:     r.AudioChunksIn,
		AudioChunksOut:    r.AudioChunksOut,
		AmbientFires:      r.AmbientFires,
		SwitchCount:       r.SwitchCount,
		StartedAt:         r.StartedAt,
		UpdatedAt:         r.UpdatedAt,
		EndedAt:           r.EndedAt,
	}
}

func rowFromSnapshot(snap Snapshot) snapshotRow {
	return snapshotRow{
		SessionID:         snap.SessionID,
		UserID:            snap.UserID,
		ActiveAgent:       string(snap.ActiveAgent),
		TurnCount:         snap.TurnCount,
		Phase:             int(snap.Phase),
		LastAmbientFireAt: snap.LastAmbientFireAt,
		AudioChunksIn:     snap.AudioChunksIn,
		AudioChunksOut:    snap.AudioChunksOut,
		AmbientFires:      snap.AmbientFires,
		SwitchCount:       snap.SwitchCount,
		StartedAt:         snap.StartedAt,
		UpdatedAt:         snap.UpdatedAt,
		EndedAt:           snap.EndedAt,
	}
}

// GormStore persists snapshots in SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the snapshot database at dsn and runs
// migrations. Use ":memory:" for an ephemeral store.
func NewGormStore(dsn string) (*GormStore, error) {
	gormDB, err := gorm.Open(sqliteDriver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	s := &GormStore{db: gormDB}
	if err := s.db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot store: %w", err)
	}
	return s, nil
}

func (s *GormStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.SessionID == "" {
		return errorsx.Wrap(errors.New("snapshot missing session id"), errorsx.ReasonStoreSave)
	}
	row := rowFromSnapshot(snap)
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return errorsx.Wrap(fmt.Errorf("save snapshot: %w", err), errorsx.ReasonStoreSave)
	}
	return nil
}

func (s *GormStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, errorsx.Wrap(fmt.Errorf("load snapshot: %w", err), errorsx.ReasonStoreLoad)
	}
	return row.toSnapshot(), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

var _ Store = (*GormStore)(nil)
