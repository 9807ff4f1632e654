package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/joejoethish/ecom-sub017/internal/domain/migration"
	"github.com/joejoethish/ecom-sub017/internal/migration"
	"github.com/joejoethish/ecom-sub017/internal/pkg/dbctx"
	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

// GormAuditSink mirrors run metrics and checkpoints into relational storage.
// It is best-effort by contract: the orchestrator logs sink errors and keeps
// going.
type GormAuditSink struct {
	runs        RunRepo
	checkpoints CheckpointRepo
	log         *logger.Logger

	mu  sync.Mutex
	seq map[string]int
}

func NewGormAuditSink(db *gorm.DB, baseLog *logger.Logger) (*GormAuditSink, error) {
	if db == nil {
		return nil, fmt.Errorf("audit sink requires a database handle")
	}
	if err := db.AutoMigrate(&types.MigrationRun{}, &types.MigrationCheckpoint{}); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	return &GormAuditSink{
		runs:        NewRunRepo(db, baseLog),
		checkpoints: NewCheckpointRepo(db, baseLog),
		log:         baseLog.With("component", "GormAuditSink"),
		seq:         make(map[string]int),
	}, nil
}

func (s *GormAuditSink) RecordRun(ctx context.Context, m migration.Metrics) error {
	id, err := uuid.Parse(m.RunID)
	if err != nil {
		return fmt.Errorf("parse run id %q: %w", m.RunID, err)
	}
	run := &types.MigrationRun{
		ID:                     id,
		Stage:                  string(m.Stage),
		TotalTables:            m.TotalTables,
		TablesProcessed:        m.TablesProcessed,
		TotalRecords:           m.TotalRecords,
		RecordsMigrated:        m.RecordsMigrated,
		ErrorCount:             m.ErrorCount,
		ValidationFailureCount: m.ValidationFailureCount,
		SyncLagSeconds:         m.SyncLagSeconds,
		RollbackTriggered:      m.RollbackTriggered,
		StartedAt:              m.StartedAt,
		FinishedAt:             m.FinishedAt,
	}
	return s.runs.Upsert(dbctx.Context{Ctx: ctx}, run)
}

func (s *GormAuditSink) RecordCheckpoint(ctx context.Context, runID string, cp migration.Checkpoint) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("parse run id %q: %w", runID, err)
	}

	s.mu.Lock()
	seq := s.seq[runID]
	s.seq[runID] = seq + 1
	s.mu.Unlock()

	var details datatypes.JSON
	if cp.Details != nil {
		raw, err := json.Marshal(cp.Details)
		if err != nil {
			s.log.Warn("checkpoint details not serializable", "stage", string(cp.Stage), "error", err)
		} else {
			details = datatypes.JSON(raw)
		}
	}

	return s.checkpoints.Append(dbctx.Context{Ctx: ctx}, &types.MigrationCheckpoint{
		ID:        uuid.New(),
		RunID:     id,
		Seq:       seq,
		Stage:     string(cp.Stage),
		Status:    string(cp.Status),
		Details:   details,
		Timestamp: cp.Timestamp,
	})
}
