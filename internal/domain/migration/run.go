package migration

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// MigrationRun is the durable mirror of a run's metrics snapshot, upserted on
// every state change so the trail survives a process restart.
type MigrationRun struct {
	ID                     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Stage                  string         `gorm:"column:stage;not null;index" json:"stage"`
	TotalTables            int            `gorm:"column:total_tables;not null;default:0" json:"total_tables"`
	TablesProcessed        int            `gorm:"column:tables_processed;not null;default:0" json:"tables_processed"`
	TotalRecords           int64          `gorm:"column:total_records;not null;default:0" json:"total_records"`
	RecordsMigrated        int64          `gorm:"column:records_migrated;not null;default:0" json:"records_migrated"`
	ErrorCount             int            `gorm:"column:error_count;not null;default:0" json:"error_count"`
	ValidationFailureCount int            `gorm:"column:validation_failure_count;not null;default:0" json:"validation_failure_count"`
	SyncLagSeconds         float64        `gorm:"column:sync_lag_seconds;not null;default:0" json:"sync_lag_seconds"`
	RollbackTriggered      bool           `gorm:"column:rollback_triggered;not null;default:false" json:"rollback_triggered"`
	Details                datatypes.JSON `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	StartedAt              time.Time      `gorm:"column:started_at;not null;index" json:"started_at"`
	FinishedAt             *time.Time     `gorm:"column:finished_at;index" json:"finished_at,omitempty"`
	CreatedAt              time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (MigrationRun) TableName() string { return "migration_run" }

// MigrationCheckpoint is one appended ledger entry; Seq preserves the
// in-memory ordering.
type MigrationCheckpoint struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"run_id"`
	Seq       int            `gorm:"column:seq;not null;index" json:"seq"`
	Stage     string         `gorm:"column:stage;not null;index" json:"stage"`
	Status    string         `gorm:"column:status;not null" json:"status"`
	Details   datatypes.JSON `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	Timestamp time.Time      `gorm:"column:timestamp;not null;index" json:"timestamp"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (MigrationCheckpoint) TableName() string { return "migration_checkpoint" }
