package migration

import (
	"fmt"
	"time"
)

// TriggerConfig holds the thresholds whose breach aborts a run. Thresholds
// are independent: any single one firing is sufficient cause to roll back.
type TriggerConfig struct {
	MaxErrors             int     `json:"max_errors"`
	MaxValidationFailures int     `json:"max_validation_failures"`
	MaxSyncLagSeconds     float64 `json:"max_sync_lag_seconds"`
	MaxMigrationTimeHours float64 `json:"max_migration_time_hours"`
}

type TriggerReason string

const (
	TriggerNone               TriggerReason = ""
	TriggerErrorCount         TriggerReason = "error_count_exceeded"
	TriggerValidationFailures TriggerReason = "validation_failures_exceeded"
	TriggerSyncLag            TriggerReason = "sync_lag_exceeded"
	TriggerMigrationTime      TriggerReason = "migration_time_exceeded"
	TriggerManual             TriggerReason = "manual"
	TriggerCancelled          TriggerReason = "cancelled"
)

// EvaluateTriggers is the stateless rollback predicate: it inspects a metrics
// snapshot against the thresholds and reports the first breached trigger. It
// runs after every unit of work that can move a counter, not only at stage
// boundaries.
func EvaluateTriggers(m Metrics, cfg TriggerConfig, now time.Time) (TriggerReason, bool) {
	if cfg.MaxErrors > 0 && m.ErrorCount > cfg.MaxErrors {
		return TriggerErrorCount, true
	}
	if cfg.MaxValidationFailures > 0 && m.ValidationFailureCount > cfg.MaxValidationFailures {
		return TriggerValidationFailures, true
	}
	if cfg.MaxSyncLagSeconds > 0 && m.SyncLagSeconds > cfg.MaxSyncLagSeconds {
		return TriggerSyncLag, true
	}
	if cfg.MaxMigrationTimeHours > 0 {
		elapsed := now.Sub(m.StartedAt).Hours()
		if elapsed > cfg.MaxMigrationTimeHours {
			return TriggerMigrationTime, true
		}
	}
	return TriggerNone, false
}

func (r TriggerReason) Describe(m Metrics, cfg TriggerConfig) string {
	switch r {
	case TriggerErrorCount:
		return fmt.Sprintf("error count %d exceeded limit %d", m.ErrorCount, cfg.MaxErrors)
	case TriggerValidationFailures:
		return fmt.Sprintf("validation failures %d exceeded limit %d", m.ValidationFailureCount, cfg.MaxValidationFailures)
	case TriggerSyncLag:
		return fmt.Sprintf("sync lag %.1fs exceeded limit %.1fs", m.SyncLagSeconds, cfg.MaxSyncLagSeconds)
	case TriggerMigrationTime:
		return fmt.Sprintf("migration time exceeded limit %.1fh", cfg.MaxMigrationTimeHours)
	default:
		return string(r)
	}
}
