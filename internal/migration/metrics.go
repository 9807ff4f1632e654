package migration

import (
	"sync"
	"time"
)

// Metrics is an immutable snapshot of one run's progress. ProgressPercent and
// Speed are derived at snapshot time and never stored.
type Metrics struct {
	RunID string `json:"run_id"`
	Stage Stage  `json:"stage"`

	TotalTables     int `json:"total_tables"`
	TablesProcessed int `json:"tables_processed"`

	TotalRecords    int64 `json:"total_records"`
	RecordsMigrated int64 `json:"records_migrated"`

	ErrorCount             int `json:"error_count"`
	ValidationFailureCount int `json:"validation_failure_count"`

	SyncLagSeconds float64 `json:"sync_lag_seconds"`

	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	RollbackTriggered bool       `json:"rollback_triggered"`

	ProgressPercent float64 `json:"progress_percent"`
	Speed           float64 `json:"migration_speed"`
}

// MetricsUpdate carries a partial update; nil fields leave the current value
// unchanged. Delta fields add rather than replace so concurrent copy workers
// never lose counts.
type MetricsUpdate struct {
	Stage *Stage

	TotalTables  *int
	TotalRecords *int64

	TablesProcessedDelta int
	RecordsMigratedDelta int64
	ErrorDelta           int
	ValidationFailures   int

	SyncLagSeconds *float64
}

// Tracker owns the mutable progress state of one run. Safe for concurrent
// writers (copy workers) and readers (callbacks, status queries).
type Tracker struct {
	mu sync.Mutex
	m  Metrics

	now func() time.Time
}

func NewTracker(runID string) *Tracker {
	t := &Tracker{now: time.Now}
	t.m.RunID = runID
	t.m.Stage = StagePreparation
	t.m.StartedAt = t.now().UTC()
	return t
}

func (t *Tracker) Update(u MetricsUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.Stage != nil {
		t.m.Stage = *u.Stage
	}
	if u.TotalTables != nil {
		t.m.TotalTables = *u.TotalTables
	}
	if u.TotalRecords != nil {
		t.m.TotalRecords = *u.TotalRecords
	}
	t.m.TablesProcessed += u.TablesProcessedDelta
	t.m.RecordsMigrated += u.RecordsMigratedDelta
	t.m.ErrorCount += u.ErrorDelta
	t.m.ValidationFailureCount += u.ValidationFailures
	if u.SyncLagSeconds != nil {
		t.m.SyncLagSeconds = *u.SyncLagSeconds
	}
}

func (t *Tracker) SetStage(stage Stage) {
	t.mu.Lock()
	t.m.Stage = stage
	t.mu.Unlock()
}

func (t *Tracker) MarkRollbackTriggered() {
	t.mu.Lock()
	t.m.RollbackTriggered = true
	t.mu.Unlock()
}

func (t *Tracker) MarkFinished() {
	t.mu.Lock()
	if t.m.FinishedAt == nil {
		finished := t.now().UTC()
		t.m.FinishedAt = &finished
	}
	t.mu.Unlock()
}

// Snapshot returns a copy safe to hand to callbacks; derived fields are
// computed here.
func (t *Tracker) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.m
	if m.TotalRecords > 0 {
		pct := float64(m.RecordsMigrated) / float64(m.TotalRecords) * 100
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		m.ProgressPercent = pct
	}

	end := t.now().UTC()
	if m.FinishedAt != nil {
		end = *m.FinishedAt
	}
	if elapsed := end.Sub(m.StartedAt).Seconds(); elapsed > 0 {
		m.Speed = float64(m.RecordsMigrated) / elapsed
	}
	return m
}
