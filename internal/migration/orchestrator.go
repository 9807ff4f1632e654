package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
	"github.com/joejoethish/ecom-sub017/internal/store"
)

// errStopRun aborts in-flight engine work when a rollback trigger fires, a
// manual rollback arrives, or the run is cancelled. It is a control signal,
// not an error condition.
var errStopRun = errors.New("migration run stopped")

// AuditSink mirrors run state and checkpoints into durable storage so the
// trail outlives the process. Failures are logged and never fatal: the
// in-memory ledger stays authoritative for the run.
type AuditSink interface {
	RecordRun(ctx context.Context, m Metrics) error
	RecordCheckpoint(ctx context.Context, runID string, cp Checkpoint) error
}

// Orchestrator drives one migration run through the stage state machine. It
// sequences the sync engine's phases, persists checkpoints, fires callbacks,
// and consults the rollback trigger evaluator after every unit of work.
type Orchestrator struct {
	id        uuid.UUID
	source    store.Store
	target    store.Store
	engine    *SyncEngine
	tracker   *Tracker
	ledger    *Ledger
	callbacks *CallbackRegistry
	log       *logger.Logger
	tracer    trace.Tracer
	audit     AuditSink

	cfgMu    sync.Mutex
	triggers TriggerConfig

	// tickInterval paces the elapsed-time watcher started by Run.
	tickInterval time.Duration

	stateMu        sync.Mutex
	started        bool
	stopRequested  bool
	stopReason     TriggerReason
	stopDetail     string
	pendingTrigger TriggerReason

	tables []TableStat
}

func NewOrchestrator(source, target store.Store, engineCfg EngineConfig, triggers TriggerConfig, baseLog *logger.Logger) *Orchestrator {
	id := uuid.New()
	callbacks := NewCallbackRegistry(baseLog)
	return &Orchestrator{
		id:        id,
		source:    source,
		target:    target,
		engine:    NewSyncEngine(source, target, engineCfg, baseLog),
		tracker:   NewTracker(id.String()),
		ledger:    NewLedger(callbacks),
		callbacks: callbacks,
		log:       baseLog.With("component", "Orchestrator", "run_id", id.String()),
		tracer:    otel.Tracer("migration"),
		triggers:  triggers,

		tickInterval: time.Second,
	}
}

func (o *Orchestrator) ID() uuid.UUID { return o.id }

// Callbacks exposes the registry for observer registration before or during
// a run.
func (o *Orchestrator) Callbacks() *CallbackRegistry { return o.callbacks }

// SetAuditSink wires durable checkpoint mirroring; optional.
func (o *Orchestrator) SetAuditSink(sink AuditSink) { o.audit = sink }

// SetTriggerConfig replaces the rollback thresholds, effective at the next
// evaluation.
func (o *Orchestrator) SetTriggerConfig(cfg TriggerConfig) {
	o.cfgMu.Lock()
	o.triggers = cfg
	o.cfgMu.Unlock()
}

func (o *Orchestrator) triggerConfig() TriggerConfig {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	return o.triggers
}

// Status returns the current metrics snapshot and the ordered checkpoint
// trail. Always valid, including after termination.
func (o *Orchestrator) Status() (Metrics, []Checkpoint) {
	return o.tracker.Snapshot(), o.ledger.All()
}

// Positions reports per-table copy cursors, for resume diagnostics.
func (o *Orchestrator) Positions() map[string]int64 {
	return o.engine.Positions()
}

// TriggerRollback requests a rollback from an external control point. During
// a run the control loop honors it at the next unit of work; on an idle,
// non-terminal orchestrator the rollback executes immediately.
func (o *Orchestrator) TriggerRollback(reason string) error {
	// The snapshot and the active-run decision happen under one lock;
	// finish() takes the same lock, so a run cannot turn terminal in between.
	o.stateMu.Lock()
	m := o.tracker.Snapshot()
	if m.Stage.Terminal() {
		o.stateMu.Unlock()
		return fmt.Errorf("run %s already terminal in stage %s", o.id, m.Stage)
	}
	o.stopRequested = true
	o.stopReason = TriggerManual
	o.stopDetail = reason
	runActive := o.started && m.FinishedAt == nil
	o.stateMu.Unlock()

	o.log.Warn("manual rollback requested", "reason", reason, "stage", string(m.Stage))
	if runActive {
		return nil
	}
	return o.rollback(context.Background(), m.Stage, TriggerManual, reason)
}

// Run executes the stage sequence. It returns an error only for fatal-class
// failures (unreachable store, failed rollback); a triggered or manual
// rollback terminates the run cleanly with a nil error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.stateMu.Lock()
	if o.started {
		o.stateMu.Unlock()
		return fmt.Errorf("run %s already started; start a new run instead", o.id)
	}
	o.started = true
	o.stateMu.Unlock()

	o.log.Info("migration run starting",
		"source", o.source.Name(), "target", o.target.Name())
	o.auditRun()

	// The watcher trips time-based triggers even while no counter moves, e.g.
	// a run stalled in a slow batch or retry backoff.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.watchElapsed(ctx, cancel)

	for _, stage := range stageOrder {
		if stage == StageCompleted {
			break
		}
		if reason, detail, stopped := o.shouldStop(ctx); stopped {
			return o.rollback(ctx, stage, reason, detail)
		}

		o.tracker.SetStage(stage)
		o.callbacks.NotifyProgress(o.tracker.Snapshot())

		details, stageErr := o.runStage(ctx, stage)

		if stageErr != nil {
			if errors.Is(stageErr, errStopRun) || errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded) {
				reason, detail := o.stopCause(ctx)
				o.recordCheckpoint(stage, CheckpointFailed, withReason(details, reason, detail))
				return o.rollback(ctx, stage, reason, detail)
			}
			// Fatal class: not a configured trigger, not recoverable.
			o.recordCheckpoint(stage, CheckpointFailed, withError(details, stageErr))
			o.callbacks.NotifyError(stage, stageErr)
			o.finish(StageFailed)
			o.log.Error("migration run failed", "stage", string(stage), "error", stageErr)
			return fmt.Errorf("stage %s: %w", stage, stageErr)
		}

		status := CheckpointPassed
		if stage == StageValidation {
			if n, _ := details["failed_tables"].(int); n > 0 {
				status = CheckpointFailed
			}
		}
		o.recordCheckpoint(stage, status, details)
		o.callbacks.NotifyProgress(o.tracker.Snapshot())

		if reason, ok := o.evaluate(); ok {
			return o.rollback(ctx, stage, reason, reason.Describe(o.tracker.Snapshot(), o.triggerConfig()))
		}
	}

	o.finish(StageCompleted)
	m := o.tracker.Snapshot()
	o.recordCheckpoint(StageCompleted, CheckpointPassed, map[string]interface{}{
		"records_migrated": m.RecordsMigrated,
		"tables_processed": m.TablesProcessed,
		"elapsed_seconds":  time.Since(m.StartedAt).Seconds(),
	})
	o.callbacks.NotifyProgress(o.tracker.Snapshot())
	o.log.Info("migration run completed",
		"records_migrated", m.RecordsMigrated, "tables", m.TablesProcessed)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage) (map[string]interface{}, error) {
	ctx, span := o.tracer.Start(ctx, "migration.stage",
		trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()

	switch stage {
	case StagePreparation:
		return o.prepare(ctx)

	case StageSchemaSync:
		err := o.engine.SyncSchema(ctx, o.tableNames())
		return map[string]interface{}{"tables": len(o.tables)}, err

	case StageInitialDataSync:
		err := o.engine.CopyInitialData(ctx, o.tables, o.report)
		return map[string]interface{}{"positions": o.engine.Positions()}, err

	case StageIncrementalSync:
		lag, err := o.engine.SyncIncremental(ctx, o.tableNames(), o.report)
		return map[string]interface{}{"max_lag_seconds": lag}, err

	case StageValidation:
		failures, err := o.engine.Validate(ctx, o.tableNames(), o.report)
		details := map[string]interface{}{"failed_tables": len(failures)}
		for _, f := range failures {
			details["table_"+f.Table] = fmt.Sprintf("%s: source=%d target=%d", f.Reason, f.SourceRows, f.TargetRows)
		}
		return details, err

	case StageCutover:
		err := o.engine.Cutover(ctx, o.tableNames(), o.report)
		details := map[string]interface{}{}
		if at := o.engine.CutoverAt(); at != nil {
			details["cutover_at"] = at.Format(time.RFC3339)
		}
		return details, err

	case StagePostCutoverSync:
		lag, err := o.engine.PostCutoverSync(ctx, o.tableNames(), o.report)
		return map[string]interface{}{"max_lag_seconds": lag}, err

	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

func (o *Orchestrator) prepare(ctx context.Context) (map[string]interface{}, error) {
	if err := o.source.Ping(ctx); err != nil {
		return nil, fmt.Errorf("source store unreachable: %w", err)
	}
	if err := o.target.Ping(ctx); err != nil {
		return nil, fmt.Errorf("target store unreachable: %w", err)
	}
	tables, total, err := o.engine.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	o.tables = tables

	totalTables := len(tables)
	o.tracker.Update(MetricsUpdate{TotalTables: &totalTables, TotalRecords: &total})
	return map[string]interface{}{
		"total_tables":  totalTables,
		"total_records": total,
	}, nil
}

// report is the engine's progress hook: merge the partial update, notify
// observers, then decide whether the run may continue.
func (o *Orchestrator) report(u MetricsUpdate) error {
	o.tracker.Update(u)
	m := o.tracker.Snapshot()
	o.callbacks.NotifyProgress(m)

	o.stateMu.Lock()
	manual := o.stopRequested
	o.stateMu.Unlock()
	if manual {
		return errStopRun
	}
	if reason, triggered := EvaluateTriggers(m, o.triggerConfig(), time.Now().UTC()); triggered {
		o.stateMu.Lock()
		o.pendingTrigger = reason
		o.stateMu.Unlock()
		return errStopRun
	}
	return nil
}

// evaluate runs the trigger predicate at a stage boundary.
func (o *Orchestrator) evaluate() (TriggerReason, bool) {
	return EvaluateTriggers(o.tracker.Snapshot(), o.triggerConfig(), time.Now().UTC())
}

// watchElapsed re-evaluates the triggers on a timer and aborts in-flight work
// when one fires. The flag is set before the cancel so stopCause attributes
// the interruption to the trigger, not to the cancellation.
func (o *Orchestrator) watchElapsed(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason, triggered := EvaluateTriggers(o.tracker.Snapshot(), o.triggerConfig(), time.Now().UTC())
			if !triggered {
				continue
			}
			detail := reason.Describe(o.tracker.Snapshot(), o.triggerConfig())
			o.stateMu.Lock()
			if !o.stopRequested {
				o.stopRequested = true
				o.stopReason = reason
				o.stopDetail = detail
			}
			o.stateMu.Unlock()
			o.log.Warn("rollback trigger fired on elapsed-time tick",
				"reason", string(reason), "detail", detail)
			cancel()
			return
		}
	}
}

// shouldStop and stopCause consult the stop flag before the context: the
// elapsed-time watcher cancels the run context itself, and the flag carries
// the more specific reason.
func (o *Orchestrator) shouldStop(ctx context.Context) (TriggerReason, string, bool) {
	o.stateMu.Lock()
	if o.stopRequested {
		reason, detail := o.stopReason, o.stopDetail
		o.stateMu.Unlock()
		return reason, detail, true
	}
	o.stateMu.Unlock()
	if ctx.Err() != nil {
		return TriggerCancelled, ctx.Err().Error(), true
	}
	return TriggerNone, "", false
}

// stopCause explains why in-flight work was interrupted.
func (o *Orchestrator) stopCause(ctx context.Context) (TriggerReason, string) {
	o.stateMu.Lock()
	if o.stopRequested {
		reason, detail := o.stopReason, o.stopDetail
		o.stateMu.Unlock()
		return reason, detail
	}
	if o.pendingTrigger != TriggerNone {
		reason := o.pendingTrigger
		o.stateMu.Unlock()
		return reason, reason.Describe(o.tracker.Snapshot(), o.triggerConfig())
	}
	o.stateMu.Unlock()
	if ctx.Err() != nil {
		return TriggerCancelled, ctx.Err().Error()
	}
	return TriggerManual, "stopped"
}

// rollback restores the source as the authoritative system of record. A
// failure here is escalated as fatal and never retried automatically.
func (o *Orchestrator) rollback(ctx context.Context, stage Stage, reason TriggerReason, detail string) error {
	o.tracker.MarkRollbackTriggered()
	o.log.Warn("rolling back migration", "stage", string(stage), "reason", string(reason), "detail", detail)

	// The run's context may already be cancelled; reversal still has to
	// happen.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := o.engine.RestoreSource(rbCtx); err != nil {
		rbErr := fmt.Errorf("rollback failed, manual intervention required: %w", err)
		o.recordCheckpoint(StageFailed, CheckpointFailed, map[string]interface{}{
			"reason": string(reason),
			"error":  rbErr.Error(),
		})
		o.callbacks.NotifyError(stage, rbErr)
		o.finish(StageFailed)
		o.log.Error("rollback failed", "error", err)
		return rbErr
	}

	o.finish(StageRolledBack)
	o.recordCheckpoint(StageRolledBack, CheckpointPassed, map[string]interface{}{
		"reason": string(reason),
		"detail": detail,
		"stage":  string(stage),
	})
	o.callbacks.NotifyProgress(o.tracker.Snapshot())
	return nil
}

// finish marks the terminal stage under stateMu so TriggerRollback's
// active-run check cannot race the transition.
func (o *Orchestrator) finish(terminal Stage) {
	o.stateMu.Lock()
	o.tracker.SetStage(terminal)
	o.tracker.MarkFinished()
	o.stateMu.Unlock()
	o.auditRun()
}

func (o *Orchestrator) recordCheckpoint(stage Stage, status CheckpointStatus, details map[string]interface{}) {
	cp := o.ledger.Record(stage, status, details)
	o.auditRun()
	if o.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.audit.RecordCheckpoint(ctx, o.id.String(), cp); err != nil {
			o.log.Warn("checkpoint mirror failed", "stage", string(stage), "error", err)
		}
	}
}

func (o *Orchestrator) auditRun() {
	if o.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.audit.RecordRun(ctx, o.tracker.Snapshot()); err != nil {
		o.log.Warn("run record mirror failed", "error", err)
	}
}

func (o *Orchestrator) tableNames() []string {
	names := make([]string, 0, len(o.tables))
	for _, t := range o.tables {
		names = append(names, t.Name)
	}
	return names
}

func withReason(details map[string]interface{}, reason TriggerReason, detail string) map[string]interface{} {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["reason"] = string(reason)
	details["detail"] = detail
	return details
}

func withError(details map[string]interface{}, err error) map[string]interface{} {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["error"] = err.Error()
	return details
}
