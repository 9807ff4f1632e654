package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
	"github.com/joejoethish/ecom-sub017/internal/store"
)

// ProgressFunc is how the engine reports units of work back to the
// orchestrator, which updates metrics and evaluates rollback triggers. A
// non-nil return stops the engine immediately.
type ProgressFunc func(u MetricsUpdate) error

type EngineConfig struct {
	BatchSize       int
	CopyWorkers     int
	MaxBatchRetries int
	// WatermarkColumn is the last-modified column incremental sync reads from
	// replayed rows to measure lag.
	WatermarkColumn string
}

type TableStat struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

type ValidationFailure struct {
	Table      string `json:"table"`
	SourceRows int64  `json:"source_rows"`
	TargetRows int64  `json:"target_rows"`
	Reason     string `json:"reason"`
}

// SyncEngine performs schema translation, bulk copy, incremental catch-up and
// validation between the two stores. Tables copy in parallel under a bounded
// pool; rows within one table copy sequentially on a single keyset cursor.
type SyncEngine struct {
	source store.Store
	target store.Store
	log    *logger.Logger
	cfg    EngineConfig

	mu        sync.Mutex
	positions map[string]int64     // last copied key per table, for resume
	baselines map[string]time.Time // watermark when the initial copy of a table began
	cutoverAt *time.Time
}

func NewSyncEngine(source, target store.Store, cfg EngineConfig, baseLog *logger.Logger) *SyncEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.CopyWorkers <= 0 {
		cfg.CopyWorkers = 1
	}
	if cfg.MaxBatchRetries <= 0 {
		cfg.MaxBatchRetries = 3
	}
	if cfg.WatermarkColumn == "" {
		cfg.WatermarkColumn = "updated_at"
	}
	return &SyncEngine{
		source:    source,
		target:    target,
		log:       baseLog.With("component", "SyncEngine"),
		cfg:       cfg,
		positions: map[string]int64{},
		baselines: map[string]time.Time{},
	}
}

// Prepare enumerates source tables and row counts so progress percentages are
// meaningful from the first checkpoint onward.
func (e *SyncEngine) Prepare(ctx context.Context) ([]TableStat, int64, error) {
	names, err := e.source.Tables(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("enumerate source tables: %w", err)
	}
	stats := make([]TableStat, 0, len(names))
	var total int64
	for _, name := range names {
		rows, err := e.source.CountRows(ctx, name)
		if err != nil {
			return nil, 0, fmt.Errorf("count source table %q: %w", name, err)
		}
		stats = append(stats, TableStat{Name: name, Rows: rows})
		total += rows
	}
	return stats, total, nil
}

// SyncSchema reads source table definitions and issues the equivalent objects
// against the target. Safe to re-run: creation is if-not-exists throughout.
func (e *SyncEngine) SyncSchema(ctx context.Context, tables []string) error {
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		schema, err := e.source.TableSchema(ctx, table)
		if err != nil {
			return fmt.Errorf("read schema of %q: %w", table, err)
		}
		if err := e.target.EnsureTable(ctx, schema); err != nil {
			return fmt.Errorf("create table %q on target: %w", table, err)
		}
		for _, idx := range schema.Indexes {
			if err := e.target.EnsureIndex(ctx, table, idx); err != nil {
				return fmt.Errorf("create index %q on target: %w", idx.Name, err)
			}
		}
		e.log.Debug("schema synced", "table", table, "indexes", len(schema.Indexes))
	}
	return nil
}

// CopyInitialData bulk-copies every table through a bounded worker pool.
// Parallelism is across tables only, to keep source-side lock contention down
// and offset bookkeeping single-writer.
func (e *SyncEngine) CopyInitialData(ctx context.Context, tables []TableStat, report ProgressFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.CopyWorkers)

	for _, stat := range tables {
		stat := stat
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.copyTable(gctx, stat, report)
		})
	}
	return g.Wait()
}

func (e *SyncEngine) copyTable(ctx context.Context, stat TableStat, report ProgressFunc) error {
	table := stat.Name
	// The watermark captured before the first batch bounds what incremental
	// sync must replay later.
	if _, ok := e.baseline(table); !ok {
		marker, err := e.source.ChangeMarker(ctx, table)
		if err != nil {
			return fmt.Errorf("capture change baseline for %q: %w", table, err)
		}
		e.setBaseline(table, marker)
	}

	policy := RetryPolicy{
		MaxAttempts: e.cfg.MaxBatchRetries,
		Retryable:   transientError,
	}

	var counted int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		after := e.Position(table)

		attempt := 0
		var batch []store.Row
		res := Retry(ctx, policy, func(ctx context.Context) error {
			attempt++
			rows, lastKey, err := e.source.ReadBatch(ctx, table, after, e.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				// A failed attempt may have committed before the error
				// surfaced; replaying through an upsert keeps the retry
				// idempotent on the target.
				write := e.target.InsertRows
				if attempt > 1 {
					write = e.target.UpsertRows
				}
				if err := write(ctx, table, rows); err != nil {
					return err
				}
			}
			batch = rows
			e.setPosition(table, lastKey)
			return nil
		})

		switch res.Outcome {
		case RetryOK:
			if len(batch) > 0 {
				// A live source keeps growing under the copy. Rows beyond the
				// count captured at preparation still land on the target, but
				// they belong to incremental work and must not push the
				// progress counter past the prepared total.
				delta := int64(len(batch))
				if counted+delta > stat.Rows {
					delta = stat.Rows - counted
				}
				if delta < 0 {
					delta = 0
				}
				counted += delta
				if err := report(MetricsUpdate{RecordsMigratedDelta: delta}); err != nil {
					return err
				}
			}
			if len(batch) < e.cfg.BatchSize {
				e.log.Debug("table copy complete", "table", table, "last_key", e.Position(table))
				return report(MetricsUpdate{TablesProcessedDelta: 1})
			}
		case RetryExhausted:
			e.log.Warn("batch copy retries exhausted",
				"table", table, "after_key", after, "attempts", res.Attempts, "error", res.Err)
			// Counted as one error; the table stays incomplete and validation
			// or the trigger evaluator decides the run's fate.
			return report(MetricsUpdate{ErrorDelta: 1})
		default:
			return fmt.Errorf("copy %q: %w", table, res.Err)
		}
	}
}

// SyncIncremental replays source writes that landed after a table's initial
// copy began. The returned lag is the worst replay delay observed across
// tables; it feeds the lag rollback trigger.
func (e *SyncEngine) SyncIncremental(ctx context.Context, tables []string, report ProgressFunc) (float64, error) {
	var maxLag float64
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return maxLag, err
		}
		since, ok := e.baseline(table)
		if !ok {
			continue
		}
		rows, err := e.source.ChangesSince(ctx, table, since)
		if err != nil {
			if reportErr := report(MetricsUpdate{ErrorDelta: 1}); reportErr != nil {
				return maxLag, reportErr
			}
			e.log.Warn("incremental read failed", "table", table, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		if err := e.target.UpsertRows(ctx, table, rows); err != nil {
			if reportErr := report(MetricsUpdate{ErrorDelta: 1}); reportErr != nil {
				return maxLag, reportErr
			}
			e.log.Warn("incremental replay failed", "table", table, "rows", len(rows), "error", err)
			continue
		}

		newest := newestWatermark(rows, e.cfg.WatermarkColumn, since)
		lag := time.Since(newest).Seconds()
		if lag < 0 {
			lag = 0
		}
		if lag > maxLag {
			maxLag = lag
		}
		e.setBaseline(table, newest)

		if err := report(MetricsUpdate{SyncLagSeconds: &lag}); err != nil {
			return maxLag, err
		}
		e.log.Debug("incremental replay", "table", table, "rows", len(rows), "lag_seconds", lag)
	}
	return maxLag, nil
}

// Validate compares source and target row counts for every table, plus
// checksums where both stores can compute one.
func (e *SyncEngine) Validate(ctx context.Context, tables []string, report ProgressFunc) ([]ValidationFailure, error) {
	var failures []ValidationFailure
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		srcRows, err := e.source.CountRows(ctx, table)
		if err != nil {
			return failures, fmt.Errorf("validate %q: count source: %w", table, err)
		}
		dstRows, err := e.target.CountRows(ctx, table)
		if err != nil {
			return failures, fmt.Errorf("validate %q: count target: %w", table, err)
		}

		var failure *ValidationFailure
		if srcRows != dstRows {
			failure = &ValidationFailure{
				Table: table, SourceRows: srcRows, TargetRows: dstRows,
				Reason: "row count mismatch",
			}
		} else {
			srcSum, err := e.source.TableChecksum(ctx, table)
			if err != nil {
				return failures, fmt.Errorf("validate %q: source checksum: %w", table, err)
			}
			dstSum, err := e.target.TableChecksum(ctx, table)
			if err != nil {
				return failures, fmt.Errorf("validate %q: target checksum: %w", table, err)
			}
			if srcSum != "" && dstSum != "" && srcSum != dstSum {
				failure = &ValidationFailure{
					Table: table, SourceRows: srcRows, TargetRows: dstRows,
					Reason: "checksum mismatch",
				}
			}
		}

		if failure != nil {
			failures = append(failures, *failure)
			e.log.Warn("validation failure",
				"table", table, "source_rows", srcRows, "target_rows", dstRows, "reason", failure.Reason)
			if err := report(MetricsUpdate{ValidationFailures: 1}); err != nil {
				return failures, err
			}
		}
	}
	return failures, nil
}

// Cutover runs the final incremental pass and marks the moment write traffic
// redirects to the target. The replay immediately before keeps the critical
// section as short as possible.
func (e *SyncEngine) Cutover(ctx context.Context, tables []string, report ProgressFunc) error {
	if _, err := e.SyncIncremental(ctx, tables, report); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.mu.Lock()
	e.cutoverAt = &now
	e.mu.Unlock()
	e.log.Info("cutover complete, target is authoritative", "at", now.Format(time.RFC3339))
	return nil
}

// PostCutoverSync catches writes that raced the redirection.
func (e *SyncEngine) PostCutoverSync(ctx context.Context, tables []string, report ProgressFunc) (float64, error) {
	return e.SyncIncremental(ctx, tables, report)
}

// RestoreSource undoes a cutover, making the source authoritative again. It
// is the reversal step of rollback and must not be retried automatically.
func (e *SyncEngine) RestoreSource(ctx context.Context) error {
	if err := e.source.Ping(ctx); err != nil {
		return fmt.Errorf("source unreachable during rollback: %w", err)
	}
	e.mu.Lock()
	wasCutOver := e.cutoverAt != nil
	e.cutoverAt = nil
	e.mu.Unlock()
	if wasCutOver {
		e.log.Warn("cutover reversed, source restored as system of record")
	}
	return nil
}

func (e *SyncEngine) CutoverAt() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cutoverAt == nil {
		return nil
	}
	t := *e.cutoverAt
	return &t
}

// Position reports the last successfully copied key for a table; copy resumes
// from here after an interruption.
func (e *SyncEngine) Position(table string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[table]
}

func (e *SyncEngine) Positions() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(e.positions))
	for k, v := range e.positions {
		out[k] = v
	}
	return out
}

func (e *SyncEngine) setPosition(table string, key int64) {
	e.mu.Lock()
	if key > e.positions[table] {
		e.positions[table] = key
	}
	e.mu.Unlock()
}

func (e *SyncEngine) baseline(table string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.baselines[table]
	return t, ok
}

func (e *SyncEngine) setBaseline(table string, t time.Time) {
	e.mu.Lock()
	e.baselines[table] = t
	e.mu.Unlock()
}

func newestWatermark(rows []store.Row, column string, fallback time.Time) time.Time {
	newest := fallback
	for _, r := range rows {
		raw, ok := r[column]
		if !ok {
			continue
		}
		if ts, err := store.CoerceTime(raw); err == nil && ts.After(newest) {
			newest = ts
		}
	}
	return newest
}

func transientError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
