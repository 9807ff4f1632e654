package migration

import (
	"context"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, source, target *fakeStore) *SyncEngine {
	t.Helper()
	return NewSyncEngine(source, target, fastEngineConfig(), testLogger(t))
}

func noProgress(u MetricsUpdate) error { return nil }

func TestPrepareCountsTablesAndRows(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 10)
	source.addTable("orders", 0)
	source.addTable("items", 5)
	engine := newTestEngine(t, source, newFakeStore("target"))

	tables, total, err := engine.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(tables) != 3 {
		t.Fatalf("tables: want=3 got=%d", len(tables))
	}
	if total != 15 {
		t.Fatalf("total rows: want=15 got=%d", total)
	}
}

func TestSyncSchemaIsIdempotent(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 1)
	target := newFakeStore("target")
	engine := newTestEngine(t, source, target)

	ctx := context.Background()
	if err := engine.SyncSchema(ctx, []string{"users"}); err != nil {
		t.Fatalf("SyncSchema: %v", err)
	}
	if err := engine.SyncSchema(ctx, []string{"users"}); err != nil {
		t.Fatalf("SyncSchema rerun: %v", err)
	}
	if ok, _ := target.HasTable(ctx, "users"); !ok {
		t.Fatalf("target missing table after schema sync")
	}
}

func TestCopyInitialDataCopiesEverything(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 10)
	source.addTable("orders", 0)
	source.addTable("items", 5)
	target := newFakeStore("target")
	engine := newTestEngine(t, source, target)

	ctx := context.Background()
	tables, _, err := engine.Prepare(ctx)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := engine.SyncSchema(ctx, []string{"users", "orders", "items"}); err != nil {
		t.Fatalf("SyncSchema: %v", err)
	}

	var migrated int64
	var processed int
	report := func(u MetricsUpdate) error {
		migrated += u.RecordsMigratedDelta
		processed += u.TablesProcessedDelta
		return nil
	}
	if err := engine.CopyInitialData(ctx, tables, report); err != nil {
		t.Fatalf("CopyInitialData: %v", err)
	}

	if migrated != 15 {
		t.Fatalf("migrated: want=15 got=%d", migrated)
	}
	if processed != 3 {
		t.Fatalf("tables processed: want=3 got=%d", processed)
	}
	if got := target.rowCount("users"); got != 10 {
		t.Fatalf("target users rows: want=10 got=%d", got)
	}
	if got := target.rowCount("items"); got != 5 {
		t.Fatalf("target items rows: want=5 got=%d", got)
	}
	if pos := engine.Position("users"); pos != 10 {
		t.Fatalf("users position: want=10 got=%d", pos)
	}
}

func TestCopyRecoversFromTransientFailure(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 8)
	source.readFails["users"] = 1 // first read fails, retry succeeds
	target := newFakeStore("target")
	engine := newTestEngine(t, source, target)

	ctx := context.Background()
	if err := engine.SyncSchema(ctx, []string{"users"}); err != nil {
		t.Fatalf("SyncSchema: %v", err)
	}

	var errCount int
	report := func(u MetricsUpdate) error {
		errCount += u.ErrorDelta
		return nil
	}
	if err := engine.CopyInitialData(ctx, []TableStat{{Name: "users", Rows: 8}}, report); err != nil {
		t.Fatalf("CopyInitialData: %v", err)
	}
	if errCount != 0 {
		t.Fatalf("recovered failure must not count as error, got %d", errCount)
	}
	if got := target.rowCount("users"); got != 8 {
		t.Fatalf("target rows: want=8 got=%d", got)
	}
}

func TestCopyDoesNotCountRowsAddedAfterPreparation(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 10)
	target := newFakeStore("target")
	engine := newTestEngine(t, source, target)

	ctx := context.Background()
	tables, total, err := engine.Prepare(ctx)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := engine.SyncSchema(ctx, []string{"users"}); err != nil {
		t.Fatalf("SyncSchema: %v", err)
	}

	// Live source: ten more rows land between preparation and the bulk copy.
	source.addRows("users", 11, 20)

	var migrated int64
	report := func(u MetricsUpdate) error {
		migrated += u.RecordsMigratedDelta
		return nil
	}
	if err := engine.CopyInitialData(ctx, tables, report); err != nil {
		t.Fatalf("CopyInitialData: %v", err)
	}

	if migrated != total {
		t.Fatalf("migrated: want=%d got=%d", total, migrated)
	}
	if got := target.rowCount("users"); got != 20 {
		t.Fatalf("target rows: want=20 got=%d", got)
	}
}

func TestCopyRetriedBatchIsNotDuplicated(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 8)
	target := newFakeStore("target")
	target.insertAckLost["users"] = 1 // first batch commits, then errors
	engine := newTestEngine(t, source, target)

	ctx := context.Background()
	if err := engine.SyncSchema(ctx, []string{"users"}); err != nil {
		t.Fatalf("SyncSchema: %v", err)
	}

	var migrated int64
	var errCount int
	report := func(u MetricsUpdate) error {
		migrated += u.RecordsMigratedDelta
		errCount += u.ErrorDelta
		return nil
	}
	if err := engine.CopyInitialData(ctx, []TableStat{{Name: "users", Rows: 8}}, report); err != nil {
		t.Fatalf("CopyInitialData: %v", err)
	}

	if errCount != 0 {
		t.Fatalf("recovered failure must not count as error, got %d", errCount)
	}
	if migrated != 8 {
		t.Fatalf("migrated: want=8 got=%d", migrated)
	}
	if got := target.rowCount("users"); got != 8 {
		t.Fatalf("target rows: want=8 got=%d", got)
	}
}

func TestCopyExhaustedRetriesCountsOneError(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 8)
	source.readFails["users"] = 100 // beyond MaxBatchRetries
	engine := newTestEngine(t, source, newFakeStore("target"))

	var errCount int
	report := func(u MetricsUpdate) error {
		errCount += u.ErrorDelta
		return nil
	}
	err := engine.CopyInitialData(context.Background(), []TableStat{{Name: "users", Rows: 8}}, report)
	if err != nil {
		t.Fatalf("exhausted retries must not abort the run: %v", err)
	}
	if errCount != 1 {
		t.Fatalf("errors: want=1 got=%d", errCount)
	}
}

func TestCopyStopsWhenProgressRejects(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 20)
	engine := newTestEngine(t, source, newFakeStore("target"))

	report := func(u MetricsUpdate) error { return errStopRun }
	err := engine.CopyInitialData(context.Background(), []TableStat{{Name: "users", Rows: 20}}, report)
	if err == nil {
		t.Fatalf("expected stop error")
	}
}

func TestSyncIncrementalReplaysAndReportsLag(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 4)
	target := newFakeStore("target")
	engine := newTestEngine(t, source, target)

	ctx := context.Background()
	if err := engine.SyncSchema(ctx, []string{"users"}); err != nil {
		t.Fatalf("SyncSchema: %v", err)
	}
	if err := engine.CopyInitialData(ctx, []TableStat{{Name: "users", Rows: 4}}, noProgress); err != nil {
		t.Fatalf("CopyInitialData: %v", err)
	}

	// One update to an existing row, one brand new row, both after the
	// baseline captured during the initial copy.
	source.addChange("users", 2, time.Now().UTC().Add(-10*time.Second))
	source.addChange("users", 99, time.Now().UTC().Add(-5*time.Second))

	var lag *float64
	report := func(u MetricsUpdate) error {
		if u.SyncLagSeconds != nil {
			lag = u.SyncLagSeconds
		}
		return nil
	}
	maxLag, err := engine.SyncIncremental(ctx, []string{"users"}, report)
	if err != nil {
		t.Fatalf("SyncIncremental: %v", err)
	}

	if got := target.rowCount("users"); got != 5 {
		t.Fatalf("target rows after replay: want=5 got=%d", got)
	}
	if lag == nil {
		t.Fatalf("lag was never reported")
	}
	if maxLag < 4 || maxLag > 60 {
		t.Fatalf("maxLag out of expected range: %f", maxLag)
	}

	// Replayed changes must not be replayed again.
	maxLag, err = engine.SyncIncremental(ctx, []string{"users"}, report)
	if err != nil {
		t.Fatalf("SyncIncremental rerun: %v", err)
	}
	if maxLag != 0 {
		t.Fatalf("second pass lag: want=0 got=%f", maxLag)
	}
}

func TestValidateDetectsMismatch(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 5)
	source.addTable("orders", 3)
	target := newFakeStore("target")
	target.addTable("users", 5)
	target.addTable("orders", 2) // one row short
	engine := newTestEngine(t, source, target)

	var reported int
	report := func(u MetricsUpdate) error {
		reported += u.ValidationFailures
		return nil
	}
	failures, err := engine.Validate(context.Background(), []string{"users", "orders"}, report)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if len(failures) != 1 {
		t.Fatalf("failures: want=1 got=%d", len(failures))
	}
	if failures[0].Table != "orders" || failures[0].Reason != "row count mismatch" {
		t.Fatalf("unexpected failure: %+v", failures[0])
	}
	if reported != 1 {
		t.Fatalf("reported validation failures: want=1 got=%d", reported)
	}
}

func TestCutoverAndRestore(t *testing.T) {
	source := newFakeStore("source")
	source.addTable("users", 2)
	target := newFakeStore("target")
	engine := newTestEngine(t, source, target)

	ctx := context.Background()
	if err := engine.SyncSchema(ctx, []string{"users"}); err != nil {
		t.Fatalf("SyncSchema: %v", err)
	}
	if err := engine.CopyInitialData(ctx, []TableStat{{Name: "users", Rows: 2}}, noProgress); err != nil {
		t.Fatalf("CopyInitialData: %v", err)
	}

	if engine.CutoverAt() != nil {
		t.Fatalf("cutover time set before cutover")
	}
	if err := engine.Cutover(ctx, []string{"users"}, noProgress); err != nil {
		t.Fatalf("Cutover: %v", err)
	}
	if engine.CutoverAt() == nil {
		t.Fatalf("cutover time missing after cutover")
	}

	if err := engine.RestoreSource(ctx); err != nil {
		t.Fatalf("RestoreSource: %v", err)
	}
	if engine.CutoverAt() != nil {
		t.Fatalf("cutover time still set after restore")
	}
}

func TestRestoreSourceFailsWhenSourceUnreachable(t *testing.T) {
	source := newFakeStore("source")
	source.pingErr = context.DeadlineExceeded
	engine := newTestEngine(t, source, newFakeStore("target"))

	if err := engine.RestoreSource(context.Background()); err == nil {
		t.Fatalf("expected error when source unreachable")
	}
}
