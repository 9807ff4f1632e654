package migration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/joejoethish/ecom-sub017/internal/data/repos/testutil"
	types "github.com/joejoethish/ecom-sub017/internal/domain/migration"
	"github.com/joejoethish/ecom-sub017/internal/pkg/dbctx"
)

func TestRunRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewRunRepo(db, testutil.Logger(t))

	now := time.Now().UTC().Truncate(time.Microsecond)
	run := &types.MigrationRun{
		ID:           uuid.New(),
		Stage:        "preparation",
		TotalTables:  3,
		TotalRecords: 15,
		StartedAt:    now,
	}
	if err := repo.Upsert(dbc, run); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.Stage != "preparation" || got.TotalRecords != 15 {
		t.Fatalf("GetByID: got=%+v", got)
	}

	// Upsert with the same id replaces instead of duplicating.
	run.Stage = "completed"
	run.RecordsMigrated = 15
	finished := now.Add(time.Minute)
	run.FinishedAt = &finished
	if err := repo.Upsert(dbc, run); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	got, err = repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("GetByID after update: %v", err)
	}
	if got.Stage != "completed" || got.RecordsMigrated != 15 || got.FinishedAt == nil {
		t.Fatalf("updated run: got=%+v", got)
	}

	runs, err := repo.List(dbc, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) == 0 {
		t.Fatalf("List returned no runs")
	}

	if missing, err := repo.GetByID(dbc, uuid.New()); err != nil || missing != nil {
		t.Fatalf("GetByID unknown: want=nil got=%+v err=%v", missing, err)
	}
}

func TestCheckpointRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewCheckpointRepo(db, testutil.Logger(t))
	runID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	stages := []string{"preparation", "schema_sync", "initial_data_sync"}
	for i, stage := range stages {
		cp := &types.MigrationCheckpoint{
			RunID:     runID,
			Seq:       i,
			Stage:     stage,
			Status:    "passed",
			Details:   datatypes.JSON([]byte(`{"k":"v"}`)),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Append(dbc, cp); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := repo.ListByRun(dbc, runID)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("checkpoints: want=3 got=%d", len(got))
	}
	for i, cp := range got {
		if cp.Seq != i || cp.Stage != stages[i] {
			t.Fatalf("checkpoint %d out of order: seq=%d stage=%s", i, cp.Seq, cp.Stage)
		}
	}

	if other, err := repo.ListByRun(dbc, uuid.New()); err != nil || len(other) != 0 {
		t.Fatalf("ListByRun other run: want empty got=%d err=%v", len(other), err)
	}
}
