package migration

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/joejoethish/ecom-sub017/internal/domain/migration"
	"github.com/joejoethish/ecom-sub017/internal/pkg/dbctx"
	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

type CheckpointRepo interface {
	Append(dbc dbctx.Context, cp *types.MigrationCheckpoint) error
	ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.MigrationCheckpoint, error)
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{
		db:  db,
		log: baseLog.With("repo", "CheckpointRepo"),
	}
}

func (r *checkpointRepo) Append(dbc dbctx.Context, cp *types.MigrationCheckpoint) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if cp == nil {
		return nil
	}
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	return transaction.WithContext(dbc.Ctx).Create(cp).Error
}

func (r *checkpointRepo) ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.MigrationCheckpoint, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.MigrationCheckpoint
	if runID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
