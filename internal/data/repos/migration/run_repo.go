package migration

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/joejoethish/ecom-sub017/internal/domain/migration"
	"github.com/joejoethish/ecom-sub017/internal/pkg/dbctx"
	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

type RunRepo interface {
	Upsert(dbc dbctx.Context, run *types.MigrationRun) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.MigrationRun, error)
	List(dbc dbctx.Context, limit int) ([]*types.MigrationRun, error)
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return &runRepo{
		db:  db,
		log: baseLog.With("repo", "RunRepo"),
	}
}

func (r *runRepo) Upsert(dbc dbctx.Context, run *types.MigrationRun) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if run == nil || run.ID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(run).Error
}

func (r *runRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.MigrationRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var run types.MigrationRun
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *runRepo) List(dbc dbctx.Context, limit int) ([]*types.MigrationRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.MigrationRun
	if err := transaction.WithContext(dbc.Ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
