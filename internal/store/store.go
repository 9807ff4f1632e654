package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Row is one table row keyed by column name.
type Row = map[string]interface{}

type Column struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
	Default    string
}

type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

type TableSchema struct {
	Name    string
	Columns []Column
	Indexes []Index
}

// PrimaryKeyColumn returns the name of the primary key column, or "" when the
// table has no single-column primary key.
func (t *TableSchema) PrimaryKeyColumn() string {
	var pk string
	count := 0
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = c.Name
			count++
		}
	}
	if count != 1 {
		return ""
	}
	return pk
}

func (t *TableSchema) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Store is the capability set the migration engine needs from either side of
// a migration. Both the embedded source and the client-server target satisfy
// it; tests use in-memory fakes.
type Store interface {
	Name() string
	Ping(ctx context.Context) error

	Tables(ctx context.Context) ([]string, error)
	TableSchema(ctx context.Context, table string) (*TableSchema, error)
	HasTable(ctx context.Context, table string) (bool, error)
	CountRows(ctx context.Context, table string) (int64, error)

	// ReadBatch returns up to limit rows whose key column value is strictly
	// greater than afterKey, ordered by the key column, together with the
	// highest key in the batch. The key column is the integer primary key, or
	// an engine-specific row identifier when the table has none.
	ReadBatch(ctx context.Context, table string, afterKey int64, limit int) ([]Row, int64, error)
	InsertRows(ctx context.Context, table string, rows []Row) error
	// UpsertRows inserts rows, replacing existing rows on primary key
	// conflict. Used by incremental replay, where a source write may update a
	// row the initial copy already moved.
	UpsertRows(ctx context.Context, table string, rows []Row) error

	ExecDDL(ctx context.Context, stmt string) error
	// EnsureTable and EnsureIndex are idempotent: re-running them against
	// objects that already exist is not an error.
	EnsureTable(ctx context.Context, schema *TableSchema) error
	EnsureIndex(ctx context.Context, table string, idx Index) error

	// ChangeMarker reports the most recent watermark value for the table, the
	// zero time when the table is empty or carries no watermark column.
	ChangeMarker(ctx context.Context, table string) (time.Time, error)
	// ChangesSince returns rows modified after the given marker, ordered by
	// watermark.
	ChangesSince(ctx context.Context, table string, since time.Time) ([]Row, error)

	// TableChecksum returns a cheap fingerprint of table content, "" when the
	// store cannot compute one for this table.
	TableChecksum(ctx context.Context, table string) (string, error)

	DB() *gorm.DB
	Close() error
}
