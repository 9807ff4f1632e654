package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

// PostgresStore is the client-server side of a migration.
type PostgresStore struct {
	db        *gorm.DB
	log       *logger.Logger
	dsn       string
	watermark string

	mu      sync.Mutex
	schemas map[string]*TableSchema
}

func NewPostgresStore(dsn, watermarkColumn string, baseLog *logger.Logger) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("missing postgres dsn")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{
		db:        db,
		log:       baseLog.With("store", "postgres"),
		dsn:       dsn,
		watermark: watermarkColumn,
		schemas:   map[string]*TableSchema{},
	}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) DB() *gorm.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Raw(`SELECT table_name FROM information_schema.tables
		     WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		     ORDER BY table_name`).
		Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("enumerate postgres tables: %w", err)
	}
	return names, nil
}

func (s *PostgresStore) HasTable(ctx context.Context, table string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT COUNT(*) FROM information_schema.tables
		     WHERE table_schema = 'public' AND table_name = ?`, table).
		Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *PostgresStore) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	s.mu.Lock()
	if cached, ok := s.schemas[table]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	var cols []struct {
		ColumnName    string  `gorm:"column:column_name"`
		DataType      string  `gorm:"column:data_type"`
		IsNullable    string  `gorm:"column:is_nullable"`
		ColumnDefault *string `gorm:"column:column_default"`
	}
	err := s.db.WithContext(ctx).
		Raw(`SELECT column_name, data_type, is_nullable, column_default
		     FROM information_schema.columns
		     WHERE table_schema = 'public' AND table_name = ?
		     ORDER BY ordinal_position`, table).
		Scan(&cols).Error
	if err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q not found in target", table)
	}

	var pkCols []string
	err = s.db.WithContext(ctx).
		Raw(`SELECT a.attname
		     FROM pg_index i
		     JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		     WHERE i.indrelid = ?::regclass AND i.indisprimary`, quoteIdent(table)).
		Scan(&pkCols).Error
	if err != nil {
		return nil, fmt.Errorf("introspect primary key of %q: %w", table, err)
	}
	pkSet := map[string]bool{}
	for _, c := range pkCols {
		pkSet[c] = true
	}

	schema := &TableSchema{Name: table}
	for _, c := range cols {
		col := Column{
			Name:       c.ColumnName,
			Type:       c.DataType,
			NotNull:    strings.EqualFold(c.IsNullable, "NO"),
			PrimaryKey: pkSet[c.ColumnName],
		}
		if c.ColumnDefault != nil {
			col.Default = *c.ColumnDefault
		}
		schema.Columns = append(schema.Columns, col)
	}

	s.mu.Lock()
	s.schemas[table] = schema
	s.mu.Unlock()
	return schema, nil
}

func (s *PostgresStore) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Table(table).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count rows in %q: %w", table, err)
	}
	return count, nil
}

func (s *PostgresStore) keyColumn(ctx context.Context, table string) (string, error) {
	schema, err := s.TableSchema(ctx, table)
	if err != nil {
		return "", err
	}
	pk := schema.PrimaryKeyColumn()
	if pk == "" {
		return "", fmt.Errorf("table %q has no single-column primary key", table)
	}
	col := schema.Column(pk)
	if col == nil || !strings.Contains(strings.ToUpper(col.Type), "INT") {
		return "", fmt.Errorf("table %q primary key %q is not integer-keyed", table, pk)
	}
	return pk, nil
}

func (s *PostgresStore) ReadBatch(ctx context.Context, table string, afterKey int64, limit int) ([]Row, int64, error) {
	key, err := s.keyColumn(ctx, table)
	if err != nil {
		return nil, afterKey, err
	}
	var rows []Row
	err = s.db.WithContext(ctx).
		Table(table).
		Where(quoteIdent(key)+" > ?", afterKey).
		Order(quoteIdent(key)).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, afterKey, fmt.Errorf("read batch from %q after key %d: %w", table, afterKey, err)
	}
	lastKey := afterKey
	for _, r := range rows {
		if k, valid := asInt64(r[key]); valid && k > lastKey {
			lastKey = k
		}
	}
	return rows, lastKey, nil
}

func (s *PostgresStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(table).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert %d rows into %q: %w", len(rows), table, err)
	}
	return nil
}

func (s *PostgresStore) UpsertRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	key, err := s.keyColumn(ctx, table)
	if err != nil {
		return s.InsertRows(ctx, table, rows)
	}
	err = s.db.WithContext(ctx).
		Table(table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: key}},
			UpdateAll: true,
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert %d rows into %q: %w", len(rows), table, err)
	}
	return nil
}

func (s *PostgresStore) ExecDDL(ctx context.Context, stmt string) error {
	return s.db.WithContext(ctx).Exec(stmt).Error
}

// EnsureTable translates a source schema into target DDL. Source column types
// are affinity names; they map onto postgres types one way only, which is all
// a directional cutover needs.
func (s *PostgresStore) EnsureTable(ctx context.Context, schema *TableSchema) error {
	if schema == nil || len(schema.Columns) == 0 {
		return fmt.Errorf("empty table schema")
	}
	var defs []string
	for _, col := range schema.Columns {
		def := quoteIdent(col.Name) + " " + postgresColumnType(col.Type)
		if col.PrimaryKey {
			def += " PRIMARY KEY"
		}
		if col.NotNull && !col.PrimaryKey {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(schema.Name), strings.Join(defs, ", "))
	return s.ExecDDL(ctx, stmt)
}

func (s *PostgresStore) EnsureIndex(ctx context.Context, table string, idx Index) error {
	if len(idx.Columns) == 0 {
		return fmt.Errorf("index %q has no columns", idx.Name)
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	cols := make([]string, 0, len(idx.Columns))
	for _, c := range idx.Columns {
		cols = append(cols, quoteIdent(c))
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, quoteIdent(idx.Name), quoteIdent(table), strings.Join(cols, ", "))
	return s.ExecDDL(ctx, stmt)
}

func (s *PostgresStore) hasWatermark(ctx context.Context, table string) (bool, error) {
	schema, err := s.TableSchema(ctx, table)
	if err != nil {
		return false, err
	}
	return schema.Column(s.watermark) != nil, nil
}

func (s *PostgresStore) ChangeMarker(ctx context.Context, table string) (time.Time, error) {
	ok, err := s.hasWatermark(ctx, table)
	if err != nil || !ok {
		return time.Time{}, err
	}
	var raw interface{}
	row := s.db.WithContext(ctx).
		Raw(`SELECT MAX(` + quoteIdent(s.watermark) + `) FROM ` + quoteIdent(table)).
		Row()
	if err := row.Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("read change marker for %q: %w", table, err)
	}
	return CoerceTime(raw)
}

func (s *PostgresStore) ChangesSince(ctx context.Context, table string, since time.Time) ([]Row, error) {
	ok, err := s.hasWatermark(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	var rows []Row
	err = s.db.WithContext(ctx).
		Table(table).
		Where(quoteIdent(s.watermark)+" > ?", since).
		Order(quoteIdent(s.watermark)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read changes from %q since %s: %w", table, since.Format(time.RFC3339), err)
	}
	return rows, nil
}

func (s *PostgresStore) TableChecksum(ctx context.Context, table string) (string, error) {
	key, err := s.keyColumn(ctx, table)
	if err != nil {
		// Tables without an integer key fall back to count-only validation.
		return "", nil
	}
	var sums struct {
		N   int64 `gorm:"column:n"`
		Sum int64 `gorm:"column:s"`
	}
	err = s.db.WithContext(ctx).
		Raw(`SELECT COUNT(*) AS n, COALESCE(SUM(`+quoteIdent(key)+`), 0) AS s FROM `+quoteIdent(table)).
		Scan(&sums).Error
	if err != nil {
		return "", fmt.Errorf("checksum %q: %w", table, err)
	}
	return fmt.Sprintf("%d:%d", sums.N, sums.Sum), nil
}

func postgresColumnType(raw string) string {
	t := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case strings.Contains(t, "INT"), strings.Contains(t, "SERIAL"):
		return "bigint"
	case strings.Contains(t, "BOOL"):
		return "boolean"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "text"
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"), t == "":
		return "bytea"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "double precision"
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return "timestamptz"
	default:
		return "numeric"
	}
}
