package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

// SQLiteStore is the embedded single-file side of a migration. Row ordering
// falls back to the implicit rowid when a table has no integer primary key.
type SQLiteStore struct {
	db        *gorm.DB
	log       *logger.Logger
	path      string
	watermark string

	mu      sync.Mutex
	schemas map[string]*TableSchema
}

func NewSQLiteStore(path, watermarkColumn string, baseLog *logger.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("missing sqlite path")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store %q: %w", path, err)
	}
	return &SQLiteStore{
		db:        db,
		log:       baseLog.With("store", "sqlite"),
		path:      path,
		watermark: watermarkColumn,
		schemas:   map[string]*TableSchema{},
	}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite:" + s.path }

func (s *SQLiteStore) DB() *gorm.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Raw(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`).
		Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("enumerate sqlite tables: %w", err)
	}
	return names, nil
}

func (s *SQLiteStore) HasTable(ctx context.Context, table string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).
		Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	s.mu.Lock()
	if cached, ok := s.schemas[table]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	var cols []struct {
		CID       int     `gorm:"column:cid"`
		Name      string  `gorm:"column:name"`
		Type      string  `gorm:"column:type"`
		NotNull   int     `gorm:"column:notnull"`
		DfltValue *string `gorm:"column:dflt_value"`
		PK        int     `gorm:"column:pk"`
	}
	if err := s.db.WithContext(ctx).
		Raw(`PRAGMA table_info(` + quoteIdent(table) + `)`).
		Scan(&cols).Error; err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q not found in source", table)
	}

	schema := &TableSchema{Name: table}
	for _, c := range cols {
		col := Column{
			Name:       c.Name,
			Type:       c.Type,
			NotNull:    c.NotNull != 0,
			PrimaryKey: c.PK > 0,
		}
		if c.DfltValue != nil {
			col.Default = *c.DfltValue
		}
		schema.Columns = append(schema.Columns, col)
	}

	indexes, err := s.tableIndexes(ctx, table)
	if err != nil {
		return nil, err
	}
	schema.Indexes = indexes

	s.mu.Lock()
	s.schemas[table] = schema
	s.mu.Unlock()
	return schema, nil
}

func (s *SQLiteStore) tableIndexes(ctx context.Context, table string) ([]Index, error) {
	var list []struct {
		Seq    int    `gorm:"column:seq"`
		Name   string `gorm:"column:name"`
		Unique int    `gorm:"column:unique"`
		Origin string `gorm:"column:origin"`
	}
	if err := s.db.WithContext(ctx).
		Raw(`PRAGMA index_list(` + quoteIdent(table) + `)`).
		Scan(&list).Error; err != nil {
		return nil, fmt.Errorf("list indexes for %q: %w", table, err)
	}

	var out []Index
	for _, entry := range list {
		// Autoindexes back primary keys and UNIQUE constraints; the target
		// recreates those from the column definitions.
		if entry.Origin != "c" || strings.HasPrefix(entry.Name, "sqlite_autoindex") {
			continue
		}
		var info []struct {
			SeqNo int    `gorm:"column:seqno"`
			CID   int    `gorm:"column:cid"`
			Name  string `gorm:"column:name"`
		}
		if err := s.db.WithContext(ctx).
			Raw(`PRAGMA index_info(` + quoteIdent(entry.Name) + `)`).
			Scan(&info).Error; err != nil {
			return nil, fmt.Errorf("inspect index %q: %w", entry.Name, err)
		}
		idx := Index{Name: entry.Name, Unique: entry.Unique != 0}
		for _, ic := range info {
			idx.Columns = append(idx.Columns, ic.Name)
		}
		if len(idx.Columns) > 0 {
			out = append(out, idx)
		}
	}
	return out, nil
}

func (s *SQLiteStore) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Table(table).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count rows in %q: %w", table, err)
	}
	return count, nil
}

// keyColumn resolves the batch ordering column: an integer primary key when
// the table has one, the implicit rowid otherwise.
func (s *SQLiteStore) keyColumn(ctx context.Context, table string) (string, error) {
	schema, err := s.TableSchema(ctx, table)
	if err != nil {
		return "", err
	}
	pk := schema.PrimaryKeyColumn()
	if pk != "" {
		if col := schema.Column(pk); col != nil && strings.Contains(strings.ToUpper(col.Type), "INT") {
			return pk, nil
		}
	}
	return "rowid", nil
}

func (s *SQLiteStore) ReadBatch(ctx context.Context, table string, afterKey int64, limit int) ([]Row, int64, error) {
	key, err := s.keyColumn(ctx, table)
	if err != nil {
		return nil, afterKey, err
	}

	sel := "*"
	keyExpr := quoteIdent(key)
	if key == "rowid" {
		sel = "*, rowid AS __row_key"
		keyExpr = "rowid"
	}

	var rows []Row
	err = s.db.WithContext(ctx).
		Table(table).
		Select(sel).
		Where(keyExpr+" > ?", afterKey).
		Order(keyExpr).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, afterKey, fmt.Errorf("read batch from %q after key %d: %w", table, afterKey, err)
	}

	lastKey := afterKey
	for _, r := range rows {
		raw, ok := r[key]
		if key == "rowid" {
			raw, ok = r["__row_key"]
			delete(r, "__row_key")
		}
		if !ok {
			continue
		}
		if k, valid := asInt64(raw); valid && k > lastKey {
			lastKey = k
		}
	}
	return rows, lastKey, nil
}

func (s *SQLiteStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(table).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert %d rows into %q: %w", len(rows), table, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	key, err := s.keyColumn(ctx, table)
	if err != nil {
		return err
	}
	if key == "rowid" {
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

func (s *SQLiteStore) ExecDDL(ctx context.Context, stmt string) error {
	return s.db.WithContext(ctx).Exec(stmt).Error
}

func (s *SQLiteStore) EnsureTable(ctx context.Context, schema *TableSchema) error {
	if schema == nil || len(schema.Columns) == 0 {
		return fmt.Errorf("empty table schema")
	}
	var defs []string
	for _, col := range schema.Columns {
		def := quoteIdent(col.Name) + " " + sqliteColumnType(col.Type)
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

func (s *SQLiteStore) EnsureIndex(ctx context.Context, table string, idx Index) error {
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

func (s *SQLiteStore) hasWatermark(ctx context.Context, table string) (bool, error) {
	schema, err := s.TableSchema(ctx, table)
	if err != nil {
		return false, err
	}
	return schema.Column(s.watermark) != nil, nil
}

func (s *SQLiteStore) ChangeMarker(ctx context.Context, table string) (time.Time, error) {
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

func (s *SQLiteStore) ChangesSince(ctx context.Context, table string, since time.Time) ([]Row, error) {
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

func (s *SQLiteStore) TableChecksum(ctx context.Context, table string) (string, error) {
	key, err := s.keyColumn(ctx, table)
	if err != nil {
		return "", err
	}
	if key == "rowid" {
		// rowid values are not stable across stores.
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

func sqliteColumnType(raw string) string {
	t := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "TEXT"
	case strings.Contains(t, "BLOB"), t == "":
		return "BLOB"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "REAL"
	case strings.Contains(t, "BOOL"):
		return "INTEGER"
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return "DATETIME"
	default:
		return "NUMERIC"
	}
}
