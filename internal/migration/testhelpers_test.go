package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
	"github.com/joejoethish/ecom-sub017/internal/store"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

type fakeTable struct {
	schema  store.TableSchema
	rows    []store.Row
	changes []store.Row
}

// fakeStore is an in-memory Store with fault injection knobs. Rows are keyed
// by an int64 "id" column; "updated_at" is the watermark.
type fakeStore struct {
	mu     sync.Mutex
	name   string
	tables map[string]*fakeTable
	order  []string

	pingErr       error
	tablesDelay   time.Duration   // stall table enumeration, honoring ctx
	readFails     map[string]int  // remaining transient read failures per table
	insertFails   map[string]int  // remaining transient insert failures per table
	insertAckLost map[string]int  // inserts that commit but report failure
	dropInserts   map[string]bool // silently discard inserted rows
	ddl           []string
}

func newFakeStore(name string) *fakeStore {
	return &fakeStore{
		name:          name,
		tables:        map[string]*fakeTable{},
		readFails:     map[string]int{},
		insertFails:   map[string]int{},
		insertAckLost: map[string]int{},
		dropInserts:   map[string]bool{},
	}
}

func (f *fakeStore) addTable(name string, rowCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTable{
		schema: store.TableSchema{
			Name: name,
			Columns: []store.Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true, NotNull: true},
				{Name: "body", Type: "TEXT"},
				{Name: "updated_at", Type: "DATETIME"},
			},
			Indexes: []store.Index{{Name: "idx_" + name + "_updated_at", Columns: []string{"updated_at"}}},
		},
	}
	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= rowCount; i++ {
		t.rows = append(t.rows, store.Row{
			"id":         int64(i),
			"body":       fmt.Sprintf("%s-%d", name, i),
			"updated_at": base.Add(time.Duration(i) * time.Second),
		})
	}
	f.tables[name] = t
	f.order = append(f.order, name)
}

// addRows appends rows with ids from..to, stamped just now, simulating live
// writes landing after the table was first seeded.
func (f *fakeStore) addRows(table string, from, to int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[table]
	base := time.Now().UTC()
	for i := from; i <= to; i++ {
		t.rows = append(t.rows, store.Row{
			"id":         int64(i),
			"body":       fmt.Sprintf("%s-%d", table, i),
			"updated_at": base.Add(time.Duration(i) * time.Millisecond),
		})
	}
}

func (f *fakeStore) addChange(table string, id int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table].changes = append(f.tables[table].changes, store.Row{
		"id":         id,
		"body":       fmt.Sprintf("%s-%d-changed", table, id),
		"updated_at": at,
	})
}

func (f *fakeStore) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

func (f *fakeStore) Name() string { return f.name }

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) Tables(ctx context.Context) ([]string, error) {
	if d := f.tablesDelay; d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out, nil
}

func (f *fakeStore) TableSchema(ctx context.Context, table string) (*store.TableSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("no table %q", table)
	}
	schema := t.schema
	return &schema, nil
}

func (f *fakeStore) HasTable(ctx context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeStore) CountRows(ctx context.Context, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return 0, fmt.Errorf("no table %q", table)
	}
	return int64(len(t.rows)), nil
}

func (f *fakeStore) ReadBatch(ctx context.Context, table string, afterKey int64, limit int) ([]store.Row, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readFails[table] > 0 {
		f.readFails[table]--
		return nil, 0, fmt.Errorf("injected read failure on %q", table)
	}
	t, ok := f.tables[table]
	if !ok {
		return nil, 0, fmt.Errorf("no table %q", table)
	}

	sorted := make([]store.Row, len(t.rows))
	copy(sorted, t.rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i]["id"].(int64) < sorted[j]["id"].(int64)
	})

	var out []store.Row
	lastKey := afterKey
	for _, r := range sorted {
		id := r["id"].(int64)
		if id <= afterKey {
			continue
		}
		out = append(out, copyRow(r))
		lastKey = id
		if len(out) == limit {
			break
		}
	}
	return out, lastKey, nil
}

func (f *fakeStore) InsertRows(ctx context.Context, table string, rows []store.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFails[table] > 0 {
		f.insertFails[table]--
		return fmt.Errorf("injected insert failure on %q", table)
	}
	if f.dropInserts[table] {
		return nil
	}
	t, ok := f.tables[table]
	if !ok {
		return fmt.Errorf("no table %q", table)
	}
	for _, r := range rows {
		t.rows = append(t.rows, copyRow(r))
	}
	// The write landed, but the caller sees a failure, as with a lost ack.
	if f.insertAckLost[table] > 0 {
		f.insertAckLost[table]--
		return fmt.Errorf("injected ack loss on %q", table)
	}
	return nil
}

func (f *fakeStore) UpsertRows(ctx context.Context, table string, rows []store.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropInserts[table] {
		return nil
	}
	t, ok := f.tables[table]
	if !ok {
		return fmt.Errorf("no table %q", table)
	}
outer:
	for _, r := range rows {
		id := r["id"].(int64)
		for i := range t.rows {
			if t.rows[i]["id"].(int64) == id {
				t.rows[i] = copyRow(r)
				continue outer
			}
		}
		t.rows = append(t.rows, copyRow(r))
	}
	return nil
}

func (f *fakeStore) ExecDDL(ctx context.Context, stmt string) error {
	f.mu.Lock()
	f.ddl = append(f.ddl, stmt)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) EnsureTable(ctx context.Context, schema *store.TableSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[schema.Name]; !ok {
		f.tables[schema.Name] = &fakeTable{schema: *schema}
		f.order = append(f.order, schema.Name)
	}
	f.ddl = append(f.ddl, "CREATE TABLE IF NOT EXISTS "+schema.Name)
	return nil
}

func (f *fakeStore) EnsureIndex(ctx context.Context, table string, idx store.Index) error {
	f.mu.Lock()
	f.ddl = append(f.ddl, "CREATE INDEX IF NOT EXISTS "+idx.Name)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) ChangeMarker(ctx context.Context, table string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return time.Time{}, fmt.Errorf("no table %q", table)
	}
	var newest time.Time
	for _, r := range t.rows {
		if ts, ok := r["updated_at"].(time.Time); ok && ts.After(newest) {
			newest = ts
		}
	}
	return newest, nil
}

func (f *fakeStore) ChangesSince(ctx context.Context, table string, since time.Time) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("no table %q", table)
	}
	var out []store.Row
	for _, r := range t.changes {
		if ts, ok := r["updated_at"].(time.Time); ok && ts.After(since) {
			out = append(out, copyRow(r))
		}
	}
	return out, nil
}

func (f *fakeStore) TableChecksum(ctx context.Context, table string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return "", fmt.Errorf("no table %q", table)
	}
	var sum int64
	for _, r := range t.rows {
		sum += r["id"].(int64)
	}
	return fmt.Sprintf("%d:%d", len(t.rows), sum), nil
}

func (f *fakeStore) DB() *gorm.DB { return nil }

func (f *fakeStore) Close() error { return nil }

func copyRow(r store.Row) store.Row {
	out := make(store.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// fastEngineConfig keeps retry backoff out of test runtime.
func fastEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:       4,
		CopyWorkers:     2,
		MaxBatchRetries: 2,
		WatermarkColumn: "updated_at",
	}
}
