package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/ports"
	"github.com/fieldsetapp/fieldset/pkg/fieldval"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// normalizeSQL mirrors fieldval.Normalize for values already in the
// database: lowercase, strip everything but letters, digits and whitespace,
// trim.
const normalizeSQL = `btrim(regexp_replace(lower(%s), '[^[:alnum:][:space:]]', '', 'g'))`

// LookupPGStore reads reference tables inside one schema. Table and column
// names were validated at config load time; they still pass through
// pgx.Identifier before interpolation. Rows order by the id serial so
// distinct values keep first-appearance order.
type LookupPGStore struct {
	db     querier
	schema string
}

func NewLookupPGStore(db querier, schema string) *LookupPGStore {
	if schema == "" {
		schema = "lookup"
	}
	return &LookupPGStore{db: db, schema: schema}
}

var _ ports.LookupSource = (*LookupPGStore)(nil)

func (s *LookupPGStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func sanitizeColumn(name string) string { return pgx.Identifier{name}.Sanitize() }

// NormalizeExpr returns the SQL expression that applies fieldval.Normalize
// to the named column. Callers comparing against it must pass an already
// normalized value.
func NormalizeExpr(column string) string {
	return fmt.Sprintf(normalizeSQL, sanitizeColumn(column))
}

func (s *LookupPGStore) SelectDistinct(ctx context.Context, table, column string) ([]string, error) {
	query := fmt.Sprintf(`
SELECT %[1]s
FROM %[2]s
WHERE %[1]s IS NOT NULL AND %[1]s <> ''
GROUP BY %[1]s
ORDER BY MIN(id)
`, sanitizeColumn(column), s.table(table))
	var values []string
	err := WithBusyRetry(ctx, "select_distinct", func() error {
		var queryErr error
		values, queryErr = s.queryValues(ctx, query)
		return queryErr
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (s *LookupPGStore) SelectJoined(ctx context.Context, table, column, parentTable, parentIDColumn, parentColumn, parentValue string) ([]string, error) {
	query := fmt.Sprintf(`
SELECT c.%[1]s
FROM %[2]s c
JOIN %[3]s p ON p.id = c.%[4]s
WHERE p.%[5]s = $1 AND c.%[1]s IS NOT NULL AND c.%[1]s <> ''
GROUP BY c.%[1]s
ORDER BY MIN(c.id)
`, sanitizeColumn(column), s.table(table), s.table(parentTable), sanitizeColumn(parentIDColumn), sanitizeColumn(parentColumn))
	var values []string
	err := WithBusyRetry(ctx, "select_joined", func() error {
		var queryErr error
		values, queryErr = s.queryValues(ctx, query, parentValue)
		return queryErr
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (s *LookupPGStore) queryValues(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *LookupPGStore) ExistsNormalized(ctx context.Context, table, column, normalized string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE `+normalizeSQL+` = $1)`, s.table(table), sanitizeColumn(column))
	var exists bool
	err := WithBusyRetry(ctx, "exists_normalized", func() error {
		return s.db.QueryRow(ctx, query, normalized).Scan(&exists)
	})
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *LookupPGStore) LookupDisplay(ctx context.Context, table, valueColumn, displayColumn, value string) (string, bool, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE %s = $1
ORDER BY id
LIMIT 1
`, sanitizeColumn(displayColumn), s.table(table), sanitizeColumn(valueColumn))
	var display *string
	err := WithBusyRetry(ctx, "lookup_display", func() error {
		return s.db.QueryRow(ctx, query, value).Scan(&display)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if display == nil {
		return "", true, nil
	}
	return *display, true, nil
}

// LookupMemoryStore is the in-memory twin used by tests and local runs.
// Rows keep insertion order and ids start at 1 per table, matching the
// serial convention of the pg store.
type LookupMemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]memoryRow
}

type memoryRow struct {
	id   int
	cols map[string]string
}

func NewLookupMemoryStore() *LookupMemoryStore {
	return &LookupMemoryStore{tables: make(map[string][]memoryRow)}
}

var _ ports.LookupSource = (*LookupMemoryStore)(nil)

// AddRow appends a row and returns its id. Reference a parent row by
// putting its id (as decimal text) under the child's parent id column.
func (s *LookupMemoryStore) AddRow(table string, cols map[string]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	id := len(rows) + 1
	copied := make(map[string]string, len(cols))
	for k, v := range cols {
		copied[k] = v
	}
	s.tables[table] = append(rows, memoryRow{id: id, cols: copied})
	return id
}

func (s *LookupMemoryStore) SelectDistinct(ctx context.Context, table, column string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := []string{}
	seen := make(map[string]struct{})
	for _, row := range s.tables[table] {
		v := row.cols[column]
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values, nil
}

func (s *LookupMemoryStore) SelectJoined(ctx context.Context, table, column, parentTable, parentIDColumn, parentColumn, parentValue string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parentIDs := make(map[string]struct{})
	for _, row := range s.tables[parentTable] {
		if row.cols[parentColumn] == parentValue {
			parentIDs[strconv.Itoa(row.id)] = struct{}{}
		}
	}
	values := []string{}
	seen := make(map[string]struct{})
	for _, row := range s.tables[table] {
		if _, ok := parentIDs[row.cols[parentIDColumn]]; !ok {
			continue
		}
		v := row.cols[column]
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values, nil
}

func (s *LookupMemoryStore) ExistsNormalized(ctx context.Context, table, column, normalized string) (bool, error) {
	if normalized == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.tables[table] {
		if fieldval.Normalize(row.cols[column]) == normalized {
			return true, nil
		}
	}
	return false, nil
}

func (s *LookupMemoryStore) LookupDisplay(ctx context.Context, table, valueColumn, displayColumn, value string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.tables[table] {
		if row.cols[valueColumn] == value {
			return row.cols[displayColumn], true, nil
		}
	}
	return "", false, nil
}
