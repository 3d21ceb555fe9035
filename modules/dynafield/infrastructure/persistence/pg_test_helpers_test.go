package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type capturedQuery struct {
	sql  string
	args []any
}

type stubDB struct {
	queries []capturedQuery
	execs   []capturedQuery

	rows     pgx.Rows
	queryErr error
	queryN   int

	row    pgx.Row
	rowErr error

	execTag pgconn.CommandTag
	execErr error
}

func (db *stubDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.queryN++
	db.queries = append(db.queries, capturedQuery{sql: sql, args: args})
	if db.queryErr != nil {
		return nil, db.queryErr
	}
	if db.rows != nil {
		return db.rows, nil
	}
	return &valueRows{}, nil
}

func (db *stubDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.queryN++
	db.queries = append(db.queries, capturedQuery{sql: sql, args: args})
	if db.rowErr != nil {
		return &stubRow{err: db.rowErr}
	}
	if db.row != nil {
		return db.row
	}
	return &stubRow{}
}

func (db *stubDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, capturedQuery{sql: sql, args: args})
	if db.execErr != nil {
		return pgconn.CommandTag{}, db.execErr
	}
	return db.execTag, nil
}

type valueRows struct {
	records []string
	idx     int
	scanErr error
	err     error
}

func (r *valueRows) Close()                        {}
func (r *valueRows) Err() error                    { return r.err }
func (r *valueRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *valueRows) FieldDescriptions() []pgconn.FieldDescription {
	return nil
}
func (r *valueRows) Next() bool {
	if r.idx >= len(r.records) {
		return false
	}
	r.idx++
	return true
}
func (r *valueRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	for i := range dest {
		d, ok := dest[i].(*string)
		if !ok {
			return errors.New("unsupported scan type")
		}
		*d = r.records[r.idx-1]
	}
	return nil
}
func (r *valueRows) Values() ([]any, error) { return nil, nil }
func (r *valueRows) RawValues() [][]byte    { return nil }
func (r *valueRows) Conn() *pgx.Conn        { return nil }

type stubRow struct {
	vals []any
	err  error
}

func (r *stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		if i >= len(r.vals) || r.vals[i] == nil {
			switch d := dest[i].(type) {
			case *string:
				*d = ""
			case **string:
				*d = nil
			case *bool:
				*d = false
			case *[]byte:
				*d = nil
			case *time.Time:
				*d = time.Time{}
			}
			continue
		}
		switch d := dest[i].(type) {
		case *string:
			*d = r.vals[i].(string)
		case **string:
			v := r.vals[i].(string)
			*d = &v
		case *bool:
			*d = r.vals[i].(bool)
		case *[]byte:
			switch v := r.vals[i].(type) {
			case []byte:
				*d = append([]byte(nil), v...)
			case string:
				*d = []byte(v)
			default:
				return errors.New("unsupported raw type")
			}
		case *time.Time:
			*d = r.vals[i].(time.Time)
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}
