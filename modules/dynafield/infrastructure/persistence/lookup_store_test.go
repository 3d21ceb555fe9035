package persistence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

func TestLookupPGStore_SelectDistinct(t *testing.T) {
	ctx := context.Background()

	t.Run("ok keeps row order", func(t *testing.T) {
		db := &stubDB{rows: &valueRows{records: []string{"pkgA", "pkgB", "pkgC"}}}
		store := NewLookupPGStore(db, "lookup")
		values, err := store.SelectDistinct(ctx, "packages", "package")
		if err != nil || len(values) != 3 || values[0] != "pkgA" || values[2] != "pkgC" {
			t.Fatalf("values=%v err=%v", values, err)
		}
		sql := db.queries[0].sql
		if !strings.Contains(sql, `"lookup"."packages"`) || !strings.Contains(sql, `ORDER BY MIN(id)`) {
			t.Fatalf("sql=%s", sql)
		}
	})

	t.Run("empty table", func(t *testing.T) {
		db := &stubDB{rows: &valueRows{}}
		store := NewLookupPGStore(db, "")
		values, err := store.SelectDistinct(ctx, "packages", "package")
		if err != nil || values == nil || len(values) != 0 {
			t.Fatalf("values=%v err=%v", values, err)
		}
	})

	t.Run("query error", func(t *testing.T) {
		db := &stubDB{queryErr: errors.New("query")}
		store := NewLookupPGStore(db, "lookup")
		if _, err := store.SelectDistinct(ctx, "packages", "package"); err == nil {
			t.Fatal("expected error")
		}
		if db.queryN != 1 {
			t.Fatalf("queryN=%d, want no retry for plain errors", db.queryN)
		}
	})

	t.Run("scan error", func(t *testing.T) {
		db := &stubDB{rows: &valueRows{records: []string{"x"}, scanErr: errors.New("scan")}}
		store := NewLookupPGStore(db, "lookup")
		if _, err := store.SelectDistinct(ctx, "packages", "package"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rows err", func(t *testing.T) {
		db := &stubDB{rows: &valueRows{err: errors.New("rows")}}
		store := NewLookupPGStore(db, "lookup")
		if _, err := store.SelectDistinct(ctx, "packages", "package"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("deadline maps to pool busy and retries", func(t *testing.T) {
		db := &stubDB{queryErr: context.DeadlineExceeded}
		store := NewLookupPGStore(db, "lookup")
		_, err := store.SelectDistinct(ctx, "packages", "package")
		if _, ok := errors.AsType[*types.PoolBusyError](err); !ok {
			t.Fatalf("err=%v", err)
		}
		if db.queryN != busyAttempts {
			t.Fatalf("queryN=%d, want %d", db.queryN, busyAttempts)
		}
	})
}

func TestLookupPGStore_SelectJoined(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		db := &stubDB{rows: &valueRows{records: []string{"1.0", "1.1"}}}
		store := NewLookupPGStore(db, "lookup")
		values, err := store.SelectJoined(ctx, "versions", "version", "packages", "package_id", "package", "pkgA")
		if err != nil || len(values) != 2 || values[0] != "1.0" {
			t.Fatalf("values=%v err=%v", values, err)
		}
		q := db.queries[0]
		if !strings.Contains(q.sql, `JOIN "lookup"."packages" p ON p.id = c."package_id"`) {
			t.Fatalf("sql=%s", q.sql)
		}
		if !strings.Contains(q.sql, `ORDER BY MIN(c.id)`) {
			t.Fatalf("sql=%s", q.sql)
		}
		if len(q.args) != 1 || q.args[0] != "pkgA" {
			t.Fatalf("args=%v", q.args)
		}
	})

	t.Run("query error", func(t *testing.T) {
		db := &stubDB{queryErr: errors.New("query")}
		store := NewLookupPGStore(db, "lookup")
		if _, err := store.SelectJoined(ctx, "versions", "version", "packages", "package_id", "package", "pkgA"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLookupPGStore_ExistsNormalized(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		db := &stubDB{row: &stubRow{vals: []any{true}}}
		store := NewLookupPGStore(db, "lookup")
		exists, err := store.ExistsNormalized(ctx, "responses_issues", "issue_title", "bug in parser")
		if err != nil || !exists {
			t.Fatalf("exists=%v err=%v", exists, err)
		}
		q := db.queries[0]
		if !strings.Contains(q.sql, "regexp_replace(lower(") {
			t.Fatalf("sql=%s", q.sql)
		}
		if len(q.args) != 1 || q.args[0] != "bug in parser" {
			t.Fatalf("args=%v", q.args)
		}
	})

	t.Run("row error", func(t *testing.T) {
		db := &stubDB{rowErr: errors.New("row")}
		store := NewLookupPGStore(db, "lookup")
		if _, err := store.ExistsNormalized(ctx, "responses_issues", "issue_title", "x"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLookupPGStore_LookupDisplay(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		db := &stubDB{row: &stubRow{vals: []any{"GitHub"}}}
		store := NewLookupPGStore(db, "lookup")
		display, found, err := store.LookupDisplay(ctx, "referrers", "source", "display_name", "github")
		if err != nil || !found || display != "GitHub" {
			t.Fatalf("display=%q found=%v err=%v", display, found, err)
		}
	})

	t.Run("null display", func(t *testing.T) {
		db := &stubDB{row: &stubRow{vals: []any{nil}}}
		store := NewLookupPGStore(db, "lookup")
		display, found, err := store.LookupDisplay(ctx, "referrers", "source", "display_name", "github")
		if err != nil || !found || display != "" {
			t.Fatalf("display=%q found=%v err=%v", display, found, err)
		}
	})

	t.Run("no row", func(t *testing.T) {
		db := &stubDB{rowErr: pgx.ErrNoRows}
		store := NewLookupPGStore(db, "lookup")
		display, found, err := store.LookupDisplay(ctx, "referrers", "source", "display_name", "nope")
		if err != nil || found || display != "" {
			t.Fatalf("display=%q found=%v err=%v", display, found, err)
		}
	})
}

func TestLookupMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewLookupMemoryStore()
	store.AddRow("packages", map[string]string{"package": "pkgB"})
	store.AddRow("packages", map[string]string{"package": "pkgA"})
	store.AddRow("packages", map[string]string{"package": "pkgB"})
	store.AddRow("versions", map[string]string{"version": "2.0", "package_id": "1"})
	store.AddRow("versions", map[string]string{"version": "1.0", "package_id": "2"})
	store.AddRow("versions", map[string]string{"version": "2.1", "package_id": "1"})
	store.AddRow("referrers", map[string]string{"source": "github", "display_name": "GitHub"})
	store.AddRow("responses_issues", map[string]string{"issue_title": "bug in parser!!"})

	t.Run("distinct keeps first appearance order", func(t *testing.T) {
		values, err := store.SelectDistinct(ctx, "packages", "package")
		if err != nil || len(values) != 2 || values[0] != "pkgB" || values[1] != "pkgA" {
			t.Fatalf("values=%v err=%v", values, err)
		}
	})

	t.Run("joined filters by parent value", func(t *testing.T) {
		values, err := store.SelectJoined(ctx, "versions", "version", "packages", "package_id", "package", "pkgB")
		if err != nil || len(values) != 2 || values[0] != "2.0" || values[1] != "2.1" {
			t.Fatalf("values=%v err=%v", values, err)
		}
		other, err := store.SelectJoined(ctx, "versions", "version", "packages", "package_id", "package", "pkgA")
		if err != nil || len(other) != 1 || other[0] != "1.0" {
			t.Fatalf("other=%v err=%v", other, err)
		}
	})

	t.Run("joined unknown parent yields empty", func(t *testing.T) {
		values, err := store.SelectJoined(ctx, "versions", "version", "packages", "package_id", "package", "nope")
		if err != nil || len(values) != 0 {
			t.Fatalf("values=%v err=%v", values, err)
		}
	})

	t.Run("exists normalized", func(t *testing.T) {
		exists, err := store.ExistsNormalized(ctx, "responses_issues", "issue_title", "bug in parser")
		if err != nil || !exists {
			t.Fatalf("exists=%v err=%v", exists, err)
		}
		exists, err = store.ExistsNormalized(ctx, "responses_issues", "issue_title", "another bug")
		if err != nil || exists {
			t.Fatalf("exists=%v err=%v", exists, err)
		}
	})

	t.Run("lookup display", func(t *testing.T) {
		display, found, err := store.LookupDisplay(ctx, "referrers", "source", "display_name", "github")
		if err != nil || !found || display != "GitHub" {
			t.Fatalf("display=%q found=%v err=%v", display, found, err)
		}
		if _, found, _ := store.LookupDisplay(ctx, "referrers", "source", "display_name", "gitlab"); found {
			t.Fatal("expected miss")
		}
	})
}
