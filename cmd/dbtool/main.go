package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldsetapp/fieldset/internal/server"
	"github.com/fieldsetapp/fieldset/modules/dynafield/infrastructure/persistence"
	"github.com/fieldsetapp/fieldset/pkg/fieldval"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <init|load-survey|unique-index|sweep-progress|normalize-smoke> [args]")
	}

	switch os.Args[1] {
	case "init":
		initSchema(os.Args[2:])
	case "load-survey":
		loadSurvey(os.Args[2:])
	case "unique-index":
		uniqueIndex(os.Args[2:])
	case "sweep-progress":
		sweepProgress(os.Args[2:])
	case "normalize-smoke":
		normalizeSmoke(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func initSchema(args []string) {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	var lookupSchema string
	fs.StringVar(&lookupSchema, "lookup-schema", "lookup", "schema that holds the lookup tables")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}
	if !validSQLIdent(lookupSchema) {
		fatalf("invalid --lookup-schema: %s", lookupSchema)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS survey;`,
		`CREATE SCHEMA IF NOT EXISTS ` + lookupSchema + `;`,
		`CREATE TABLE IF NOT EXISTS survey.surveys (
	slug text PRIMARY KEY,
	title text NOT NULL DEFAULT '',
	definition jsonb NOT NULL,
	status text NOT NULL DEFAULT 'open',
	updated_at timestamptz NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS survey.responses (
	response_id uuid PRIMARY KEY,
	survey_slug text NOT NULL,
	session_id text NOT NULL,
	answers jsonb NOT NULL,
	submitted_at timestamptz NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS responses_survey_slug_idx ON survey.responses (survey_slug, submitted_at);`,
		`CREATE TABLE IF NOT EXISTS survey.progress (
	session_sha256 bytea PRIMARY KEY,
	survey_slug text NOT NULL,
	snapshot jsonb NOT NULL,
	updated_at timestamptz NOT NULL,
	expires_at timestamptz NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS progress_expires_at_idx ON survey.progress (expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			fatal(err)
		}
	}

	fmt.Println("[init] OK")
}

func loadSurvey(args []string) {
	fs := flag.NewFlagSet("load-survey", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	var file string
	fs.StringVar(&file, "file", "", "survey definition JSON file")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}
	if file == "" {
		fatalf("missing --file")
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		fatal(err)
	}
	sv, err := server.ParseSurvey(raw)
	if err != nil {
		fatalf("%s: %v", file, err)
	}
	def, err := json.Marshal(sv)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `
INSERT INTO survey.surveys (slug, title, definition, status)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (slug) DO UPDATE SET
  title = EXCLUDED.title,
  definition = EXCLUDED.definition,
  status = EXCLUDED.status,
  updated_at = now();
`, sv.Slug, sv.Title, string(def), sv.Status); err != nil {
		fatal(err)
	}

	fmt.Printf("[load-survey] OK slug=%s\n", sv.Slug)
}

// uniqueIndex creates the normalized unique index on a lookup value table.
// The submit path re-checks stop-policy uniques inside its transaction, but
// under read committed two concurrent submits can both pass that check; the
// index makes the second insert fail instead of both committing.
func uniqueIndex(args []string) {
	fs := flag.NewFlagSet("unique-index", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	var schema string
	fs.StringVar(&schema, "schema", "lookup", "schema of the value table")
	var table string
	fs.StringVar(&table, "table", "", "value table")
	var column string
	fs.StringVar(&column, "column", "", "value column")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}
	if table == "" {
		fatalf("missing --table")
	}
	if column == "" {
		fatalf("missing --column")
	}
	for _, ident := range []string{schema, table, column} {
		if !validSQLIdent(ident) {
			fatalf("invalid identifier: %s", ident)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	name := fmt.Sprintf("%s_%s_norm_uniq", table, column)
	stmt := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((%s));`,
		pgx.Identifier{name}.Sanitize(),
		pgx.Identifier{schema, table}.Sanitize(),
		persistence.NormalizeExpr(column))
	if _, err := conn.Exec(ctx, stmt); err != nil {
		fatal(err)
	}

	fmt.Printf("[unique-index] OK index=%s\n", name)
}

func sweepProgress(args []string) {
	fs := flag.NewFlagSet("sweep-progress", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	n, err := persistence.NewProgressPGStore(conn).SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		fatal(err)
	}

	fmt.Printf("[sweep-progress] OK deleted=%d\n", n)
}

// normalizeSmoke proves the connected database's normalize expression agrees
// with fieldval.Normalize. Duplicate detection compares values normalized on
// both sides, so a regexp or collation difference here corrupts verdicts.
// Everything runs on a temp table inside a rolled-back transaction.
func normalizeSmoke(args []string) {
	fs := flag.NewFlagSet("normalize-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE normalize_smoke (id bigint GENERATED ALWAYS AS IDENTITY, val text NOT NULL);`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE UNIQUE INDEX normalize_smoke_norm_uniq ON normalize_smoke ((%s));`, persistence.NormalizeExpr("val"))); err != nil {
		fatal(err)
	}

	const sample = "  Deluxe Package!!  "
	want := fieldval.Normalize(sample)
	if _, err := tx.Exec(ctx, `INSERT INTO normalize_smoke (val) VALUES ($1);`, sample); err != nil {
		fatal(err)
	}
	var got string
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM normalize_smoke;`, persistence.NormalizeExpr("val"))).Scan(&got); err != nil {
		fatal(err)
	}
	if got != want {
		fatalf("normalize mismatch: database %q, application %q", got, want)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_dup;`); err != nil {
		fatal(err)
	}
	_, dupErr := tx.Exec(ctx, `INSERT INTO normalize_smoke (val) VALUES ($1);`, "DELUXE PACKAGE")
	if _, err := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_dup;`); err != nil {
		fatal(err)
	}
	if dupErr == nil {
		fatalf("expected unique violation for normalized duplicate")
	}
	var pgErr *pgconn.PgError
	if !errors.As(dupErr, &pgErr) || pgErr.Code != "23505" {
		fatal(dupErr)
	}

	fmt.Println("[normalize-smoke] OK")
}

var reSQLIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validSQLIdent(s string) bool {
	return reSQLIdent.MatchString(s)
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
