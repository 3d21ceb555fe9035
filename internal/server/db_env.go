package server

import (
	"context"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// dbDSNFromEnv assembles the postgres DSN. DATABASE_URL wins outright; the
// discrete DB_* variables exist for compose files that set them one by one.
func dbDSNFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getenvDefault("DB_USER", "app"), getenvDefault("DB_PASSWORD", "app")),
		Host:     net.JoinHostPort(getenvDefault("DB_HOST", "127.0.0.1"), getenvDefault("DB_PORT", "5432")),
		Path:     "/" + getenvDefault("DB_NAME", "fieldset"),
		RawQuery: url.Values{"sslmode": {getenvDefault("DB_SSLMODE", "disable")}}.Encode(),
	}
	return u.String()
}

// poolConfigFromEnv builds the shared pool config. DB_POOL_MAX_CONNS caps
// concurrent connections; unset or invalid keeps the pgxpool default.
func poolConfigFromEnv() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dbDSNFromEnv())
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("DB_POOL_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConns = int32(n)
		}
	}
	return cfg, nil
}

func dbPoolFromEnv(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := poolConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
