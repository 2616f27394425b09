package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// connectTimeout bounds the initial ping of a new pool.
const connectTimeout = 10 * time.Second

// sqlDriver pairs a database/sql driver name with the DSN it expects.
type sqlDriver struct {
	name string
	dsn  func(domain.RepositoryConfig) (string, error)
}

// drivers maps RepositoryConfig.Driver onto the registered driver.
// postgres and pgx share a keyword/value DSN and the same schema dialect.
var drivers = map[string]sqlDriver{
	"sqlite":   {name: "sqlite", dsn: sqliteDSN},
	"postgres": {name: "postgres", dsn: pgDSN},
	"pgx":      {name: "pgx", dsn: pgDSN},
}

func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	d, ok := drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q: %w", cfg.Driver, domain.ErrInvalidConfig)
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// sqliteDSN uses the pure Go modernc driver. WAL plus a busy timeout lets the
// action pipeline and the sweep write concurrently.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path), nil
}

// postgresDSN builds a keyword/value connection string accepted by both
// lib/pq and pgx.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, cfg.PostgresUser, cfg.PostgresPassword, dbname, sslmode)
}

func pgDSN(cfg domain.RepositoryConfig) (string, error) {
	return postgresDSN(cfg), nil
}
