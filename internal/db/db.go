package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultDBName = "shiftline.db"

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Workspace string
	Driver    string
	DSN       string
}

// Normalize fills in the default driver.
func (c Config) Normalize() Config {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" || c.Driver == "sqlite3" {
		c.Driver = DriverSQLite
	}
	if c.Driver == "postgresql" {
		c.Driver = DriverPostgres
	}
	return c
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".shiftline", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".shiftline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite runs with foreign keys on and a single
// connection per handle. Transactions begin IMMEDIATE so that writers from other processes
// sharing the workspace queue on the busy timeout at BEGIN instead of failing when a read
// lock is upgraded. Postgres relies on the conditional updates issued by the repo layer.
func Open(cfg Config) (*sql.DB, error) {
	cfg = cfg.Normalize()
	switch cfg.Driver {
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
				return nil, err
			}
			dsn = SQLiteDSN(dbPath(cfg.Workspace))
		}
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(1)
		return conn, nil
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		conn, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

// SQLiteDSN builds the modernc DSN used for workspace databases.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
