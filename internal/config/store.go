package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// StoreConfig selects the database backing the Store. The zero value opens
// an in-memory SQLite database.
type StoreConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
}

// dialect captures the DDL differences between the supported databases.
type dialect struct {
	name      string
	driver    string // database/sql driver name registered by the import
	timestamp string
	boolean   string
	autoID    string
	bigint    string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:      DriverSQLite,
		driver:    "sqlite",
		timestamp: "DATETIME",
		boolean:   "INTEGER",
		autoID:    "INTEGER PRIMARY KEY AUTOINCREMENT",
		bigint:    "INTEGER",
	},
	DriverPostgres: {
		name:      DriverPostgres,
		driver:    "pgx",
		timestamp: "TIMESTAMPTZ",
		boolean:   "BOOLEAN",
		autoID:    "BIGSERIAL PRIMARY KEY",
		bigint:    "BIGINT",
	},
	DriverMySQL: {
		name:      DriverMySQL,
		driver:    "mysql",
		timestamp: "DATETIME(6)",
		boolean:   "BOOLEAN",
		autoID:    "BIGINT AUTO_INCREMENT PRIMARY KEY",
		bigint:    "BIGINT",
	},
}

// Store is keyward's persistent record store. It holds API keys with their
// scopes and IP allow-lists, admin accounts, and admin refresh tokens.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// NewStore opens the configured database and applies migrations.
func NewStore(cfg StoreConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	dsn, err := resolveDSN(d, cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}

	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite).
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func resolveDSN(d dialect, cfg StoreConfig) (string, error) {
	switch d.name {
	case DriverSQLite:
		if cfg.DSN != "" {
			return cfg.DSN, nil
		}
		if cfg.DataDir == "" {
			return ":memory:?_journal_mode=WAL", nil
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		return filepath.Join(cfg.DataDir, "keyward.db") + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverMySQL:
		if cfg.DSN == "" {
			return "", fmt.Errorf("mysql store requires a dsn")
		}
		// Timestamps must come back as time.Time in UTC, and RowsAffected must
		// count matched rows so idempotent updates are not reported as misses.
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.ClientFoundRows = true
		return mc.FormatDSN(), nil
	default:
		if cfg.DSN == "" {
			return "", fmt.Errorf("%s store requires a dsn", d.name)
		}
		return cfg.DSN, nil
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the store driver name (sqlite, postgres or mysql).
func (s *Store) Driver() string {
	return s.dialect.name
}

// rebind converts a '?' placeholder query to the driver's bind style.
func (s *Store) rebind(q string) string {
	return s.db.Rebind(q)
}

// insertReturningID runs an INSERT and returns the generated integer id.
// PostgreSQL has no LastInsertId so RETURNING is used there instead.
func (s *Store) insertReturningID(ctx context.Context, ext sqlx.ExtContext, q string, args ...interface{}) (int64, error) {
	if s.dialect.name == DriverPostgres {
		var id int64
		if err := ext.QueryRowxContext(ctx, s.rebind(q+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	result, err := ext.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// any of the supported drivers.
func isUniqueViolation(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry")
}
