package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/llmtap/llmtap/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DriverType represents the database driver type.
type DriverType string

const (
	// DriverSQLite represents the SQLite database driver.
	DriverSQLite DriverType = "sqlite"
	// DriverPostgres represents the PostgreSQL database driver.
	DriverPostgres DriverType = "postgres"
	// DriverMySQL represents the MySQL database driver.
	DriverMySQL DriverType = "mysql"
)

// Config contains the complete database configuration for all drivers.
type Config struct {
	// Driver specifies which database driver to use (sqlite, postgres, mysql).
	Driver DriverType
	// Path is the path to the SQLite database file.
	Path string
	// DatabaseURL is the PostgreSQL or MySQL connection string.
	DatabaseURL string
	// Connection pool settings (used by all drivers)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "data/llmtap.db",
		DatabaseURL:     "",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// NewFromConfig creates a new database connection based on the configuration.
func NewFromConfig(config Config) (*DB, error) {
	switch config.Driver {
	case DriverSQLite:
		return newSQLiteDB(config)
	case DriverPostgres:
		return newPostgresDB(config)
	case DriverMySQL:
		return newMySQLDB(config)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
}

// newSQLiteDB creates a new SQLite database connection.
func newSQLiteDB(config Config) (*DB, error) {
	// Ensure database directory exists (skip for in-memory databases)
	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Timestamps are persisted and interpreted in UTC to avoid timezone
	// drift; SQLite stores them without timezone info, so `_loc=UTC`
	// forces parsing as UTC.
	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_foreign_keys=on&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// In-memory SQLite databases are per-connection. Use a single
	// connection so schema and data stay visible across queries within the
	// same *sql.DB handle.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize SQLite schema: %w", err)
	}

	return &DB{db: db, driver: DriverSQLite}, nil
}

// OpenForMigrations opens a raw connection for the migrate CLI without
// applying any schema changes, and returns the goose dialect name.
func OpenForMigrations(config Config) (*sql.DB, string, error) {
	switch config.Driver {
	case DriverPostgres:
		db, err := openPostgres(config)
		return db, "postgres", err
	case DriverMySQL:
		db, err := openMySQL(config)
		return db, "mysql", err
	case DriverSQLite:
		return nil, "", fmt.Errorf("SQLite does not use migrations; schema is created at open")
	default:
		return nil, "", fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
}

// runMigrationsForDriver runs database migrations for the specified dialect.
// Only PostgreSQL and MySQL use migrations; SQLite creates its schema inline.
func runMigrationsForDriver(db *sql.DB, dialect string) error {
	migrationsPath, err := getMigrationsPathForDialect(dialect)
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	runner := migrations.NewRunner(db, dialect, migrationsPath)
	if err := runner.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// getMigrationsPathForDialect returns the path to migrations for the
// specified dialect.
func getMigrationsPathForDialect(dialect string) (string, error) {
	if dialect == "sqlite3" || dialect == "sqlite" {
		return "", fmt.Errorf("SQLite does not use migrations")
	}

	basePaths := []string{
		"migrations",
	}

	// Path relative to this source file (for tests)
	_, filename, _, ok := runtime.Caller(0)
	if ok {
		repoRoot := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(filename))))
		basePaths = append(basePaths, filepath.Join(repoRoot, "migrations"))
	}

	// Paths relative to the executable
	execPath, err := os.Executable()
	if err == nil {
		execDir := filepath.Dir(execPath)
		basePaths = append(basePaths, filepath.Join(execDir, "migrations"))
		basePaths = append(basePaths, filepath.Join(filepath.Dir(execDir), "migrations"))
	}

	for _, basePath := range basePaths {
		dialectPath := filepath.Join(basePath, "sql", dialect)
		if _, err := os.Stat(dialectPath); err == nil {
			return dialectPath, nil
		}
	}

	return "", fmt.Errorf("migrations directory not found for dialect: %s", dialect)
}

// MigrationsPathForDriver returns the migrations directory for the given
// driver type. This ensures CLI and server code share the same
// dialect-aware lookup logic.
func MigrationsPathForDriver(driver DriverType) (string, error) {
	switch driver {
	case DriverSQLite:
		return "", fmt.Errorf("SQLite does not use migrations")
	case DriverPostgres:
		return getMigrationsPathForDialect("postgres")
	case DriverMySQL:
		return getMigrationsPathForDialect("mysql")
	default:
		return getMigrationsPathForDialect(string(driver))
	}
}
