// Package migrations provides database migration functionality using goose.
// Only the PostgreSQL and MySQL backends use migrations; SQLite creates its
// schema inline at open.
package migrations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
)

// Runner manages database migrations using goose for one dialect.
type Runner struct {
	db             *sql.DB
	dialect        string
	migrationsPath string
}

// NewRunner creates a migration runner. dialect is a goose dialect name
// ("postgres" or "mysql"); migrationsPath is the directory containing the
// SQL migration files for that dialect.
func NewRunner(db *sql.DB, dialect, migrationsPath string) *Runner {
	return &Runner{
		db:             db,
		dialect:        dialect,
		migrationsPath: migrationsPath,
	}
}

func (r *Runner) validate() error {
	if r.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if r.migrationsPath == "" {
		return fmt.Errorf("migrations path is empty")
	}
	if err := goose.SetDialect(r.dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// Up applies all pending migrations. Each migration runs in a transaction.
// An advisory lock prevents concurrent migrations when several instances
// start simultaneously.
func (r *Runner) Up() error {
	if err := r.validate(); err != nil {
		return err
	}

	release, err := r.acquireLock()
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	if err := goose.Up(r.db, r.migrationsPath); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down() error {
	if err := r.validate(); err != nil {
		return err
	}

	release, err := r.acquireLock()
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()

	if err := goose.Down(r.db, r.migrationsPath); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Status returns the current migration version. Returns 0 when no
// migrations have been applied.
func (r *Runner) Status() (int64, error) {
	if err := r.validate(); err != nil {
		return 0, err
	}

	version, err := goose.GetDBVersion(r.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

// acquireLock takes a dialect-appropriate advisory lock and returns its
// release function.
func (r *Runner) acquireLock() (func(), error) {
	switch r.dialect {
	case "postgres":
		return r.acquirePostgresLock()
	case "mysql":
		return r.acquireMySQLLock()
	default:
		return nil, fmt.Errorf("unsupported migration dialect: %s", r.dialect)
	}
}

// lockID identifies this application's migration lock across instances.
const lockID = 7319425008

const (
	lockMaxRetries = 10
	lockRetryDelay = 100 * time.Millisecond
)

// acquirePostgresLock uses pg_try_advisory_lock; the lock is released
// explicitly or when the connection closes.
func (r *Runner) acquirePostgresLock() (func(), error) {
	for i := 0; i < lockMaxRetries; i++ {
		var acquired bool
		err := r.db.QueryRow("SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired)
		if err != nil {
			return nil, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		if acquired {
			release := func() {
				_, _ = r.db.Exec("SELECT pg_advisory_unlock($1)", lockID)
			}
			return release, nil
		}
		if i < lockMaxRetries-1 {
			time.Sleep(lockRetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to acquire PostgreSQL advisory lock after %d retries", lockMaxRetries)
}

// acquireMySQLLock uses GET_LOCK with a zero timeout per attempt.
func (r *Runner) acquireMySQLLock() (func(), error) {
	lockName := fmt.Sprintf("llmtap_migrations_%d", lockID)
	for i := 0; i < lockMaxRetries; i++ {
		var acquired sql.NullInt64
		err := r.db.QueryRow("SELECT GET_LOCK(?, 0)", lockName).Scan(&acquired)
		if err != nil {
			return nil, fmt.Errorf("failed to try named lock: %w", err)
		}
		if acquired.Valid && acquired.Int64 == 1 {
			release := func() {
				_, _ = r.db.Exec("SELECT RELEASE_LOCK(?)", lockName)
			}
			return release, nil
		}
		if i < lockMaxRetries-1 {
			time.Sleep(lockRetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to acquire MySQL named lock after %d retries", lockMaxRetries)
}
