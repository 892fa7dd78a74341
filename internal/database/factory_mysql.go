//go:build mysql

package database

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// openMySQL opens and pings a MySQL connection without touching the schema.
// Used both by newMySQLDB and by the migrate CLI.
func openMySQL(config Config) (*sql.DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for MySQL driver")
	}

	// parseTime converts DATETIME columns to time.Time on scan; loc keeps
	// every timestamp in UTC end to end.
	db, err := sql.Open("mysql", config.DatabaseURL+"?parseTime=true&loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
	}
	return db, nil
}

// newMySQLDB creates a new MySQL database connection.
// This implementation is only available when built with the 'mysql' build tag.
func newMySQLDB(config Config) (*DB, error) {
	db, err := openMySQL(config)
	if err != nil {
		return nil, err
	}

	if err := runMigrationsForDriver(db, "mysql"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run MySQL migrations: %w", err)
	}

	return &DB{db: db, driver: DriverMySQL}, nil
}
