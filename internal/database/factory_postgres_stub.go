//go:build !postgres

package database

import (
	"database/sql"
	"fmt"
)

// newPostgresDB returns an error when built without the 'postgres' build tag.
func newPostgresDB(config Config) (*DB, error) {
	return nil, fmt.Errorf("PostgreSQL support not compiled in; rebuild with -tags postgres")
}

func openPostgres(config Config) (*sql.DB, error) {
	return nil, fmt.Errorf("PostgreSQL support not compiled in; rebuild with -tags postgres")
}
