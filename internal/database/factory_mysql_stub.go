//go:build !mysql

package database

import (
	"database/sql"
	"fmt"
)

// newMySQLDB returns an error when built without the 'mysql' build tag.
func newMySQLDB(config Config) (*DB, error) {
	return nil, fmt.Errorf("MySQL support not compiled in; rebuild with -tags mysql")
}

func openMySQL(config Config) (*sql.DB, error) {
	return nil, fmt.Errorf("MySQL support not compiled in; rebuild with -tags mysql")
}
