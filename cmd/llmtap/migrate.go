package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/llmtap/llmtap/internal/config"
	"github.com/llmtap/llmtap/internal/database"
	"github.com/llmtap/llmtap/internal/database/migrations"
	"github.com/spf13/cobra"
)

// migrateCmd is the parent command for migration operations. SQLite creates
// its schema inline at open and is rejected here.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  `Apply, roll back, and inspect database migrations for the PostgreSQL and MySQL backends.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	RunE:  runMigrateDown,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current migration version",
	Long:  `Display the current migration version. Returns 0 if no migrations have been applied.`,
	RunE:  runMigrateStatus,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	runner, closeDB, err := migrationRunner()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := runner.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	fmt.Println("Migrations applied successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	runner, closeDB, err := migrationRunner()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := runner.Down(); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	fmt.Println("Migration rolled back successfully")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	runner, closeDB, err := migrationRunner()
	if err != nil {
		return err
	}
	defer closeDB()

	version, err := runner.Status()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Printf("Current migration version: %d\n", version)
	return nil
}

// migrationRunner opens a raw connection for the configured driver and
// builds the goose runner with the matching dialect directory.
func migrationRunner() (*migrations.Runner, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	db, dialect, err := database.OpenForMigrations(databaseConfig(cfg))
	if err != nil {
		return nil, nil, err
	}

	migrationsPath, err := database.MigrationsPathForDriver(database.DriverType(cfg.DBDriver))
	if err != nil {
		closeMigrationDB(db)
		return nil, nil, err
	}

	closeDB := func() { closeMigrationDB(db) }
	return migrations.NewRunner(db, dialect, migrationsPath), closeDB, nil
}

func closeMigrationDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", err)
	}
}
