package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bigbrotr/bigbrotr/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the archive database schema",
	Long: `Validate the embedded schema migrations and apply them to the database
named by DATABASE_URL. Migrations are embedded in the binary; nothing is
read from disk.`,
}

func init() {
	migrateCmd.AddCommand(
		migrateUpCmd,
		migrateDownCmd,
		migrateStatusCmd,
		migrateVersionCmd,
		migrateDropCmd,
	)
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return withMigrations(func(r *migrations.Runner) error { return r.Up() })
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return withMigrations(func(r *migrations.Runner) error { return r.Down() })
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations are applied",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return withMigrations(func(r *migrations.Runner) error { return r.Status() })
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return withMigrations(func(r *migrations.Runner) error { return r.Version() })
	},
}

var migrateDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop every table in the database",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		fmt.Print("WARNING: this drops every table in the database. Are you sure? (y/N): ")

		var response string

		_, _ = fmt.Scanln(&response)

		if response != "y" && response != "Y" {
			fmt.Println("Cancelled.")

			return nil
		}

		return withMigrations(func(r *migrations.Runner) error { return r.Drop() })
	},
}

// withMigrations builds a migration runner from the environment, hands it
// to op, and closes it.
func withMigrations(op func(*migrations.Runner) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	cfg, err := migrations.LoadConfig()
	if err != nil {
		return err
	}

	runner, err := migrations.NewRunner(cfg, logger)
	if err != nil {
		return err
	}

	defer func() { _ = runner.Close() }()

	return op(runner)
}
