package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/dls/internal/cli"
	"github.com/pthm/dls/pkg/migrator"
)

var (
	migrateDB     string
	migrateDryRun bool
	migrateForce  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the DLS schema to the database",
	Long:  `Create the DLS tables and seed the system groups.`,
	Example: `  # Apply schema to database
  dls migrate --db postgres://localhost/dls

  # Preview migration without applying
  dls migrate --dry-run

  # Force re-apply even if schema unchanged
  dls migrate --db postgres://localhost/dls --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateDryRun {
			return runMigrateDryRun()
		}
		dsn, err := resolveDSN(migrateDB)
		if err != nil {
			return err
		}
		return runMigrate(cmd.Context(), dsn, migrateForce)
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateDB, "db", "", "database URL")
	f.BoolVar(&migrateDryRun, "dry-run", false, "output migration SQL without applying")
	f.BoolVar(&migrateForce, "force", false, "force migration even if schema unchanged")
}

// runMigrateDryRun prints the migration without a database connection.
func runMigrateDryRun() error {
	if !quiet {
		fmt.Fprintln(os.Stderr, "-- Dry-run mode: SQL will be output but not applied")
		fmt.Fprintln(os.Stderr, "")
	}
	_, err := migrator.NewMigrator(nil).Migrate(context.Background(), migrator.MigrateOptions{DryRun: os.Stdout})
	if err != nil {
		return cli.GeneralError("dry run failed", err)
	}
	return nil
}

func runMigrate(ctx context.Context, dsn string, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if !quiet {
		fmt.Println("Applying DLS schema...")
	}

	skipped, err := migrator.MigrateWithOptions(ctx, db, migrator.MigrateOptions{Force: force})
	if err != nil {
		return cli.GeneralError("migration failed", err)
	}

	if !quiet {
		if skipped {
			fmt.Println("Schema unchanged, migration skipped.")
			fmt.Println("Use --force to re-apply.")
		} else {
			fmt.Printf("DLS schema version %s applied successfully.\n", migrator.SchemaVersion)
		}
	}
	return nil
}
