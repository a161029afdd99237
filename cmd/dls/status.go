package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/dls/internal/cli"
	"github.com/pthm/dls/pkg/migrator"
)

var statusDB string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current schema status",
	Long:  `Show the DLS tables, system groups and last migration.`,
	Example: `  # Check status
  dls status --db postgres://localhost/dls`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(statusDB)
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), dsn)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "database URL")
}

func runStatus(ctx context.Context, dsn string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	m := migrator.NewMigrator(db)
	s, err := m.GetStatus(ctx)
	if err != nil {
		return cli.GeneralError("getting status", err)
	}

	if len(s.MissingTables) == 0 {
		fmt.Println("Tables:        present")
	} else {
		fmt.Printf("Tables:        missing %s\n", strings.Join(s.MissingTables, ", "))
	}
	if len(s.MissingGroups) == 0 && len(s.MissingTables) == 0 {
		fmt.Println("System groups: seeded")
	} else if len(s.MissingGroups) > 0 {
		fmt.Printf("System groups: missing %s\n", strings.Join(s.MissingGroups, ", "))
	}

	switch {
	case s.Last == nil:
		fmt.Println("Migration:     none")
		fmt.Println("\nRun 'dls migrate' to create the schema.")
	case s.UpToDate:
		fmt.Printf("Migration:     version %s, up to date\n", s.Last.SchemaVersion)
	default:
		fmt.Printf("Migration:     version %s, outdated (binary has %s)\n", s.Last.SchemaVersion, migrator.SchemaVersion)
		fmt.Println("\nRun 'dls migrate' to apply changes.")
	}
	return nil
}
