package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/dls/internal/cli"
	"github.com/pthm/dls/internal/doctor"
)

var (
	doctorDB      string
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long:  `Run health checks on the DLS database.`,
	Example: `  # Run health checks
  dls doctor --db postgres://localhost/dls

  # Run with verbose output
  dls doctor --db postgres://localhost/dls --details`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verboseFlag := resolveBool(doctorVerbose, cfg.Doctor.Verbose, verbose > 0)

		dsn, err := resolveDSN(doctorDB)
		if err != nil {
			return err
		}
		return runDoctor(cmd.Context(), dsn, verboseFlag)
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorDB, "db", "", "database URL")
	f.BoolVar(&doctorVerbose, "details", false, "show detailed output")
}

func runDoctor(ctx context.Context, dsn string, verboseFlag bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	scopes, err := loadScopes()
	if err != nil {
		return err
	}
	db, err := openDB(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if !quiet {
		fmt.Println("dls doctor - Health Check")
	}

	report, err := doctor.New(db, scopes).Run(ctx)
	if err != nil {
		return cli.GeneralError("running doctor", err)
	}

	report.Print(os.Stdout, verboseFlag)

	if report.HasErrors() {
		return cli.GeneralError("health checks failed", nil)
	}
	return nil
}
