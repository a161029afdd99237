package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/cli"
)

var (
	groupsDB      string
	groupsSubject string
	groupsSystem  bool
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the effective groups of a subject",
	Long:  `List every group a subject belongs to, directly or through nested groups.`,
	Example: `  dls groups --subject user:alice
  dls groups --subject user:alice --system`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := newApp(ctx, logger, appOptions{dsn: groupsDB})
		if err != nil {
			return err
		}
		defer a.Close()

		return runGroups(ctx, os.Stdout, a.svc.Public(), groupsSubject, groupsSystem)
	},
}

func init() {
	f := groupsCmd.Flags()
	f.StringVar(&groupsDB, "db", "", "database URL")
	f.StringVar(&groupsSubject, "subject", "", "subject name")
	f.BoolVar(&groupsSystem, "system", false, "include system groups")
	_ = groupsCmd.MarkFlagRequired("subject")
}

type groupLister interface {
	SubjectGroups(ctx context.Context, name string, includeSystem bool) ([]dls.Subject, error)
}

func runGroups(ctx context.Context, w io.Writer, svc groupLister, subject string, system bool) error {
	groups, err := svc.SubjectGroups(ctx, subject, system)
	if err != nil {
		return cli.ServiceError("listing groups", err)
	}
	for _, g := range groups {
		fmt.Fprintln(w, g.Name)
	}
	return nil
}
