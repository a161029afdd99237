package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/cli"
)

var (
	checkDB      string
	checkUser    string
	checkNode    string
	checkAction  string
	checkExtra   []string
	checkSudo    bool
	checkSU      bool
	checkRealm   string
	checkExplain bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a subject may perform an action on a node",
	Long: `Evaluate an action for a subject on a node and print the result.

Exits with status 5 when the action is denied.`,
	Example: `  # May alice read doc-1?
  dls check --user user:alice --node doc-1 --action read

  # Show the evaluation trace
  dls check --user user:alice --node doc-1 --action read --explain`,
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

		a, err := newApp(ctx, logger, appOptions{dsn: checkDB})
		if err != nil {
			return err
		}
		defer a.Close()

		return runCheck(ctx, os.Stdout, a.svc.Public(), dls.CheckRequest{
			Subject:        checkUser,
			Node:           checkNode,
			Action:         checkAction,
			ExtraActions:   checkExtra,
			Sudo:           checkSudo,
			AllowSuperuser: checkSU || checkSudo,
			Realm:          checkRealm,
			Verbose:        checkExplain,
		})
	},
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkDB, "db", "", "database URL")
	f.StringVar(&checkUser, "user", "", "subject name, e.g. user:alice")
	f.StringVar(&checkNode, "node", "", "node identifier")
	f.StringVar(&checkAction, "action", "", "action to evaluate")
	f.StringSliceVar(&checkExtra, "extra", nil, "additional actions to evaluate")
	f.BoolVar(&checkSudo, "sudo", false, "evaluate with superuser sudo")
	f.BoolVar(&checkSU, "allow-superuser", false, "let superuser membership allow the action")
	f.StringVar(&checkRealm, "realm", "", "realm override")
	f.BoolVar(&checkExplain, "explain", false, "include the evaluation trace")
	_ = checkCmd.MarkFlagRequired("user")
	_ = checkCmd.MarkFlagRequired("node")
	_ = checkCmd.MarkFlagRequired("action")
}

// checker is the part of dls.Public the check command needs.
type checker interface {
	Check(ctx context.Context, req dls.CheckRequest) (dls.CheckResult, error)
}

func runCheck(ctx context.Context, w io.Writer, svc checker, req dls.CheckRequest) error {
	res, err := svc.Check(ctx, req)
	if err != nil {
		return cli.ServiceError("check failed", err)
	}
	if !quiet {
		if err := printJSON(w, res); err != nil {
			return err
		}
	}
	if !res.Allowed {
		return cli.DeniedError(fmt.Sprintf("%s may not %s on %s (%s)", req.Subject, req.Action, req.Node, res.Reason))
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
