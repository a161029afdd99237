package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/cli"
)

var (
	modifyDB        string
	modifyNode      string
	modifyRequester string
	modifyDiffFile  string
	modifyClearAll  bool
	modifyComment   string
	modifyJSON      bool
)

var modifyCmd = &cobra.Command{
	Use:   "modify",
	Short: "Apply a permission diff to a node",
	Long: `Apply a permission diff to a node on behalf of a requester.

The diff file is YAML (or JSON) with optional added, removed and modified
sections, each keyed by perm kind:

  added:
    acl_view:
      - subject: {name: "user:alice"}
        comment: onboarding
  removed:
    acl_edit:
      - subject: {name: "group:contractors"}`,
	Example: `  dls modify --node doc-1 --requester user:owner --diff grant.yaml
  dls modify --node doc-1 --requester user:owner --clear-all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		var diff dls.Diff
		if modifyDiffFile != "" {
			var err error
			if diff, err = readDiff(fs, modifyDiffFile); err != nil {
				return cli.GeneralError("reading diff", err)
			}
		} else if !modifyClearAll {
			return cli.GeneralError("either --diff or --clear-all is required", nil)
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := newApp(ctx, logger, appOptions{dsn: modifyDB})
		if err != nil {
			return err
		}
		defer a.Close()

		req := dls.ModifyRequest{
			Node:      modifyNode,
			Requester: modifyRequester,
			Diff:      diff,
			ClearAll:  modifyClearAll,
		}
		if modifyComment != "" {
			req.DefaultComment = &modifyComment
		}
		return runModify(ctx, os.Stdout, a.svc.Public(), req, modifyJSON)
	},
}

func init() {
	f := modifyCmd.Flags()
	f.StringVar(&modifyDB, "db", "", "database URL")
	f.StringVar(&modifyNode, "node", "", "node identifier")
	f.StringVar(&modifyRequester, "requester", "", "subject performing the change")
	f.StringVar(&modifyDiffFile, "diff", "", "diff file (YAML or JSON)")
	f.BoolVar(&modifyClearAll, "clear-all", false, "remove every active and pending grant first")
	f.StringVar(&modifyComment, "comment", "", "comment for items without one")
	f.BoolVar(&modifyJSON, "json", false, "print the full result as JSON")
	_ = modifyCmd.MarkFlagRequired("node")
	_ = modifyCmd.MarkFlagRequired("requester")
}

func readDiff(fsys afero.Fs, path string) (dls.Diff, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return dls.Diff{}, err
	}
	var diff dls.Diff
	if err := yaml.UnmarshalStrict(data, &diff); err != nil {
		return dls.Diff{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return diff, nil
}

// modifier is the part of dls.Public the modify command needs.
type modifier interface {
	ModifyPermissions(ctx context.Context, req dls.ModifyRequest) (*dls.ModifyResult, error)
}

func runModify(ctx context.Context, w io.Writer, svc modifier, req dls.ModifyRequest, asJSON bool) error {
	res, err := svc.ModifyPermissions(ctx, req)
	if err != nil {
		return cli.ServiceError("modify failed", err)
	}
	if quiet {
		return nil
	}
	if asJSON {
		return printJSON(w, res)
	}

	counts := make(map[dls.Situation]int)
	for _, l := range res.Logs {
		counts[l.Meta.Situation]++
	}
	situations := make([]string, 0, len(counts))
	for s := range counts {
		situations = append(situations, string(s))
	}
	sort.Strings(situations)

	fmt.Fprintf(w, "Node %s: %d grants written, %d log entries\n", res.Node.Identifier, len(res.Upserts), len(res.Logs))
	for _, s := range situations {
		fmt.Fprintf(w, "  %-48s %d\n", s, counts[dls.Situation(s)])
	}
	return nil
}
