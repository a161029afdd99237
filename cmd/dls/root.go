package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pthm/dls/internal/cli"
)

var (
	// Global state set during PersistentPreRunE
	cfg        *cli.Config
	configPath string

	// Persistent flags
	cfgFile string
	verbose int
	quiet   bool

	// fs is the filesystem scopes and diff files are read from.
	fs = afero.NewOsFs()
)

var rootCmd = &cobra.Command{
	Use:   "dls",
	Short: "Node permissions service",
	Long: `dls - node permissions service

dls stores per-node permission grants in PostgreSQL, evaluates actions
against them and applies permission diffs with a full audit log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help/completion/version commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, configPath, err = cli.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}

		return nil
	},
	SilenceUsage:  true, // Don't show usage on errors
	SilenceErrors: true, // We handle errors ourselves
}

// Command group IDs
const (
	groupServer      = "server"
	groupSchema      = "schema"
	groupPermissions = "permissions"
	groupUtility     = "utility"
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: auto-discover dls.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase verbosity (can be repeated)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupServer, Title: "Server:"},
		&cobra.Group{ID: groupSchema, Title: "Schema:"},
		&cobra.Group{ID: groupPermissions, Title: "Permissions:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	serveCmd.GroupID = groupServer
	rootCmd.AddCommand(serveCmd)

	migrateCmd.GroupID = groupSchema
	statusCmd.GroupID = groupSchema
	doctorCmd.GroupID = groupSchema
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)

	checkCmd.GroupID = groupPermissions
	modifyCmd.GroupID = groupPermissions
	groupsCmd.GroupID = groupPermissions
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(modifyCmd)
	rootCmd.AddCommand(groupsCmd)

	configCmd.GroupID = groupUtility
	versionCmd.GroupID = groupUtility
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		cli.ExitWithError(err)
	}
}

// resolveString returns the first non-empty string from the provided values.
// Used to implement precedence: flag > config > default.
func resolveString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveBool returns true if any of the provided values is true.
// Used for boolean flags where any true value should win.
func resolveBool(values ...bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}
