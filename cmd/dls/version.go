package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/pthm/dls/internal/version"
	"github.com/pthm/dls/pkg/migrator"
)

func init() {
	version.SchemaVersion = migrator.SchemaVersion
	// Fill the commit from VCS info when ldflags did not set it.
	if version.Commit != "none" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				version.Commit = setting.Value
				if len(version.Commit) > 7 {
					version.Commit = version.Commit[:7]
				}
			case "vcs.time":
				version.Date = setting.Value
			}
		}
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}
