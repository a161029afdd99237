// Package version reports build information of the dls binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set via ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns formatted version information.
func Info() string {
	return fmt.Sprintf("dls %s (commit: %s, built: %s, schema: %s) %s",
		Short(), Commit, Date, SchemaVersion, runtime.Version())
}

// SchemaVersion is the database schema version the binary migrates to.
// cmd/dls sets it from the migrator at init.
var SchemaVersion = "unknown"

// Short returns just the version string. Binaries installed with
// `go install` fall back to the module version.
func Short() string {
	if Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return Version
}
