package cli

import (
	"fmt"
	"runtime"

	"github.com/amanthanvi/cryptostore/internal/storage"
	"github.com/spf13/cobra"
)

type versionPayload struct {
	BuildInfo
	SchemaVersion int    `json:"schema_version"`
	GoVersion     string `json:"go_version"`
}

// String renders the payload as one key=value line.
func (p versionPayload) String() string {
	return fmt.Sprintf(
		"version=%s commit=%s build_time=%s schema_version=%d go=%s",
		p.Version, p.Commit, p.BuildTime, p.SchemaVersion, p.GoVersion,
	)
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build metadata and the store schema version this binary writes",
		Example: "  cryptostore version\n" +
			"  cryptostore --json version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("version does not accept positional arguments")
			}
			payload := versionPayload{
				BuildInfo:     deps.build,
				SchemaVersion: storage.CurrentSchemaVersion(),
				GoVersion:     runtime.Version(),
			}
			return mapCommandError(outputValue(deps.out, deps.globals.JSON, payload))
		},
	}
}
