package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// GlobalOptions holds the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	StorePath  string
	LogLevel   string
	JSON       bool
	Quiet      bool
	Timeout    time.Duration
}

type commandDeps struct {
	out     io.Writer
	globals *GlobalOptions
	build   BuildInfo
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{out: out, globals: globals, build: build}

	cmd := &cobra.Command{
		Use:           "cryptostore",
		Short:         "Inspect and maintain an encrypted-messaging crypto store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Path to config.toml")
	flags.StringVar(&globals.StorePath, "store", "", "Path to the store file (overrides config)")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress informational output")
	flags.DurationVar(&globals.Timeout, "timeout", defaultCommandTimeout, "Deadline for store operations")

	cmd.AddCommand(newVersionCommand(deps))
	cmd.AddCommand(newMigrateCommand(deps))
	cmd.AddCommand(newStatusCommand(deps))
	cmd.AddCommand(newBackupCommand(deps))
	cmd.AddCommand(newDeleteCommand(deps))
	cmd.AddCommand(newDebugCommand(deps))
	cmd.InitDefaultCompletionCmd()
	return cmd
}
