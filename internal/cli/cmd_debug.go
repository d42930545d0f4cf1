package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/amanthanvi/cryptostore/internal/backup"
	debugpkg "github.com/amanthanvi/cryptostore/internal/debug"
	"github.com/amanthanvi/cryptostore/internal/storage"
	"github.com/spf13/cobra"
)

func newDebugCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "debug",
		Short:   "Diagnostics helpers",
		Example: "  cryptostore debug bundle --output ./cryptostore-debug.json",
	}
	cmd.AddCommand(newDebugBundleCommand(deps))
	return cmd
}

func newDebugBundleCommand(deps commandDeps) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Collect sanitized diagnostics into a JSON bundle",
		Example: "  cryptostore debug bundle --output ./cryptostore-debug.json\n" +
			"  cryptostore --json debug bundle --output ./cryptostore-debug.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("debug bundle does not accept positional arguments")
			}
			if strings.TrimSpace(outputPath) == "" {
				return usageErrorf("debug bundle requires --output")
			}

			bundle := debugpkg.NewBundle()
			bundle.Version = map[string]any{
				"version":    deps.build.Version,
				"commit":     deps.build.Commit,
				"build_time": deps.build.BuildTime,
			}

			cfg, report, err := loadCommandConfigReport(deps)
			bundle.AddCheck("config", err, "loaded")
			if err == nil {
				bundle.Config = map[string]any{
					"config_file":      report.ConfigFile,
					"env_overrides":    report.EnvOverrides,
					"store_path":       cfg.Store.Path,
					"app_id":           cfg.Store.AppID,
					"busy_timeout":     cfg.Store.BusyTimeout.String(),
					"max_open_conns":   cfg.Store.MaxOpenConns,
					"log_level":        cfg.Logging.Level,
					"tracing":          cfg.Tracing.Enabled,
					"tracing_endpoint": cfg.Tracing.Endpoint,
				}

				storeErr := withStore(cmd.Context(), deps, func(ctx context.Context, s storeSession) error {
					stats, err := s.store.Stats(ctx)
					if err != nil {
						return err
					}
					progress, err := backup.NewTracker(s.store, s.logger).Progress(ctx)
					if err != nil {
						return err
					}
					bundle.Store = map[string]any{
						"schema_version":      stats.SchemaVersion,
						"code_schema_version": storage.CurrentSchemaVersion(),
						"tables":              stats.Tables,
						"backup":              progress,
					}
					return nil
				})
				bundle.AddCheck("store", storeErr, "opened and migrated")
				bundle.Checks = append(bundle.Checks, debugpkg.CheckStoreFiles(cfg.Store.Path))
			}

			if err := debugpkg.WriteBundle(outputPath, bundle); err != nil {
				return mapCommandError(err)
			}
			if deps.globals.JSON {
				return printJSON(deps.out, map[string]any{"output": outputPath, "ok": bundle.OK()})
			}
			if deps.globals.Quiet {
				return nil
			}
			_, err = fmt.Fprintf(deps.out, "debug bundle written: %s\n", outputPath)
			return mapCommandError(err)
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Output JSON bundle path")
	return cmd
}
