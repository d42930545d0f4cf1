package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/amanthanvi/cryptostore/internal/backup"
	"github.com/amanthanvi/cryptostore/internal/storage"
	"github.com/spf13/cobra"
)

type migrateResult struct {
	Path          string `json:"path"`
	SchemaVersion int    `json:"schema_version"`
}

func (r migrateResult) String() string {
	return fmt.Sprintf("path=%s schema_version=%d", r.Path, r.SchemaVersion)
}

func newMigrateCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store if needed and apply pending schema migrations",
		Example: "  cryptostore migrate\n" +
			"  cryptostore --store ./crypto.sqlite --json migrate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("migrate does not accept positional arguments")
			}
			return withStore(cmd.Context(), deps, func(ctx context.Context, s storeSession) error {
				version, err := s.store.SchemaVersion(ctx)
				if err != nil {
					return err
				}
				if deps.globals.Quiet && !deps.globals.JSON {
					return nil
				}
				return outputValue(deps.out, deps.globals.JSON, migrateResult{Path: s.store.Path(), SchemaVersion: version})
			})
		},
	}
}

type statusPayload struct {
	Path          string          `json:"path"`
	SchemaVersion int             `json:"schema_version"`
	Tables        map[string]int  `json:"tables"`
	Backup        backup.Progress `json:"backup"`
	BackupVersion *string         `json:"backup_version,omitempty"`
}

func newStatusCommand(deps commandDeps) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show schema version, row counts and key backup progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("status does not accept positional arguments")
			}
			return withStore(cmd.Context(), deps, func(ctx context.Context, s storeSession) error {
				stats, err := s.store.Stats(ctx)
				if err != nil {
					return err
				}
				tracker := backup.NewTracker(s.store, s.logger)
				progress, err := tracker.Progress(ctx)
				if err != nil {
					return err
				}
				payload := statusPayload{
					Path:          s.store.Path(),
					SchemaVersion: stats.SchemaVersion,
					Tables:        stats.Tables,
					Backup:        progress,
				}
				if userID = strings.TrimSpace(userID); userID != "" {
					if payload.BackupVersion, err = tracker.Version(ctx, userID); err != nil {
						return err
					}
				}

				if deps.globals.JSON {
					return printJSON(deps.out, payload)
				}
				if deps.globals.Quiet {
					return nil
				}
				return printStatus(deps, payload, userID)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Also report the key backup version of this account")
	return cmd
}

func printStatus(deps commandDeps, payload statusPayload, userID string) error {
	if _, err := fmt.Fprintf(deps.out, "path=%s schema_version=%d\n", payload.Path, payload.SchemaVersion); err != nil {
		return err
	}
	tables := make([]string, 0, len(payload.Tables))
	for table := range payload.Tables {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		if _, err := fmt.Fprintf(deps.out, "%s=%d\n", table, payload.Tables[table]); err != nil {
			return err
		}
	}
	return printProgress(deps, payload.Backup, userID, payload.BackupVersion)
}

func newDeleteCommand(deps commandDeps) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the store file and its journal files",
		Example: "  cryptostore delete --yes\n" +
			"  cryptostore --store ./crypto.sqlite delete --yes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("delete does not accept positional arguments")
			}
			if !yes {
				return usageErrorf("delete is destructive; pass --yes to confirm")
			}
			cfg, err := loadCommandConfig(deps)
			if err != nil {
				return mapCommandError(err)
			}
			if err := storage.Delete(cfg.Store.Path); err != nil {
				return mapCommandError(err)
			}
			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, map[string]any{"deleted": cfg.Store.Path}))
			}
			if deps.globals.Quiet {
				return nil
			}
			_, err = fmt.Fprintf(deps.out, "deleted %s\n", cfg.Store.Path)
			return mapCommandError(err)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}
