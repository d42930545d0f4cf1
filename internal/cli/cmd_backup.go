package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/amanthanvi/cryptostore/internal/backup"
	"github.com/spf13/cobra"
)

func newBackupCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect and control server-side key backup bookkeeping",
	}
	cmd.AddCommand(newBackupStatusCommand(deps))
	cmd.AddCommand(newBackupEnableCommand(deps))
	cmd.AddCommand(newBackupDisableCommand(deps))
	cmd.AddCommand(newBackupResetCommand(deps))
	return cmd
}

type backupStatusPayload struct {
	Version *string `json:"version,omitempty"`
	backup.Progress
}

func newBackupStatusCommand(deps commandDeps) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many inbound group sessions are backed up",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("backup status does not accept positional arguments")
			}
			return withStore(cmd.Context(), deps, func(ctx context.Context, s storeSession) error {
				tracker := backup.NewTracker(s.store, s.logger)
				progress, err := tracker.Progress(ctx)
				if err != nil {
					return err
				}
				payload := backupStatusPayload{Progress: progress}
				if userID = strings.TrimSpace(userID); userID != "" {
					if payload.Version, err = tracker.Version(ctx, userID); err != nil {
						return err
					}
				}

				if deps.globals.JSON {
					return printJSON(deps.out, payload)
				}
				if deps.globals.Quiet {
					return nil
				}
				return printProgress(deps, payload.Progress, userID, payload.Version)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Account whose backup version to report")
	return cmd
}

func newBackupEnableCommand(deps commandDeps) *cobra.Command {
	var userID, version string

	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Record the backup version in use; a new version invalidates earlier uploads",
		Example: "  cryptostore backup enable --user @alice:example.org --version 3\n" +
			"  cryptostore --json backup enable --user @alice:example.org --version 4",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("backup enable does not accept positional arguments")
			}
			userID = strings.TrimSpace(userID)
			if userID == "" {
				return usageErrorf("backup enable requires --user")
			}
			return withStore(cmd.Context(), deps, func(ctx context.Context, s storeSession) error {
				tracker := backup.NewTracker(s.store, s.logger)
				if err := tracker.Enable(ctx, userID, strings.TrimSpace(version)); err != nil {
					return err
				}
				return reportBackupChange(ctx, deps, tracker, userID)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Account user id")
	cmd.Flags().StringVar(&version, "version", "", "Backup version created on the server")
	return cmd
}

func newBackupDisableCommand(deps commandDeps) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Clear the backup version and every backed-up marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("backup disable does not accept positional arguments")
			}
			userID = strings.TrimSpace(userID)
			if userID == "" {
				return usageErrorf("backup disable requires --user")
			}
			return withStore(cmd.Context(), deps, func(ctx context.Context, s storeSession) error {
				tracker := backup.NewTracker(s.store, s.logger)
				if err := tracker.Disable(ctx, userID); err != nil {
					return err
				}
				return reportBackupChange(ctx, deps, tracker, userID)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Account user id")
	return cmd
}

func newBackupResetCommand(deps commandDeps) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Mark every inbound group session as not backed up",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("backup reset does not accept positional arguments")
			}
			if !yes {
				return usageErrorf("backup reset forces a full re-upload; pass --yes to confirm")
			}
			return withStore(cmd.Context(), deps, func(ctx context.Context, s storeSession) error {
				tracker := backup.NewTracker(s.store, s.logger)
				if err := tracker.Reset(ctx); err != nil {
					return err
				}
				progress, err := tracker.Progress(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, backupStatusPayload{Progress: progress})
				}
				if deps.globals.Quiet {
					return nil
				}
				return printProgress(deps, progress, "", nil)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}

func reportBackupChange(ctx context.Context, deps commandDeps, tracker *backup.Tracker, userID string) error {
	version, err := tracker.Version(ctx, userID)
	if err != nil {
		return err
	}
	progress, err := tracker.Progress(ctx)
	if err != nil {
		return err
	}
	if deps.globals.JSON {
		return printJSON(deps.out, backupStatusPayload{Version: version, Progress: progress})
	}
	if deps.globals.Quiet {
		return nil
	}
	return printProgress(deps, progress, userID, version)
}

// printProgress writes one summary line. A nil version with an empty
// userID means no account was asked about, so no state is printed.
func printProgress(deps commandDeps, progress backup.Progress, userID string, version *string) error {
	prefix := "backup"
	switch {
	case version != nil:
		prefix += " version=" + *version
	case userID != "":
		prefix += " disabled"
	}
	_, err := fmt.Fprintf(
		deps.out,
		"%s total=%d backed_up=%d remaining=%d\n",
		prefix,
		progress.Total,
		progress.BackedUp,
		progress.Remaining,
	)
	return err
}
