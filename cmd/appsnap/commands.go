package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/journal"
	"github.com/heavyscript/appsnap/internal/ledger"
	"github.com/heavyscript/appsnap/internal/logging"
	"github.com/heavyscript/appsnap/internal/restore"
)

// withEnvironment builds the environment for action and closes it after fn.
func withEnvironment(cmd *cobra.Command, action journal.Action, fn func(ctx context.Context, env *environment) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, _ = logging.WithRunID(ctx, "")
	env, err := newEnvironment(ctx, action)
	if err != nil {
		logging.Shutdown()
		return err
	}
	defer env.close()
	return fn(ctx, env)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a full backup of every application",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, journal.ActionBackup, func(ctx context.Context, env *environment) error {
			return env.record(journal.ActionBackup, "", func() (string, *ledger.Ledger, []string, error) {
				if err := env.connect(ctx); err != nil {
					return "", nil, nil, apperrors.Fatal("connect", err)
				}
				res, err := env.orchestrator().Run(ctx)
				if res == nil {
					return "", nil, nil, err
				}
				res.Ledger.WriteReport(os.Stdout, "Backup summary for "+res.Name, res.Apps)
				printList(os.Stdout, "Skipped", res.Skipped)
				printList(os.Stdout, "Deleted dangling snapshots", res.Dangling)
				printList(os.Stdout, "Pruned by retention", res.Pruned)
				return res.Name, res.Ledger, res.Apps, err
			})
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export chart information of every application",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, journal.ActionExport, func(ctx context.Context, env *environment) error {
			return env.record(journal.ActionExport, "", func() (string, *ledger.Ledger, []string, error) {
				if err := env.connect(ctx); err != nil {
					return "", nil, nil, apperrors.Fatal("connect", err)
				}
				res, err := env.exporter().Run(ctx)
				if res == nil {
					return "", nil, nil, err
				}
				res.Ledger.WriteReport(os.Stdout, "Export summary for "+res.Name, res.Apps)
				printList(os.Stdout, "Pruned by retention", res.Pruned)
				return res.Name, res.Ledger, res.Apps, err
			})
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [backup]",
	Short: "Restore every application from a full backup",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, journal.ActionRestore, func(ctx context.Context, env *environment) error {
			entry, err := env.chooseEntry("Full backups", env.store.Full(), firstArg(args))
			if err != nil {
				return err
			}
			return env.record(journal.ActionRestore, entry.Name, func() (string, *ledger.Ledger, []string, error) {
				if err := env.connect(ctx); err != nil {
					return entry.Name, nil, nil, apperrors.Fatal("connect", err)
				}
				return reportResult(entry.Name)(env.restorer().RestoreAll(ctx, entry.Name))
			})
		})
	},
}

var restoreSingleCmd = &cobra.Command{
	Use:   "restore-single [backup] [app...]",
	Short: "Restore selected applications from a full backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, journal.ActionSingle, func(ctx context.Context, env *environment) error {
			entry, err := env.chooseEntry("Full backups", env.store.Full(), firstArg(args))
			if err != nil {
				return err
			}
			only, err := env.chooseApps(entry.Path, restArgs(args))
			if err != nil {
				return err
			}
			return env.record(journal.ActionSingle, entry.Name, func() (string, *ledger.Ledger, []string, error) {
				if err := env.connect(ctx); err != nil {
					return entry.Name, nil, nil, apperrors.Fatal("connect", err)
				}
				return reportResult(entry.Name)(env.restorer().RestoreSingle(ctx, entry.Name, only))
			})
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import [backup] [app...]",
	Short: "Recreate applications from the chart information in a backup or export",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, journal.ActionImport, func(ctx context.Context, env *environment) error {
			entries, err := env.store.List()
			if err != nil {
				return err
			}
			entry, err := env.chooseEntry("Backups and exports", entries, firstArg(args))
			if err != nil {
				return err
			}
			return env.record(journal.ActionImport, entry.Name, func() (string, *ledger.Ledger, []string, error) {
				if err := env.connect(ctx); err != nil {
					return entry.Name, nil, nil, apperrors.Fatal("connect", err)
				}
				return reportResult(entry.Name)(env.restorer().Import(ctx, entry.Name, restArgs(args)))
			})
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [backup|index]",
	Short: "Delete a backup or export",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, journal.ActionDelete, func(ctx context.Context, env *environment) error {
			entries, err := env.store.List()
			if err != nil {
				return err
			}
			entry, err := env.chooseEntry("Backups and exports", entries, firstArg(args))
			if err != nil {
				return err
			}
			return env.record(journal.ActionDelete, entry.Name, func() (string, *ledger.Ledger, []string, error) {
				ok, err := env.prompter.Confirm(fmt.Sprintf("Delete %s %s?", entry.Kind, entry.Name))
				if err != nil {
					return entry.Name, nil, nil, err
				}
				if !ok {
					return entry.Name, nil, nil, apperrors.Fatal("confirm", apperrors.ErrAborted)
				}
				if err := env.store.Delete(ctx, entry.Name); err != nil {
					return entry.Name, nil, nil, apperrors.Fatal("delete", err)
				}
				fmt.Fprintf(os.Stdout, "Deleted %s\n", entry.Name)
				return entry.Name, nil, nil, nil
			})
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups and exports with the outcome of their last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnvironment(cmd, "list", func(ctx context.Context, env *environment) error {
			entries, err := env.store.List()
			if err != nil {
				return err
			}
			var outcomes map[string]journal.Run
			if env.journal != nil {
				if outcomes, err = env.journal.LastOutcomes(); err != nil {
					env.logger.Warn().Err(err).Msg("Failed to read run journal")
				}
			}
			return writeEntries(cmd.OutOrStdout(), entries, outcomes)
		})
	},
}

// reportResult adapts a restore report to the shape record expects.
func reportResult(name string) func(*restore.Report, error) (string, *ledger.Ledger, []string, error) {
	return func(rep *restore.Report, err error) (string, *ledger.Ledger, []string, error) {
		if rep == nil {
			return name, nil, nil, err
		}
		return name, rep.Ledger, rep.Apps, err
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(w, "  %s\n", item)
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func restArgs(args []string) []string {
	if len(args) < 2 {
		return nil
	}
	return args[1:]
}
