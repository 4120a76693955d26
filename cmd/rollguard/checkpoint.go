package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollguard/rollguard/internal/checkpoint"
	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/internal/state"
)

var (
	cpConfigFile  string
	cpWorkspace   string
	cpDescription string
	cpDryRun      bool
	cpResolution  string
	cpFiles       []string
	cpLimit       int
	cpMaxAgeHours int
	cpMaxCount    int
	cpKeepLatest  int
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage workspace checkpoints",
}

func init() {
	checkpointCmd.PersistentFlags().StringVarP(&cpConfigFile, "config", "c", "", "Config file path (JSON)")
	checkpointCmd.PersistentFlags().StringVarP(&cpWorkspace, "workspace", "w", "", "Workspace directory (overrides config)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Capture a checkpoint of the workspace",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withStore(func(store *checkpoint.Store) error {
				cp, err := store.Create(context.Background(), cpDescription, nil)
				if err != nil {
					return err
				}
				return printJSON(cp)
			})
		},
	}
	createCmd.Flags().StringVarP(&cpDescription, "description", "d", "", "Checkpoint description")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withStore(func(store *checkpoint.Store) error {
				checkpoints, err := store.List(cpLimit)
				if err != nil {
					return err
				}
				return printJSON(checkpoints)
			})
		},
	}
	listCmd.Flags().IntVarP(&cpLimit, "limit", "n", 0, "Maximum checkpoints to list (0 = all)")

	restoreCmd := &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore workspace files from a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(func(store *checkpoint.Store) error {
				result, err := store.Restore(context.Background(), args[0], interfaces.RestoreOptions{
					Files:      cpFiles,
					DryRun:     cpDryRun,
					Resolution: interfaces.ConflictResolution(cpResolution),
				})
				if result != nil {
					if printErr := printJSON(result); printErr != nil {
						return printErr
					}
				}
				return err
			})
		},
	}
	restoreCmd.Flags().BoolVar(&cpDryRun, "dry-run", false, "Report changes without writing")
	restoreCmd.Flags().StringVar(&cpResolution, "resolution", "", "Conflict resolution (prefer-checkpoint, prefer-current, manual)")
	restoreCmd.Flags().StringSliceVar(&cpFiles, "file", nil, "Restrict restore to specific files (repeatable)")

	compareCmd := &cobra.Command{
		Use:   "compare <checkpoint-id> [other-checkpoint-id]",
		Short: "Diff a checkpoint against the workspace, or against another checkpoint",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(func(store *checkpoint.Store) error {
				var result *interfaces.CompareResult
				var err error
				if len(args) == 2 {
					result, err = store.CompareCheckpoints(context.Background(), args[0], args[1])
				} else {
					result, err = store.Compare(context.Background(), args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <checkpoint-id>",
		Short: "Verify a checkpoint's integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(func(store *checkpoint.Store) error {
				report, err := store.Validate(args[0])
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("checkpoint %s failed validation", args[0])
				}
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <checkpoint-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(func(store *checkpoint.Store) error {
				return store.Delete(args[0])
			})
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Apply a retention policy to checkpoints",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withStore(func(store *checkpoint.Store) error {
				result, err := store.Cleanup(context.Background(), interfaces.CleanupPolicy{
					MaxAge:     time.Duration(cpMaxAgeHours) * time.Hour,
					MaxCount:   cpMaxCount,
					KeepLatest: cpKeepLatest,
				})
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cleanupCmd.Flags().IntVar(&cpMaxAgeHours, "max-age-hours", 0, "Remove checkpoints older than this (0 = no age limit)")
	cleanupCmd.Flags().IntVar(&cpMaxCount, "max-count", 0, "Keep at most this many checkpoints (0 = no count limit)")
	cleanupCmd.Flags().IntVar(&cpKeepLatest, "keep-latest", 3, "Always keep this many newest checkpoints")

	checkpointCmd.AddCommand(createCmd, listCmd, restoreCmd, compareCmd, validateCmd, deleteCmd, cleanupCmd)
}

// withStore builds a checkpoint store from config and runs fn against it
func withStore(fn func(*checkpoint.Store) error) error {
	cfg, err := loadConfig(cpConfigFile)
	if err != nil {
		return err
	}
	if cpWorkspace != "" {
		cfg.WorkspaceDir = cpWorkspace
	}

	manifests, err := state.NewFileStore[interfaces.Checkpoint](cfg.StorePath("checkpoints"))
	if err != nil {
		return fmt.Errorf("failed to open checkpoint manifest store: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.WorkspaceDir, manifests,
		checkpoint.WithPoolSize(cfg.CheckpointWorkers))
	if err != nil {
		return err
	}
	defer store.Stop()

	return fn(store)
}

// printJSON writes a value as indented JSON to stdout
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
