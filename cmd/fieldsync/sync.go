package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one incremental sync cycle",
	Long: `Upload pending local changes, then download remote changes made since the
last successful sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCycle(cmd.Context(), false, false)
	},
}

var fullSyncCmd = &cobra.Command{
	Use:     "full-sync",
	GroupID: "sync",
	Short:   "Run a sync cycle that also removes records deleted on the server",
	Long: `Run an incremental cycle and then reconcile: local synced records the server
no longer has are removed. Records with unsynced local changes are kept.

With --reset every table is downloaded again from the beginning.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")
		return runCycle(cmd.Context(), true, reset)
	},
}

var resetFailedCmd = &cobra.Command{
	Use:     "reset-failed",
	GroupID: "sync",
	Short:   "Give failed records a fresh retry budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			n, err := s.engine.ResetFailedEntities(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s %d record(s) reset to pending\n", renderPass("✓"), n)
			if n == 0 {
				return nil
			}
			// Upload them now rather than waiting for the daemon.
			return printCycle(s.engine.Sync(cmd.Context()))
		})
	},
}

func runCycle(ctx context.Context, full, reset bool) error {
	return withSession(ctx, func(s *session) error {
		if reset {
			if err := s.store.ResetWatermarks(ctx); err != nil {
				return err
			}
		}
		label := "Syncing"
		if full {
			label = "Full sync"
		}
		fmt.Printf("%s %s as %s...\n", renderAccent("⇅"), label, s.user.UserID)
		if full {
			return printCycle(s.engine.FullSync(ctx))
		}
		return printCycle(s.engine.Sync(ctx))
	})
}

func printCycle(res fsync.Result, err error) error {
	fmt.Println(field("Uploaded", res.Uploaded))
	fmt.Println(field("Rejected", renderCount(res.Rejected, renderWarn)))
	fmt.Println(field("Downloaded", res.Downloaded))
	if res.Full {
		fmt.Println(field("Removed", res.Orphans))
	}
	fmt.Println(field("Duration", res.Duration.Round(time.Millisecond)))

	var cycleErr *fsync.CycleError
	if errors.As(err, &cycleErr) {
		for _, f := range cycleErr.Failures {
			fmt.Printf("%s %v\n", renderFail("✗"), f)
		}
		return fmt.Errorf("sync failed")
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s Sync complete\n", renderPass("✓"))
	return nil
}

func init() {
	fullSyncCmd.Flags().Bool("reset", false, "Download every table from the beginning")
	rootCmd.AddCommand(syncCmd, fullSyncCmd, resetFailedCmd)
}
