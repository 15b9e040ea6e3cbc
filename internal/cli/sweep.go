package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memtier/internal/sweep"
)

func init() {
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a maintenance sweep once",
	}

	expiry := &cobra.Command{
		Use:   "expiry",
		Short: "Delete expired working entries",
		Run:   runSweepExpiry,
	}

	archive := &cobra.Command{
		Use:   "archive",
		Short: "Archive old, low-importance episodes",
		Run:   runSweepArchive,
	}
	archive.Flags().Int("days", 0, "Archive episodes older than this many days (default: sweep.archive_after_days)")

	sweepCmd.AddCommand(expiry, archive)
	RootCmd.AddCommand(sweepCmd)
}

func runSweepExpiry(cmd *cobra.Command, args []string) {
	e := setup(cmd)
	defer e.Close()

	n, err := sweep.NewExpiryManager(e.store, e.sweepOptions()).Sweep(cmd.Context(), time.Now().UTC())
	if err != nil {
		exitErr(fmt.Sprintf("expiry sweep (deleted %d before failing)", n), err)
	}
	fmt.Printf(`{"ok":true,"deleted":%d}`+"\n", n)
}

func runSweepArchive(cmd *cobra.Command, args []string) {
	days, _ := cmd.Flags().GetInt("days")

	e := setup(cmd)
	defer e.Close()

	if days == 0 {
		days = e.cfg.Sweep.ArchiveAfterDays
	}
	n, err := sweep.NewArchivalManager(e.store, e.sweepOptions()).ArchiveOlderThan(cmd.Context(), days, time.Now().UTC())
	if err != nil {
		exitErr(fmt.Sprintf("archival sweep (archived %d before failing)", n), err)
	}
	fmt.Printf(`{"ok":true,"archived":%d,"days":%d}`+"\n", n, days)
}
