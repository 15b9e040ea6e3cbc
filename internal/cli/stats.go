package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-tier record counts",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	e := setup(cmd)
	defer e.Close()

	stats, err := e.store.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	printJSON(stats)
}
