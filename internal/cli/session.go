package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "Recall the live working entries of a session",
		Args:  cobra.ExactArgs(1),
		Run:   runSession,
	}

	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSession(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	e := setup(cmd)
	defer e.Close()

	entries, err := e.recaller().RecallBySession(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("session", err)
	}
	printJSON(entries)
}
