package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "promote [session-id]",
		Short: "Promote important working entries into episodes",
		Long:  "Promote working entries at or above the importance threshold into episodes. Without a session, all sessions are promoted.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runPromote,
	}

	cmd.Flags().String("grouping", "", "Grouping: single or topic (default: consolidation.grouping)")

	RootCmd.AddCommand(cmd)
}

func runPromote(cmd *cobra.Command, args []string) {
	grouping, _ := cmd.Flags().GetString("grouping")
	var session string
	if len(args) > 0 {
		session = args[0]
	}

	e := setup(cmd)
	defer e.Close()

	eps, err := e.engine(grouping).PromoteEligible(cmd.Context(), session)
	if err != nil {
		exitErr("promote", err)
	}
	printJSON(eps)
}
