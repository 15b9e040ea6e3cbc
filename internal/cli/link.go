package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	supersede := &cobra.Command{
		Use:   "supersede <old-id> <new-id>",
		Short: "Deactivate a knowledge item in favour of its replacement",
		Args:  cobra.ExactArgs(2),
		Run:   runSupersede,
	}

	contradict := &cobra.Command{
		Use:   "contradict <id> <id>",
		Short: "Record that two knowledge items contradict each other",
		Args:  cobra.ExactArgs(2),
		Run:   runContradict,
	}

	RootCmd.AddCommand(supersede, contradict)
}

func runSupersede(cmd *cobra.Command, args []string) {
	e := setup(cmd)
	defer e.Close()

	k, err := e.engine("").Supersede(cmd.Context(), args[0], args[1])
	if err != nil {
		exitErr("supersede", err)
	}
	printJSON(k)
}

func runContradict(cmd *cobra.Command, args []string) {
	e := setup(cmd)
	defer e.Close()

	if err := e.engine("").MarkContradiction(cmd.Context(), args[0], args[1]); err != nil {
		exitErr("contradict", err)
	}
	fmt.Printf(`{"ok":true,"a":%q,"b":%q}`+"\n", args[0], args[1])
}
