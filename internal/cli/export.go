package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all three tiers as JSON",
		Long:  "Export every working entry, episode and knowledge item, archived and inactive ones included.",
		Run:   runExport,
	}

	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")

	e := setup(cmd)
	defer e.Close()

	snap, err := e.store.ExportAll(cmd.Context())
	if err != nil {
		exitErr("export", err)
	}

	if output == "" {
		printJSON(snap)
		return
	}
	b, _ := json.MarshalIndent(snap, "", "  ")
	if err := os.WriteFile(output, b, 0o600); err != nil {
		exitErr("write export", err)
	}
}
