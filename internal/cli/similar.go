package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memtier/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "similar [text]",
		Short: "Recall records similar to a text via the similarity service",
		Long:  "Ask the configured similarity service for the nearest records and load them. Text can be a positional arg or piped via stdin.",
		Run:   runSimilar,
	}

	cmd.Flags().String("tier", "", "Tier: working, episodic, semantic (default: all)")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSimilar(cmd *cobra.Command, args []string) {
	tier, _ := cmd.Flags().GetString("tier")
	limit, _ := cmd.Flags().GetInt("limit")

	text := readContent(args)
	if strings.TrimSpace(text) == "" {
		exitErr("similar", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	e := setup(cmd)
	defer e.Close()

	matches, err := e.recaller().RecallSimilar(cmd.Context(), text, model.Tier(tier), limit)
	if err != nil {
		exitErr("similar", err)
	}
	printJSON(matches)
}
