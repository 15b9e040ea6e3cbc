package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/similarity"
	"github.com/rcliao/memtier/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "payloads",
		Short: "List indexable record text for the similarity service",
		Long: "List the text payload of recallable records of one tier, oldest change first. " +
			"With --index, split them into segments and push them to the similarity service.",
		Run: runPayloads,
	}

	cmd.Flags().String("tier", "", "Tier: working, episodic, semantic (required)")
	cmd.Flags().String("since", "", "RFC 3339 time; only records changed at or after it")
	cmd.Flags().IntP("limit", "l", 500, "Max records")
	cmd.Flags().Bool("index", false, "Push segments to similarity.url")
	cmd.Flags().Int("segment-len", similarity.DefaultMaxLen, "Max segment length in bytes")

	cmd.MarkFlagRequired("tier")

	RootCmd.AddCommand(cmd)
}

func runPayloads(cmd *cobra.Command, args []string) {
	tier, _ := cmd.Flags().GetString("tier")
	since, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")
	index, _ := cmd.Flags().GetBool("index")
	segLen, _ := cmd.Flags().GetInt("segment-len")

	e := setup(cmd)
	defer e.Close()

	payloads, err := e.store.Payloads(cmd.Context(), store.PayloadQuery{
		Tier:  model.Tier(tier),
		Since: parseTime("since", since),
		Limit: limit,
	})
	if err != nil {
		exitErr("payloads", err)
	}

	if !index {
		printJSON(payloads)
		return
	}

	l := e.lookup()
	if l == nil {
		exitErr("index", similarity.ErrNotConfigured)
	}
	segments := similarity.Segments(payloads, segLen)
	if err := l.Index(cmd.Context(), segments); err != nil {
		exitErr("index", err)
	}
	fmt.Printf(`{"ok":true,"records":%d,"segments":%d}`+"\n", len(payloads), len(segments))
}
