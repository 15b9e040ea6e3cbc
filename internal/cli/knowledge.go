package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memtier/internal/model"
)

func init() {
	knowledgeCmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Query semantic knowledge",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a knowledge item, active or not",
		Args:  cobra.ExactArgs(1),
		Run:   runKnowledgeGet,
	}
	get.Flags().Bool("touch", false, "Record an access")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active knowledge, most confident first",
		Run:   runKnowledgeList,
	}
	list.Flags().String("type", "", "Knowledge type (default: all)")
	list.Flags().Float64("min-confidence", 0, "Minimum confidence")
	list.Flags().IntP("limit", "l", 20, "Max results")

	contradictions := &cobra.Command{
		Use:   "contradictions",
		Short: "List active knowledge with contradictions, most contradicted first",
		Run:   runKnowledgeContradictions,
	}
	contradictions.Flags().String("type", "", "Knowledge type (default: all)")
	contradictions.Flags().IntP("limit", "l", 20, "Max results")

	knowledgeCmd.AddCommand(get, list, contradictions)
	RootCmd.AddCommand(knowledgeCmd)
}

func runKnowledgeGet(cmd *cobra.Command, args []string) {
	touch, _ := cmd.Flags().GetBool("touch")

	e := setup(cmd)
	defer e.Close()

	ctx := cmd.Context()
	if touch {
		if err := e.store.RecordAccess(ctx, args[0], time.Now().UTC()); err != nil {
			exitErr("record access", err)
		}
	}
	k, err := e.store.GetKnowledge(ctx, args[0])
	if err != nil {
		exitErr("get knowledge", err)
	}
	printJSON(k)
}

func runKnowledgeList(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	minConf, _ := cmd.Flags().GetFloat64("min-confidence")
	limit, _ := cmd.Flags().GetInt("limit")

	e := setup(cmd)
	defer e.Close()

	items, err := e.recaller().GetKnowledgeByType(cmd.Context(), model.KnowledgeType(typ), minConf, limit)
	if err != nil {
		exitErr("list knowledge", err)
	}
	printJSON(items)
}

func runKnowledgeContradictions(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")

	e := setup(cmd)
	defer e.Close()

	items, err := e.recaller().FindContradictions(cmd.Context(), model.KnowledgeType(typ), limit)
	if err != nil {
		exitErr("find contradictions", err)
	}
	printJSON(items)
}
