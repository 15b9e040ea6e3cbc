package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Add an episode as evidence for a piece of knowledge",
		Long: "Add an episode as evidence for the active knowledge item with the given type and key, " +
			"creating it at confidence 0.6 or raising its confidence.",
		Run: runConsolidate,
	}

	cmd.Flags().StringP("episode", "e", "", "Evidence episode ID (required)")
	cmd.Flags().String("type", "", "Knowledge type: fact, concept, pattern, preference, skill, relationship, insight, rule (required)")
	cmd.Flags().StringP("key", "k", "", "Knowledge key (required)")
	cmd.Flags().String("value", "", "JSON value (required)")
	cmd.Flags().String("description", "", "Description")
	cmd.Flags().String("examples", "", "Comma-separated examples")
	cmd.Flags().IntP("importance", "i", 5, "Importance 1-10, used when the item is created")

	cmd.MarkFlagRequired("episode")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("value")

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	f := cmd.Flags()
	episode, _ := f.GetString("episode")
	typ, _ := f.GetString("type")
	key, _ := f.GetString("key")
	value, _ := f.GetString("value")
	description, _ := f.GetString("description")
	examples, _ := f.GetString("examples")
	importance, _ := f.GetInt("importance")

	e := setup(cmd)
	defer e.Close()

	k, created, err := e.engine("").ConsolidateParams(cmd.Context(), store.KnowledgeParams{
		EpisodeID:   episode,
		Type:        model.KnowledgeType(typ),
		Key:         key,
		Value:       json.RawMessage(value),
		Description: description,
		Examples:    splitList(examples),
		Importance:  importance,
	})
	if err != nil {
		exitErr("consolidate", err)
	}
	printJSON(struct {
		Created   bool             `json:"created"`
		Knowledge *model.Knowledge `json:"knowledge"`
	}{created, k})
}
