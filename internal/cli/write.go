package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "write [content]",
		Short: "Write a working memory entry",
		Long:  "Write a working memory entry. Content can be a positional arg or piped via stdin.",
		Run:   runWrite,
	}

	cmd.Flags().StringP("session", "s", "", "Session ID (required)")
	cmd.Flags().String("kind", "other", "Kind: conversation, thought, observation, task, emotion, other")
	cmd.Flags().IntP("importance", "i", 5, "Importance 1-10")
	cmd.Flags().String("emotion", "", "Emotion")
	cmd.Flags().String("topic", "", "Topic")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("speaker", "", "Speaker")
	cmd.Flags().String("related", "", "Comma-separated related entry IDs")
	cmd.Flags().Duration("ttl", 0, "Time to live (default: working.default_ttl)")
	cmd.Flags().String("context", "", "JSON object of context")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runWrite(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	kind, _ := cmd.Flags().GetString("kind")
	importance, _ := cmd.Flags().GetInt("importance")
	emotion, _ := cmd.Flags().GetString("emotion")
	topic, _ := cmd.Flags().GetString("topic")
	tags, _ := cmd.Flags().GetString("tags")
	speaker, _ := cmd.Flags().GetString("speaker")
	related, _ := cmd.Flags().GetString("related")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	ctxJSON, _ := cmd.Flags().GetString("context")

	content := readContent(args)
	if strings.TrimSpace(content) == "" {
		exitErr("write", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	e := setup(cmd)
	defer e.Close()

	if ttl == 0 {
		ttl = e.cfg.Working.DefaultTTL
	}

	w, err := e.store.Write(cmd.Context(), store.WriteParams{
		SessionID:  session,
		Kind:       model.Kind(kind),
		Content:    content,
		Context:    parseMap("context", ctxJSON),
		Importance: importance,
		Emotion:    emotion,
		Topic:      topic,
		Tags:       splitList(tags),
		Speaker:    speaker,
		RelatedIDs: splitList(related),
		TTL:        ttl,
	})
	if err != nil {
		exitErr("write", err)
	}
	printJSON(w)
}
