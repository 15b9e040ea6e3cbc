package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memtier/internal/recall"
	"github.com/rcliao/memtier/internal/store"
)

func init() {
	episodeCmd := &cobra.Command{
		Use:   "episode",
		Short: "Record, query and archive episodes",
	}

	record := &cobra.Command{
		Use:   "record [full content]",
		Short: "Record an episode directly, bypassing the working tier",
		Run:   runEpisodeRecord,
	}
	record.Flags().String("title", "", "Title")
	record.Flags().String("summary", "", "Summary (required)")
	record.Flags().String("participants", "", "Comma-separated participants (default: user,assistant)")
	record.Flags().String("topic", "", "Topic")
	record.Flags().String("location", "", "Location")
	record.Flags().String("emotion", "", "Primary emotion")
	record.Flags().String("emotional-tags", "", "Comma-separated emotional tags")
	record.Flags().String("happened-at", "", "RFC 3339 time (default: now)")
	record.Flags().Duration("duration", 0, "Duration")
	record.Flags().IntP("importance", "i", 5, "Importance 1-10")
	record.Flags().Int("strength", 5, "Memory strength 1-10")
	record.Flags().String("related-episodes", "", "Comma-separated episode IDs")
	record.Flags().String("related-knowledge", "", "Comma-separated knowledge IDs")
	record.Flags().String("cues", "", "JSON object of retrieval cues")
	record.MarkFlagRequired("summary")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get an episode",
		Args:  cobra.ExactArgs(1),
		Run:   runEpisodeGet,
	}
	get.Flags().Bool("archived", false, "Allow archived episodes")

	query := &cobra.Command{
		Use:   "query",
		Short: "Recall episodes by time range, topic or emotion",
		Run:   runEpisodeQuery,
	}
	query.Flags().String("from", "", "RFC 3339 lower bound on happened_at")
	query.Flags().String("to", "", "RFC 3339 upper bound on happened_at")
	query.Flags().String("topic", "", "Topic")
	query.Flags().String("emotion", "", "Emotion, matched against emotion and emotional tags")
	query.Flags().Bool("archived", false, "Include archived episodes")
	query.Flags().IntP("limit", "l", 20, "Max results")

	recallCmd := &cobra.Command{
		Use:   "recall <id>",
		Short: "Record that an episode was recalled",
		Args:  cobra.ExactArgs(1),
		Run:   runEpisodeRecall,
	}

	archive := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive an episode regardless of age or importance",
		Args:  cobra.ExactArgs(1),
		Run:   runEpisodeArchive,
	}

	unarchive := &cobra.Command{
		Use:   "unarchive <id>",
		Short: "Return an archived episode to default recall",
		Args:  cobra.ExactArgs(1),
		Run:   runEpisodeUnarchive,
	}

	episodeCmd.AddCommand(record, get, query, recallCmd, archive, unarchive)
	RootCmd.AddCommand(episodeCmd)
}

func parseTime(flag, s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		exitErr("parse --"+flag, fmt.Errorf("%w: %v", store.ErrValidation, err))
	}
	return t
}

func runEpisodeRecord(cmd *cobra.Command, args []string) {
	f := cmd.Flags()
	title, _ := f.GetString("title")
	summary, _ := f.GetString("summary")
	participants, _ := f.GetString("participants")
	topic, _ := f.GetString("topic")
	location, _ := f.GetString("location")
	emotion, _ := f.GetString("emotion")
	emotionalTags, _ := f.GetString("emotional-tags")
	happenedAt, _ := f.GetString("happened-at")
	duration, _ := f.GetDuration("duration")
	importance, _ := f.GetInt("importance")
	strength, _ := f.GetInt("strength")
	relatedEpisodes, _ := f.GetString("related-episodes")
	relatedKnowledge, _ := f.GetString("related-knowledge")
	cues, _ := f.GetString("cues")

	e := setup(cmd)
	defer e.Close()

	ep, err := e.store.RecordEpisode(cmd.Context(), store.EpisodeParams{
		Title:            title,
		Summary:          summary,
		FullContent:      readContent(args),
		Participants:     splitList(participants),
		Topic:            topic,
		Location:         location,
		Emotion:          emotion,
		HappenedAt:       parseTime("happened-at", happenedAt),
		Duration:         duration,
		Importance:       importance,
		MemoryStrength:   strength,
		RelatedEpisodes:  splitList(relatedEpisodes),
		RelatedKnowledge: splitList(relatedKnowledge),
		EmotionalTags:    splitList(emotionalTags),
		RetrievalCues:    parseMap("cues", cues),
	}, time.Now().UTC())
	if err != nil {
		exitErr("record episode", err)
	}
	printJSON(ep)
}

func runEpisodeGet(cmd *cobra.Command, args []string) {
	archived, _ := cmd.Flags().GetBool("archived")

	e := setup(cmd)
	defer e.Close()

	ep, err := e.recaller().GetEpisode(cmd.Context(), args[0], archived)
	if err != nil {
		exitErr("get episode", err)
	}
	printJSON(ep)
}

func runEpisodeQuery(cmd *cobra.Command, args []string) {
	f := cmd.Flags()
	from, _ := f.GetString("from")
	to, _ := f.GetString("to")
	topic, _ := f.GetString("topic")
	emotion, _ := f.GetString("emotion")
	archived, _ := f.GetBool("archived")
	limit, _ := f.GetInt("limit")

	e := setup(cmd)
	defer e.Close()

	opts := recall.Options{Limit: limit, IncludeArchived: archived}
	svc := e.recaller()
	ctx := cmd.Context()

	var (
		eps interface{}
		err error
	)
	switch {
	case topic != "" && emotion == "" && from == "" && to == "":
		eps, err = svc.RecallByTopic(ctx, topic, opts)
	case emotion != "" && topic == "" && from == "" && to == "":
		eps, err = svc.RecallByEmotion(ctx, emotion, opts)
	case topic == "" && emotion == "":
		eps, err = svc.RecallByTimeRange(ctx, parseTime("from", from), parseTime("to", to), opts)
	default:
		// Combined filters go straight to the store query.
		eps, err = e.store.QueryEpisodes(ctx, store.EpisodeQuery{
			From:            parseTime("from", from),
			To:              parseTime("to", to),
			Topic:           topic,
			Emotion:         emotion,
			IncludeArchived: archived,
			Limit:           limit,
		})
	}
	if err != nil {
		exitErr("query episodes", err)
	}
	printJSON(eps)
}

func runEpisodeRecall(cmd *cobra.Command, args []string) {
	e := setup(cmd)
	defer e.Close()

	ep, err := e.recaller().RecordRecall(cmd.Context(), args[0])
	if err != nil {
		exitErr("record recall", err)
	}
	printJSON(ep)
}

func runEpisodeArchive(cmd *cobra.Command, args []string) {
	e := setup(cmd)
	defer e.Close()

	ep, err := e.store.ArchiveEpisode(cmd.Context(), args[0], time.Now().UTC())
	if err != nil {
		exitErr("archive episode", err)
	}
	printJSON(ep)
}

func runEpisodeUnarchive(cmd *cobra.Command, args []string) {
	e := setup(cmd)
	defer e.Close()

	ep, err := e.store.UnarchiveEpisode(cmd.Context(), args[0])
	if err != nil {
		exitErr("unarchive episode", err)
	}
	printJSON(ep)
}
