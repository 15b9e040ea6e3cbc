package consolidation

import (
	"strings"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

// Grouper partitions promotable entries into the source sets of new
// episodes. Every returned group must be non-empty.
type Grouper func(entries []model.WorkingEntry) [][]model.WorkingEntry

// EpisodeBuilder turns one group of working entries into episode params.
// The engine sets SourceWorkingIDs itself.
type EpisodeBuilder func(group []model.WorkingEntry) store.EpisodeParams

// GroupSingle promotes every entry into its own episode.
func GroupSingle(entries []model.WorkingEntry) [][]model.WorkingEntry {
	groups := make([][]model.WorkingEntry, 0, len(entries))
	for _, e := range entries {
		groups = append(groups, []model.WorkingEntry{e})
	}
	return groups
}

// GroupByTopic clusters entries of the same session and topic, in order of
// first appearance. Entries without a topic are promoted alone.
func GroupByTopic(entries []model.WorkingEntry) [][]model.WorkingEntry {
	var groups [][]model.WorkingEntry
	index := make(map[string]int)
	for _, e := range entries {
		topic := strings.ToLower(strings.TrimSpace(e.Topic))
		if topic == "" {
			groups = append(groups, []model.WorkingEntry{e})
			continue
		}
		k := e.SessionID + "\x00" + topic
		if i, ok := index[k]; ok {
			groups[i] = append(groups[i], e)
			continue
		}
		index[k] = len(groups)
		groups = append(groups, []model.WorkingEntry{e})
	}
	return groups
}

// Groupers maps configuration names to groupers.
var Groupers = map[string]Grouper{
	"single": GroupSingle,
	"topic":  GroupByTopic,
}

const summaryLen = 280

// DefaultEpisode builds an episode from a group without summarizing:
// the first entry becomes the summary and all contents are kept verbatim.
func DefaultEpisode(group []model.WorkingEntry) store.EpisodeParams {
	first := group[0]
	p := store.EpisodeParams{
		Title:      first.Topic,
		Summary:    truncate(first.Content, summaryLen),
		Topic:      first.Topic,
		HappenedAt: first.CreatedAt,
	}

	var contents, speakers, emotions []string
	var tags []string
	last := first.CreatedAt
	for _, e := range group {
		contents = append(contents, strings.TrimSpace(e.Content))
		if e.Speaker != "" {
			speakers = append(speakers, e.Speaker)
		}
		if e.Emotion != "" {
			emotions = append(emotions, e.Emotion)
			if p.Emotion == "" {
				p.Emotion = e.Emotion
			}
		}
		tags = append(tags, e.Tags...)
		if e.Importance > p.Importance {
			p.Importance = e.Importance
		}
		if e.CreatedAt.Before(p.HappenedAt) {
			p.HappenedAt = e.CreatedAt
		}
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}
	if p.Title == "" {
		p.Title = truncate(firstLine(first.Content), 80)
	}
	if len(group) > 1 || len(first.Content) > summaryLen {
		p.FullContent = strings.Join(contents, "\n\n")
	}
	p.Duration = last.Sub(p.HappenedAt)
	p.Participants = speakers
	p.EmotionalTags = emotions
	p.MemoryStrength = p.Importance

	cues := map[string]any{"session_id": first.SessionID}
	if tags = model.NormalizeSet(tags); len(tags) > 0 {
		cues["tags"] = tags
	}
	p.RetrievalCues = cues
	return p
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
