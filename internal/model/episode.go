package model

import "time"

// Episode is a tier 2 record: a significant event kept medium-term.
// Archived episodes are hidden from default recall but never deleted.
type Episode struct {
	ID               string         `json:"id"`
	Title            string         `json:"title,omitempty"`
	Summary          string         `json:"summary"`
	FullContent      string         `json:"full_content,omitempty"`
	Participants     []string       `json:"participants"`
	Topic            string         `json:"topic,omitempty"`
	Location         string         `json:"location,omitempty"`
	Emotion          string         `json:"emotion,omitempty"`
	HappenedAt       time.Time      `json:"happened_at"`
	Duration         time.Duration  `json:"duration,omitempty"`
	Importance       int            `json:"importance"`
	MemoryStrength   int            `json:"memory_strength"`
	RelatedEpisodes  []string       `json:"related_episodes,omitempty"`
	RelatedKnowledge []string       `json:"related_knowledge,omitempty"`
	SourceWorkingIDs []string       `json:"source_working_ids,omitempty"`
	EmotionalTags    []string       `json:"emotional_tags,omitempty"`
	RetrievalCues    map[string]any `json:"retrieval_cues,omitempty"`
	RecallCount      int            `json:"recall_count"`
	LastRecalledAt   *time.Time     `json:"last_recalled_at,omitempty"`
	Archived         bool           `json:"archived"`
	ArchivedAt       *time.Time     `json:"archived_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
