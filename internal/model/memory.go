// Package model defines the record types of the three memory tiers.
package model

import (
	"strings"
	"time"
)

// Tier names one of the three retention classes.
type Tier string

const (
	TierWorking  Tier = "working"
	TierEpisodic Tier = "episodic"
	TierSemantic Tier = "semantic"
)

// ValidTiers are the allowed tier names.
var ValidTiers = map[Tier]bool{
	TierWorking:  true,
	TierEpisodic: true,
	TierSemantic: true,
}

const (
	MinImportance = 1
	MaxImportance = 10

	// DefaultWorkingTTL is how long a working entry lives unless the writer overrides it.
	DefaultWorkingTTL = 24 * time.Hour

	// PromotionThreshold is the minimum importance for working -> episodic promotion.
	PromotionThreshold = 7

	// ArchiveExemptImportance and above are never archived by the sweep.
	ArchiveExemptImportance = 8

	// DefaultArchiveAfterDays is the archival sweep's default age cutoff.
	DefaultArchiveAfterDays = 90
)

// EpisodeEpoch is the earliest allowed happened_at for an episode.
var EpisodeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultParticipants is used when an episode is recorded without participants.
var DefaultParticipants = []string{"user", "assistant"}

// Kind classifies a working memory entry.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindThought      Kind = "thought"
	KindObservation  Kind = "observation"
	KindTask         Kind = "task"
	KindEmotion      Kind = "emotion"
	KindOther        Kind = "other"
)

// ValidKinds are the allowed working entry kinds.
var ValidKinds = map[Kind]bool{
	KindConversation: true,
	KindThought:      true,
	KindObservation:  true,
	KindTask:         true,
	KindEmotion:      true,
	KindOther:        true,
}

// WorkingEntry is a tier 1 record: short-lived session context.
type WorkingEntry struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Kind       Kind           `json:"kind"`
	Content    string         `json:"content"`
	Context    map[string]any `json:"context,omitempty"`
	Importance int            `json:"importance"`
	Emotion    string         `json:"emotion,omitempty"`
	Topic      string         `json:"topic,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Speaker    string         `json:"speaker,omitempty"`
	RelatedIDs []string       `json:"related_ids,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (w *WorkingEntry) Expired(now time.Time) bool {
	return !w.ExpiresAt.After(now)
}

// ValidImportance reports whether v is within the 1-10 scale.
func ValidImportance(v int) bool {
	return v >= MinImportance && v <= MaxImportance
}

// NormalizeSet trims, drops empty strings and removes duplicates while
// keeping first-seen order.
func NormalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
