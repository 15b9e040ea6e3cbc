package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memtier/internal/model"
)

// ExportAll returns every record of every tier, archived and inactive included.
func (s *SQLiteStore) ExportAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{ExportedAt: time.Now().UTC()}

	var err error
	snap.Working, err = queryWorking(ctx, s.db,
		`SELECT `+workingColumns+` FROM working_entries ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("export working: %w", err)
	}
	snap.Episodes, err = queryEpisodes(ctx, s.db,
		`SELECT `+episodeColumns+` FROM episodic_memories ORDER BY happened_at, id`)
	if err != nil {
		return nil, fmt.Errorf("export episodes: %w", err)
	}
	snap.Knowledge, err = queryKnowledge(ctx, s.db,
		`SELECT `+knowledgeColumns+` FROM semantic_memories ORDER BY first_learned_at, id`)
	if err != nil {
		return nil, fmt.Errorf("export knowledge: %w", err)
	}
	return snap, nil
}

// Payloads returns the indexable text of records in one tier, oldest change
// first, for an external similarity indexer. Expired working entries,
// archived episodes and inactive knowledge are left out.
func (s *SQLiteStore) Payloads(ctx context.Context, q PayloadQuery) ([]Payload, error) {
	since := formatTime(q.Since)
	limit := limitOrDefault(q.Limit)

	switch q.Tier {
	case model.TierWorking:
		entries, err := queryWorking(ctx, s.db,
			`SELECT `+workingColumns+` FROM working_entries
			 WHERE created_at >= ? AND expires_at > ?
			 ORDER BY created_at, id LIMIT ?`, since, formatTime(time.Now()), limit)
		if err != nil {
			return nil, err
		}
		out := make([]Payload, 0, len(entries))
		for _, w := range entries {
			out = append(out, WorkingPayload(w))
		}
		return out, nil

	case model.TierEpisodic:
		episodes, err := queryEpisodes(ctx, s.db,
			`SELECT `+episodeColumns+` FROM episodic_memories
			 WHERE created_at >= ? AND archived = 0
			 ORDER BY created_at, id LIMIT ?`, since, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Payload, 0, len(episodes))
		for _, e := range episodes {
			out = append(out, EpisodePayload(e))
		}
		return out, nil

	case model.TierSemantic:
		items, err := queryKnowledge(ctx, s.db,
			`SELECT `+knowledgeColumns+` FROM semantic_memories
			 WHERE last_updated_at >= ? AND is_active = 1
			 ORDER BY last_updated_at, id LIMIT ?`, since, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Payload, 0, len(items))
		for _, k := range items {
			out = append(out, KnowledgePayload(k))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown tier %q", ErrValidation, q.Tier)
}

// WorkingPayload renders the indexable text of a working entry.
func WorkingPayload(w model.WorkingEntry) Payload {
	return Payload{Tier: model.TierWorking, ID: w.ID, Text: joinText(w.Topic, w.Content), UpdatedAt: w.CreatedAt}
}

// EpisodePayload renders the indexable text of an episode.
func EpisodePayload(e model.Episode) Payload {
	return Payload{Tier: model.TierEpisodic, ID: e.ID, Text: joinText(e.Title, e.Summary, e.FullContent), UpdatedAt: e.CreatedAt}
}

// KnowledgePayload renders the indexable text of a knowledge item.
func KnowledgePayload(k model.Knowledge) Payload {
	return Payload{
		Tier:      model.TierSemantic,
		ID:        k.ID,
		Text:      joinText(k.Key, k.Description, string(k.Value)),
		UpdatedAt: k.LastUpdatedAt,
	}
}

func joinText(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
