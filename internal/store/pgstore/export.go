package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

// Stats returns per-tier counts.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	st := &store.Stats{}
	now := time.Now()

	err := s.db.QueryRow(ctx, `
		SELECT
			pg_database_size(current_database()),
			(SELECT count(*) FROM working_entries),
			(SELECT count(*) FROM working_entries WHERE expires_at < $1),
			(SELECT count(*) FROM episodic_memories),
			(SELECT count(*) FROM episodic_memories WHERE archived),
			(SELECT count(*) FROM semantic_memories),
			(SELECT count(*) FROM semantic_memories WHERE is_active),
			(SELECT count(*) FROM semantic_memories WHERE is_active AND needs_verification),
			(SELECT count(*) FROM semantic_memories WHERE is_active AND cardinality(contradicts_knowledge) > 0)`,
		now).Scan(
		&st.DBSizeBytes,
		&st.Working.Total, &st.Working.Expired,
		&st.Episodic.Total, &st.Episodic.Archived,
		&st.Semantic.Total, &st.Semantic.Active, &st.Semantic.NeedsVerification, &st.Semantic.WithContradictions,
	)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT session_id, count(*) AS cnt
		FROM working_entries WHERE expires_at > $1
		GROUP BY session_id ORDER BY cnt DESC, session_id`, now)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var ss store.SessionStats
		if err := rows.Scan(&ss.SessionID, &ss.Count); err != nil {
			return st, err
		}
		st.Sessions = append(st.Sessions, ss)
	}
	return st, rows.Err()
}

// ExportAll returns every record of every tier.
func (s *Store) ExportAll(ctx context.Context) (*store.Snapshot, error) {
	snap := &store.Snapshot{ExportedAt: time.Now().UTC()}

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

// Payloads returns indexable text for live records of one tier.
func (s *Store) Payloads(ctx context.Context, q store.PayloadQuery) ([]store.Payload, error) {
	limit := limitOrDefault(q.Limit)
	var out []store.Payload

	switch q.Tier {
	case model.TierWorking:
		entries, err := queryWorking(ctx, s.db, `
			SELECT `+workingColumns+` FROM working_entries
			WHERE created_at >= $1 AND expires_at > now()
			ORDER BY created_at, id LIMIT $2`, q.Since, limit)
		if err != nil {
			return nil, err
		}
		for _, w := range entries {
			out = append(out, store.WorkingPayload(w))
		}
	case model.TierEpisodic:
		episodes, err := queryEpisodes(ctx, s.db, `
			SELECT `+episodeColumns+` FROM episodic_memories
			WHERE created_at >= $1 AND NOT archived
			ORDER BY created_at, id LIMIT $2`, q.Since, limit)
		if err != nil {
			return nil, err
		}
		for _, e := range episodes {
			out = append(out, store.EpisodePayload(e))
		}
	case model.TierSemantic:
		items, err := queryKnowledge(ctx, s.db, `
			SELECT `+knowledgeColumns+` FROM semantic_memories
			WHERE last_updated_at >= $1 AND is_active
			ORDER BY last_updated_at, id LIMIT $2`, q.Since, limit)
		if err != nil {
			return nil, err
		}
		for _, k := range items {
			out = append(out, store.KnowledgePayload(k))
		}
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", store.ErrValidation, q.Tier)
	}
	return out, nil
}
