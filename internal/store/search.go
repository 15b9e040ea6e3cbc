package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/memtier/internal/model"
)

func (s *SQLiteStore) QueryEpisodes(ctx context.Context, q EpisodeQuery) ([]model.Episode, error) {
	var where []string
	var args []interface{}

	if !q.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if !q.From.IsZero() {
		where = append(where, "happened_at >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "happened_at <= ?")
		args = append(args, formatTime(q.To))
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, fmt.Errorf("%w: time range ends before it starts", ErrValidation)
	}
	if q.Topic != "" {
		where = append(where, "topic = ? COLLATE NOCASE")
		args = append(args, q.Topic)
	}
	if q.Emotion != "" {
		// The primary emotion or any emotional tag matches.
		where = append(where, `(emotion = ? COLLATE NOCASE
			OR EXISTS (SELECT 1 FROM json_each(emotional_tags) WHERE value = ?))`)
		args = append(args, q.Emotion, q.Emotion)
	}
	if len(where) == 0 {
		where = append(where, "1 = 1")
	}
	args = append(args, limitOrDefault(q.Limit))

	query := fmt.Sprintf(`
		SELECT %s FROM episodic_memories
		WHERE %s
		ORDER BY importance DESC, happened_at DESC, id DESC
		LIMIT ?`, episodeColumns, strings.Join(where, " AND "))

	return queryEpisodes(ctx, s.db, query, args...)
}

func (s *SQLiteStore) KnowledgeByType(ctx context.Context, q KnowledgeQuery) ([]model.Knowledge, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	where := []string{"is_active = 1", "confidence >= ?"}
	args := []interface{}{q.MinConfidence}
	if q.Type != "" {
		where = append(where, "knowledge_type = ?")
		args = append(args, string(q.Type))
	}
	args = append(args, limitOrDefault(q.Limit))

	query := fmt.Sprintf(`
		SELECT %s FROM semantic_memories
		WHERE %s
		ORDER BY confidence DESC, last_updated_at DESC, id DESC
		LIMIT ?`, knowledgeColumns, strings.Join(where, " AND "))

	return queryKnowledge(ctx, s.db, query, args...)
}

func (s *SQLiteStore) FindContradictions(ctx context.Context, t model.KnowledgeType, limit int) ([]model.Knowledge, error) {
	if t != "" && !model.ValidKnowledgeTypes[t] {
		return nil, fmt.Errorf("%w: invalid knowledge type %q", ErrValidation, t)
	}
	where := []string{"is_active = 1", "json_array_length(contradicts_knowledge) > 0"}
	var args []interface{}
	if t != "" {
		where = append(where, "knowledge_type = ?")
		args = append(args, string(t))
	}
	args = append(args, limitOrDefault(limit))

	query := fmt.Sprintf(`
		SELECT %s FROM semantic_memories
		WHERE %s
		ORDER BY json_array_length(contradicts_knowledge) DESC, confidence DESC, last_updated_at DESC
		LIMIT ?`, knowledgeColumns, strings.Join(where, " AND "))

	return queryKnowledge(ctx, s.db, query, args...)
}
