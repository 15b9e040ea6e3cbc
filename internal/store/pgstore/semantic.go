package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

const upsertAttempts = 3

// UpsertKnowledge inserts under the partial unique index on active
// (type, key) or, when another row holds the key, updates that row. The
// update's row lock serializes concurrent evidence, and READ COMMITTED
// re-evaluates the SET expressions against the latest committed version.
func (s *Store) UpsertKnowledge(ctx context.Context, p store.KnowledgeParams, now time.Time) (*model.Knowledge, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	now = now.Truncate(time.Microsecond)

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		k, err := scanKnowledge(s.db.QueryRow(ctx, `
			INSERT INTO semantic_memories (`+knowledgeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, ARRAY[$8::text], '{}', '{}', NULL, $9, 0, NULL,
			        TRUE, FALSE, $10, $10, NULL, 1)
			ON CONFLICT (knowledge_type, knowledge_key) WHERE is_active DO NOTHING
			RETURNING `+knowledgeColumns,
			newID(), string(p.Type), p.Key, []byte(p.Value), p.Description, set(p.Examples),
			model.InitialConfidence, p.EpisodeID, p.Importance, now))
		if err == nil {
			return &k, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, mapError("insert knowledge", err)
		}

		k, err = scanKnowledge(s.db.QueryRow(ctx, `
			UPDATE semantic_memories SET
				source_episodes  = array_append(source_episodes, $1::text),
				evidence_count   = cardinality(source_episodes) + 1,
				confidence       = LEAST($2::double precision, confidence + $3::double precision * (1 - confidence)),
				description      = CASE WHEN description = '' THEN $4 ELSE description END,
				last_verified_at = $5,
				last_updated_at  = $5,
				version          = version + 1
			WHERE knowledge_type = $6 AND knowledge_key = $7 AND is_active
			  AND NOT ($1::text = ANY (source_episodes))
			RETURNING `+knowledgeColumns,
			p.EpisodeID, model.MaxConfidence, model.ConfidenceStep, p.Description, now,
			string(p.Type), p.Key))
		if err == nil {
			return &k, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, mapError("update knowledge", err)
		}

		// Duplicate evidence, or the item was deactivated in between.
		k, err = scanKnowledge(s.db.QueryRow(ctx, `
			SELECT `+knowledgeColumns+` FROM semantic_memories
			WHERE knowledge_type = $1 AND knowledge_key = $2 AND is_active`,
			string(p.Type), p.Key))
		if err == nil {
			return &k, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("%w: knowledge %s/%s changed during upsert", store.ErrConflict, p.Type, p.Key)
}

// GetKnowledge returns a knowledge item by id, active or not.
func (s *Store) GetKnowledge(ctx context.Context, id string) (*model.Knowledge, error) {
	return getKnowledge(ctx, s.db, id, "")
}

func getKnowledge(ctx context.Context, db querier, id, lock string) (*model.Knowledge, error) {
	k, err := scanKnowledge(db.QueryRow(ctx,
		`SELECT `+knowledgeColumns+` FROM semantic_memories WHERE id = $1 `+lock, id))
	if err != nil {
		return nil, notFound(err, "knowledge", id)
	}
	return &k, nil
}

// KnowledgeByType returns active knowledge at or above q.MinConfidence.
func (s *Store) KnowledgeByType(ctx context.Context, q store.KnowledgeQuery) ([]model.Knowledge, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	where := []string{"is_active", "confidence >= $1"}
	args := []any{q.MinConfidence}
	if q.Type != "" {
		args = append(args, string(q.Type))
		where = append(where, fmt.Sprintf("knowledge_type = $%d", len(args)))
	}
	args = append(args, limitOrDefault(q.Limit))

	return queryKnowledge(ctx, s.db, fmt.Sprintf(`
		SELECT %s FROM semantic_memories
		WHERE %s
		ORDER BY confidence DESC, last_updated_at DESC, id DESC
		LIMIT $%d`, knowledgeColumns, strings.Join(where, " AND "), len(args)), args...)
}

// FindContradictions returns active knowledge with contradictions, most
// contradicted first.
func (s *Store) FindContradictions(ctx context.Context, t model.KnowledgeType, limit int) ([]model.Knowledge, error) {
	if t != "" && !model.ValidKnowledgeTypes[t] {
		return nil, fmt.Errorf("%w: invalid knowledge type %q", store.ErrValidation, t)
	}
	return queryKnowledge(ctx, s.db, `
		SELECT `+knowledgeColumns+` FROM semantic_memories
		WHERE is_active AND cardinality(contradicts_knowledge) > 0
		  AND ($1 = '' OR knowledge_type = $1)
		ORDER BY cardinality(contradicts_knowledge) DESC, confidence DESC, last_updated_at DESC
		LIMIT $2`, string(t), limitOrDefault(limit))
}

// RecordAccess increments access_count and sets last_accessed_at.
func (s *Store) RecordAccess(ctx context.Context, id string, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE semantic_memories SET access_count = access_count + 1, last_accessed_at = $2 WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: knowledge %s", store.ErrNotFound, id)
	}
	return nil
}

// Supersede marks oldID as replaced by newID and deactivates it.
func (s *Store) Supersede(ctx context.Context, oldID, newID string, now time.Time) (*model.Knowledge, error) {
	if oldID == "" || newID == "" {
		return nil, fmt.Errorf("%w: both knowledge ids are required", store.ErrValidation)
	}
	if strings.TrimSpace(oldID) == strings.TrimSpace(newID) {
		return nil, fmt.Errorf("%w: knowledge %s cannot supersede itself", store.ErrValidation, oldID)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	locked, err := lockKnowledge(ctx, tx, oldID, newID)
	if err != nil {
		return nil, err
	}
	old, replacement := locked[oldID], locked[newID]
	if old.SupersededBy == newID {
		return old, nil
	}
	if !old.IsActive {
		return nil, fmt.Errorf("%w: knowledge %s is already inactive", store.ErrInvalidState, oldID)
	}
	if !replacement.IsActive {
		return nil, fmt.Errorf("%w: replacement %s is inactive", store.ErrInvalidState, newID)
	}

	k, err := scanKnowledge(tx.QueryRow(ctx, `
		UPDATE semantic_memories
		SET superseded_by = $2, is_active = FALSE, last_updated_at = $3, version = version + 1
		WHERE id = $1
		RETURNING `+knowledgeColumns, oldID, newID, now))
	if err != nil {
		return nil, mapError("supersede", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &k, nil
}

// MarkContradiction records a symmetric contradiction between two active
// knowledge items and flags both for verification.
func (s *Store) MarkContradiction(ctx context.Context, aID, bID string, now time.Time) error {
	if aID == "" || bID == "" {
		return fmt.Errorf("%w: both knowledge ids are required", store.ErrValidation)
	}
	if strings.TrimSpace(aID) == strings.TrimSpace(bID) {
		return fmt.Errorf("%w: knowledge %s cannot contradict itself", store.ErrValidation, aID)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	locked, err := lockKnowledge(ctx, tx, aID, bID)
	if err != nil {
		return err
	}
	for _, id := range []string{aID, bID} {
		if !locked[id].IsActive {
			return fmt.Errorf("%w: knowledge %s is inactive", store.ErrInvalidState, id)
		}
	}

	for _, pair := range [][2]string{{aID, bID}, {bID, aID}} {
		_, err := tx.Exec(ctx, `
			UPDATE semantic_memories SET
				contradicts_knowledge = CASE WHEN $2::text = ANY (contradicts_knowledge)
					THEN contradicts_knowledge
					ELSE array_append(contradicts_knowledge, $2::text) END,
				needs_verification = TRUE,
				last_updated_at = $3,
				version = version + 1
			WHERE id = $1`, pair[0], pair[1], now)
		if err != nil {
			return fmt.Errorf("mark contradiction: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// lockKnowledge row-locks the given items in id order so two transactions
// locking the same pair cannot deadlock.
func lockKnowledge(ctx context.Context, tx pgx.Tx, ids ...string) (map[string]*model.Knowledge, error) {
	ordered := append([]string(nil), ids...)
	if len(ordered) == 2 && ordered[1] < ordered[0] {
		ordered[0], ordered[1] = ordered[1], ordered[0]
	}
	out := make(map[string]*model.Knowledge, len(ordered))
	for _, id := range ordered {
		k, err := getKnowledge(ctx, tx, id, "FOR UPDATE")
		if err != nil {
			return nil, err
		}
		out[id] = k
	}
	return out, nil
}
