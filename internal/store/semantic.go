package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memtier/internal/model"
)

// upsertAttempts bounds retries when the active row for a key is
// superseded between the insert and update steps of an upsert.
const upsertAttempts = 3

// UpsertKnowledge resolves create-vs-update in the database: the insert is
// guarded by the partial unique index on active (type, key), so of two
// concurrent first observations exactly one inserts and the other falls
// through to the update. The update computes the new confidence from the
// row it locks, so concurrent evidence never loses an update.
func (s *SQLiteStore) UpsertKnowledge(ctx context.Context, p KnowledgeParams, now time.Time) (*model.Knowledge, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	ts := formatTime(now)

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		id := s.newID()
		var insertedID string
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO semantic_memories (`+knowledgeColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, json_array(?), '[]', '[]', NULL, ?, 0, NULL, 1, 0, ?, ?, NULL, 1)
			 ON CONFLICT (knowledge_type, knowledge_key) WHERE is_active = 1 DO NOTHING
			 RETURNING id`,
			id, string(p.Type), p.Key, string(p.Value), p.Description, encodeSet(p.Examples),
			model.InitialConfidence, p.EpisodeID, p.Importance, ts, ts).Scan(&insertedID)
		if err == nil {
			k, err := s.GetKnowledge(ctx, insertedID)
			return k, true, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("insert knowledge: %w", err)
		}

		var updatedID string
		err = s.db.QueryRowContext(ctx,
			`UPDATE semantic_memories SET
				source_episodes  = json_insert(source_episodes, '$[#]', ?),
				evidence_count   = json_array_length(source_episodes) + 1,
				confidence       = min(?, confidence + ? * (1.0 - confidence)),
				description      = CASE WHEN description = '' THEN ? ELSE description END,
				last_verified_at = ?,
				last_updated_at  = ?,
				version          = version + 1
			 WHERE knowledge_type = ? AND knowledge_key = ? AND is_active = 1
			   AND NOT EXISTS (SELECT 1 FROM json_each(semantic_memories.source_episodes) WHERE value = ?)
			 RETURNING id`,
			p.EpisodeID, model.MaxConfidence, model.ConfidenceStep, p.Description, ts, ts,
			string(p.Type), p.Key, p.EpisodeID).Scan(&updatedID)
		if err == nil {
			k, err := s.GetKnowledge(ctx, updatedID)
			return k, false, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("update knowledge: %w", err)
		}

		// Either the episode is already evidence for the active item, or the
		// item was deactivated between the two statements.
		k, err := s.activeKnowledge(ctx, p.Type, p.Key)
		if err == nil {
			return k, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("%w: knowledge %s/%s changed during upsert", ErrConflict, p.Type, p.Key)
}

func (s *SQLiteStore) activeKnowledge(ctx context.Context, t model.KnowledgeType, key string) (*model.Knowledge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+knowledgeColumns+` FROM semantic_memories
		 WHERE knowledge_type = ? AND knowledge_key = ? AND is_active = 1`, string(t), key)
	k, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: active knowledge %s/%s", ErrNotFound, t, key)
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) GetKnowledge(ctx context.Context, id string) (*model.Knowledge, error) {
	return getKnowledge(ctx, s.db, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getKnowledge(ctx context.Context, db rowQuerier, id string) (*model.Knowledge, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+knowledgeColumns+` FROM semantic_memories WHERE id = ?`, id)
	k, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: knowledge %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) RecordAccess(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE semantic_memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		formatTime(now), id)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: knowledge %s", ErrNotFound, id)
	}
	return nil
}

// sameIDs reports whether a and b name the same record after trimming.
func sameIDs(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
