package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/memtier/internal/model"
)

// Supersede marks oldID as replaced by newID and deactivates it in one
// transaction. Superseding again with the same replacement is a no-op.
func (s *SQLiteStore) Supersede(ctx context.Context, oldID, newID string, now time.Time) (*model.Knowledge, error) {
	if oldID == "" || newID == "" {
		return nil, fmt.Errorf("%w: both knowledge ids are required", ErrValidation)
	}
	if sameIDs(oldID, newID) {
		return nil, fmt.Errorf("%w: knowledge %s cannot supersede itself", ErrValidation, oldID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	replacement, err := getKnowledge(ctx, tx, newID)
	if err != nil {
		return nil, err
	}
	old, err := getKnowledge(ctx, tx, oldID)
	if err != nil {
		return nil, err
	}
	if old.SupersededBy == newID {
		return old, nil
	}
	if !old.IsActive {
		return nil, fmt.Errorf("%w: knowledge %s is already inactive", ErrInvalidState, oldID)
	}
	if !replacement.IsActive {
		return nil, fmt.Errorf("%w: replacement %s is inactive", ErrInvalidState, newID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE semantic_memories
		 SET superseded_by = ?, is_active = 0, last_updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		newID, formatTime(now), oldID, old.Version)
	if err != nil {
		return nil, fmt.Errorf("supersede: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: knowledge %s changed concurrently", ErrConflict, oldID)
	}

	updated, err := getKnowledge(ctx, tx, oldID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkContradiction records a symmetric contradiction between two active
// knowledge items and flags both for verification.
func (s *SQLiteStore) MarkContradiction(ctx context.Context, aID, bID string, now time.Time) error {
	if aID == "" || bID == "" {
		return fmt.Errorf("%w: both knowledge ids are required", ErrValidation)
	}
	if sameIDs(aID, bID) {
		return fmt.Errorf("%w: knowledge %s cannot contradict itself", ErrValidation, aID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range []string{aID, bID} {
		k, err := getKnowledge(ctx, tx, id)
		if err != nil {
			return err
		}
		if !k.IsActive {
			return fmt.Errorf("%w: knowledge %s is inactive", ErrInvalidState, id)
		}
	}

	ts := formatTime(now)
	for _, pair := range [][2]string{{aID, bID}, {bID, aID}} {
		_, err := tx.ExecContext(ctx,
			`UPDATE semantic_memories SET
				contradicts_knowledge = CASE
					WHEN EXISTS (SELECT 1 FROM json_each(semantic_memories.contradicts_knowledge) WHERE value = ?)
					THEN contradicts_knowledge
					ELSE json_insert(contradicts_knowledge, '$[#]', ?) END,
				needs_verification = 1,
				last_updated_at = ?,
				version = version + 1
			 WHERE id = ?`,
			pair[1], pair[1], ts, pair[0])
		if err != nil {
			return fmt.Errorf("mark contradiction: %w", err)
		}
	}
	return tx.Commit()
}
