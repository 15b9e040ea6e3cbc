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

func (s *SQLiteStore) Write(ctx context.Context, p WriteParams) (*model.WorkingEntry, error) {
	if err := p.Validate(time.Now().UTC()); err != nil {
		return nil, err
	}
	contextJSON, err := encodeMap(p.Context)
	if err != nil {
		return nil, err
	}

	w := &model.WorkingEntry{
		ID:         s.newID(),
		SessionID:  p.SessionID,
		Kind:       p.Kind,
		Content:    strings.TrimSpace(p.Content),
		Context:    p.Context,
		Importance: p.Importance,
		Emotion:    p.Emotion,
		Topic:      p.Topic,
		Tags:       p.Tags,
		Speaker:    p.Speaker,
		RelatedIDs: p.RelatedIDs,
		CreatedAt:  p.CreatedAt,
		ExpiresAt:  p.CreatedAt.Add(p.TTL),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO working_entries (`+workingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.SessionID, string(w.Kind), w.Content, contextJSON, w.Importance,
		w.Emotion, w.Topic, encodeSet(w.Tags), w.Speaker, encodeSet(w.RelatedIDs),
		formatTime(w.CreatedAt), formatTime(w.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("insert working entry: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*model.WorkingEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workingColumns+` FROM working_entries WHERE id = ?`, id)
	w, err := scanWorking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: working entry %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteStore) ListSession(ctx context.Context, q SessionQuery) ([]model.WorkingEntry, error) {
	if strings.TrimSpace(q.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	return queryWorking(ctx, s.db,
		`SELECT `+workingColumns+` FROM working_entries
		 WHERE session_id = ? AND expires_at > ?
		 ORDER BY importance DESC, created_at DESC, id DESC
		 LIMIT ?`,
		q.SessionID, formatTime(now), limitOrDefault(q.Limit))
}

// notPromoted matches working entries that no episode references yet.
const notPromoted = `NOT EXISTS (
	SELECT 1 FROM episodic_memories e, json_each(e.source_working_ids) j
	WHERE j.value = w.id)`

func (s *SQLiteStore) ListPromotable(ctx context.Context, q PromotableQuery) ([]model.WorkingEntry, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	minImportance := q.MinImportance
	if minImportance == 0 {
		minImportance = model.PromotionThreshold
	}

	where := []string{"w.importance >= ?", "w.expires_at > ?", notPromoted}
	args := []interface{}{minImportance, formatTime(now)}
	if q.SessionID != "" {
		where = append(where, "w.session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.AfterID != "" {
		where = append(where, "(w.created_at > ? OR (w.created_at = ? AND w.id > ?))")
		after := formatTime(q.AfterCreatedAt)
		args = append(args, after, after, q.AfterID)
	}
	args = append(args, limitOrDefault(q.Limit))

	return queryWorking(ctx, s.db,
		`SELECT `+prefixColumns("w", workingColumns)+` FROM working_entries w
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY w.created_at ASC, w.id ASC
		 LIMIT ?`, args...)
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, batch int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM working_entries WHERE id IN (
			SELECT id FROM working_entries WHERE expires_at < ? ORDER BY expires_at LIMIT ?)`,
		formatTime(now), batchOrDefault(batch))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// prefixColumns qualifies a column list with a table alias.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
