package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

// Write stores a new working memory entry.
func (s *Store) Write(ctx context.Context, p store.WriteParams) (*model.WorkingEntry, error) {
	if err := p.Validate(time.Now().UTC()); err != nil {
		return nil, err
	}
	contextJSON, err := encodeMap(p.Context)
	if err != nil {
		return nil, err
	}

	w := &model.WorkingEntry{
		ID:         newID(),
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
		CreatedAt:  p.CreatedAt.Truncate(time.Microsecond),
	}
	w.ExpiresAt = w.CreatedAt.Add(p.TTL)

	_, err = s.db.Exec(ctx, `
		INSERT INTO working_entries (`+workingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.SessionID, string(w.Kind), w.Content, contextJSON, w.Importance,
		w.Emotion, w.Topic, set(w.Tags), w.Speaker, set(w.RelatedIDs), w.CreatedAt, w.ExpiresAt)
	if err != nil {
		return nil, mapError("insert working entry", err)
	}
	return w, nil
}

// GetEntry returns a working entry by id, expired or not.
func (s *Store) GetEntry(ctx context.Context, id string) (*model.WorkingEntry, error) {
	w, err := scanWorking(s.db.QueryRow(ctx,
		`SELECT `+workingColumns+` FROM working_entries WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "working entry", id)
	}
	return &w, nil
}

// ListSession returns the live entries of a session.
func (s *Store) ListSession(ctx context.Context, q store.SessionQuery) ([]model.WorkingEntry, error) {
	if strings.TrimSpace(q.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", store.ErrValidation)
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	return queryWorking(ctx, s.db, `
		SELECT `+workingColumns+` FROM working_entries
		WHERE session_id = $1 AND expires_at > $2
		ORDER BY importance DESC, created_at DESC, id DESC
		LIMIT $3`,
		q.SessionID, now, limitOrDefault(q.Limit))
}

// ListPromotable returns live entries at or above the threshold that no
// episode references yet, oldest first.
func (s *Store) ListPromotable(ctx context.Context, q store.PromotableQuery) ([]model.WorkingEntry, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	minImportance := q.MinImportance
	if minImportance == 0 {
		minImportance = model.PromotionThreshold
	}

	where := []string{
		"w.importance >= $1",
		"w.expires_at > $2",
		"NOT EXISTS (SELECT 1 FROM episodic_memories e WHERE w.id = ANY (e.source_working_ids))",
	}
	args := []any{minImportance, now}
	if q.SessionID != "" {
		args = append(args, q.SessionID)
		where = append(where, fmt.Sprintf("w.session_id = $%d", len(args)))
	}
	if q.AfterID != "" {
		args = append(args, q.AfterCreatedAt, q.AfterID)
		where = append(where, fmt.Sprintf("(w.created_at, w.id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limitOrDefault(q.Limit))

	return queryWorking(ctx, s.db, fmt.Sprintf(`
		SELECT %s FROM working_entries w
		WHERE %s
		ORDER BY w.created_at ASC, w.id ASC
		LIMIT $%d`, prefixColumns("w", workingColumns), strings.Join(where, " AND "), len(args)), args...)
}

// DeleteExpired deletes one chunk of expired entries. Rows locked by an
// in-flight promotion are skipped and picked up by a later sweep.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, batch int) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM working_entries WHERE id IN (
			SELECT id FROM working_entries
			WHERE expires_at < $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)`,
		now, batchOrDefault(batch))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
