package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func newEpisode(p store.EpisodeParams, now time.Time) *model.Episode {
	return &model.Episode{
		ID:               newID(),
		Title:            strings.TrimSpace(p.Title),
		Summary:          strings.TrimSpace(p.Summary),
		FullContent:      p.FullContent,
		Participants:     p.Participants,
		Topic:            p.Topic,
		Location:         p.Location,
		Emotion:          p.Emotion,
		HappenedAt:       p.HappenedAt.Truncate(time.Microsecond),
		Duration:         p.Duration,
		Importance:       p.Importance,
		MemoryStrength:   p.MemoryStrength,
		RelatedEpisodes:  p.RelatedEpisodes,
		RelatedKnowledge: p.RelatedKnowledge,
		SourceWorkingIDs: p.SourceWorkingIDs,
		EmotionalTags:    p.EmotionalTags,
		RetrievalCues:    p.RetrievalCues,
		CreatedAt:        now.Truncate(time.Microsecond),
	}
}

func insertEpisode(ctx context.Context, db execer, e *model.Episode) error {
	cues, err := encodeMap(e.RetrievalCues)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO episodic_memories (`+episodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		        0, NULL, FALSE, NULL, $18)`,
		e.ID, e.Title, e.Summary, e.FullContent, set(e.Participants), e.Topic, e.Location, e.Emotion,
		e.HappenedAt, int64(e.Duration), e.Importance, e.MemoryStrength,
		set(e.RelatedEpisodes), set(e.RelatedKnowledge), set(e.SourceWorkingIDs),
		set(e.EmotionalTags), cues, e.CreatedAt)
	if err != nil {
		return mapError("insert episode", err)
	}
	return nil
}

// RecordEpisode stores an episode that bypasses the working tier.
func (s *Store) RecordEpisode(ctx context.Context, p store.EpisodeParams, now time.Time) (*model.Episode, error) {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	if len(p.SourceWorkingIDs) > 0 {
		return nil, fmt.Errorf("%w: episodes with source working ids must be promoted", store.ErrValidation)
	}
	e := newEpisode(p, now)
	if err := insertEpisode(ctx, s.db, e); err != nil {
		return nil, err
	}
	return e, nil
}

// PromoteWorking locks the source rows, so a concurrent promotion of the
// same entries waits and then observes this one's episode.
func (s *Store) PromoteWorking(ctx context.Context, p store.EpisodeParams, now time.Time) (*model.Episode, error) {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	if len(p.SourceWorkingIDs) == 0 {
		return nil, fmt.Errorf("%w: promotion needs at least one source working id", store.ErrValidation)
	}
	e := newEpisode(p, now)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM working_entries
		WHERE id = ANY ($1) AND expires_at > $2
		ORDER BY id
		FOR UPDATE`, p.SourceWorkingIDs, now)
	if err != nil {
		return nil, fmt.Errorf("lock sources: %w", err)
	}
	live, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("lock sources: %w", err)
	}
	if len(live) != len(p.SourceWorkingIDs) {
		return nil, fmt.Errorf("%w: %d of %d source entries expired or missing",
			store.ErrNotFound, len(p.SourceWorkingIDs)-len(live), len(p.SourceWorkingIDs))
	}

	var taken bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM episodic_memories WHERE source_working_ids && $1)`,
		p.SourceWorkingIDs).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("check promotions: %w", err)
	}
	if taken {
		return nil, fmt.Errorf("%w: source entries already promoted", store.ErrConflict)
	}

	if err := insertEpisode(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEpisode returns an episode by id.
func (s *Store) GetEpisode(ctx context.Context, id string, includeArchived bool) (*model.Episode, error) {
	e, err := s.getEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Archived && !includeArchived {
		return nil, fmt.Errorf("%w: episode %s is archived", store.ErrInvalidState, id)
	}
	return e, nil
}

func (s *Store) getEpisode(ctx context.Context, id string) (*model.Episode, error) {
	e, err := scanEpisode(s.db.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodic_memories WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "episode", id)
	}
	return &e, nil
}

// QueryEpisodes returns episodes matching q.
func (s *Store) QueryEpisodes(ctx context.Context, q store.EpisodeQuery) ([]model.Episode, error) {
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, fmt.Errorf("%w: time range ends before it starts", store.ErrValidation)
	}
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.IncludeArchived {
		where = append(where, "NOT archived")
	}
	if !q.From.IsZero() {
		where = append(where, "happened_at >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "happened_at <= "+arg(q.To))
	}
	if q.Topic != "" {
		where = append(where, "lower(topic) = lower("+arg(q.Topic)+")")
	}
	if q.Emotion != "" {
		n := arg(q.Emotion)
		where = append(where, fmt.Sprintf("(lower(emotion) = lower(%s) OR %s = ANY (emotional_tags))", n, n))
	}
	if len(where) == 0 {
		where = append(where, "TRUE")
	}
	limit := arg(limitOrDefault(q.Limit))

	return queryEpisodes(ctx, s.db, fmt.Sprintf(`
		SELECT %s FROM episodic_memories
		WHERE %s
		ORDER BY importance DESC, happened_at DESC, id DESC
		LIMIT %s`, episodeColumns, strings.Join(where, " AND "), limit), args...)
}

// RecordRecall increments recall_count on a non-archived episode.
func (s *Store) RecordRecall(ctx context.Context, id string, now time.Time) (*model.Episode, error) {
	return s.updateEpisode(ctx, id, "recalled", `
		UPDATE episodic_memories SET recall_count = recall_count + 1, last_recalled_at = $2
		WHERE id = $1 AND NOT archived
		RETURNING `+episodeColumns, id, now)
}

// ArchiveEpisodes archives one chunk of aged, non-exempt episodes.
func (s *Store) ArchiveEpisodes(ctx context.Context, cutoff, now time.Time, batch int) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE episodic_memories SET archived = TRUE, archived_at = $1
		WHERE id IN (
			SELECT id FROM episodic_memories
			WHERE NOT archived AND happened_at < $2 AND importance < $3
			ORDER BY happened_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED)`,
		now, cutoff, model.ArchiveExemptImportance, batchOrDefault(batch))
	if err != nil {
		return 0, fmt.Errorf("archive episodes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ArchiveEpisode archives one episode regardless of age or importance.
func (s *Store) ArchiveEpisode(ctx context.Context, id string, now time.Time) (*model.Episode, error) {
	return s.updateEpisode(ctx, id, "archived", `
		UPDATE episodic_memories SET archived = TRUE, archived_at = $2
		WHERE id = $1 AND NOT archived
		RETURNING `+episodeColumns, id, now)
}

// UnarchiveEpisode returns an archived episode to default recall.
func (s *Store) UnarchiveEpisode(ctx context.Context, id string) (*model.Episode, error) {
	e, err := scanEpisode(s.db.QueryRow(ctx, `
		UPDATE episodic_memories SET archived = FALSE, archived_at = NULL
		WHERE id = $1 AND archived
		RETURNING `+episodeColumns, id))
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("unarchive episode: %w", err)
	}
	if _, err := s.getEpisode(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: episode %s is not archived", store.ErrInvalidState, id)
}

// updateEpisode runs an update guarded by NOT archived and turns a
// zero-row result into ErrNotFound or ErrInvalidState.
func (s *Store) updateEpisode(ctx context.Context, id, verb, sql string, args ...any) (*model.Episode, error) {
	e, err := scanEpisode(s.db.QueryRow(ctx, sql, args...))
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("episode %s: %w", verb, err)
	}
	if _, err := s.getEpisode(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: archived episode %s cannot be %s", store.ErrInvalidState, id, verb)
}
