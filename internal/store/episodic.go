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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func newEpisode(id string, p EpisodeParams, now time.Time) *model.Episode {
	return &model.Episode{
		ID:               id,
		Title:            strings.TrimSpace(p.Title),
		Summary:          strings.TrimSpace(p.Summary),
		FullContent:      p.FullContent,
		Participants:     p.Participants,
		Topic:            p.Topic,
		Location:         p.Location,
		Emotion:          p.Emotion,
		HappenedAt:       p.HappenedAt,
		Duration:         p.Duration,
		Importance:       p.Importance,
		MemoryStrength:   p.MemoryStrength,
		RelatedEpisodes:  p.RelatedEpisodes,
		RelatedKnowledge: p.RelatedKnowledge,
		SourceWorkingIDs: p.SourceWorkingIDs,
		EmotionalTags:    p.EmotionalTags,
		RetrievalCues:    p.RetrievalCues,
		CreatedAt:        now,
	}
}

func insertEpisode(ctx context.Context, db execer, e *model.Episode) error {
	cues, err := encodeMap(e.RetrievalCues)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO episodic_memories (`+episodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, NULL, ?)`,
		e.ID, e.Title, e.Summary, e.FullContent, encodeSet(e.Participants), e.Topic, e.Location, e.Emotion,
		formatTime(e.HappenedAt), int64(e.Duration), e.Importance, e.MemoryStrength,
		encodeSet(e.RelatedEpisodes), encodeSet(e.RelatedKnowledge), encodeSet(e.SourceWorkingIDs),
		encodeSet(e.EmotionalTags), cues, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordEpisode(ctx context.Context, p EpisodeParams, now time.Time) (*model.Episode, error) {
	now = nowOrCurrent(now)
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	if len(p.SourceWorkingIDs) > 0 {
		return nil, fmt.Errorf("%w: episodes with source working ids must be promoted", ErrValidation)
	}
	e := newEpisode(s.newID(), p, now)
	if err := insertEpisode(ctx, s.db, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) PromoteWorking(ctx context.Context, p EpisodeParams, now time.Time) (*model.Episode, error) {
	now = nowOrCurrent(now)
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	if len(p.SourceWorkingIDs) == 0 {
		return nil, fmt.Errorf("%w: promotion needs at least one source working id", ErrValidation)
	}
	e := newEpisode(s.newID(), p, now)

	// The transaction begins IMMEDIATE, so the membership check and the
	// insert are serialized against every other writer of this database.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	marks, args := inClause(p.SourceWorkingIDs)

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM working_entries WHERE id IN (`+marks+`) AND expires_at > ?`,
		append(args, formatTime(now))...).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("check sources: %w", err)
	}
	if live != len(p.SourceWorkingIDs) {
		return nil, fmt.Errorf("%w: %d of %d source entries expired or missing",
			ErrNotFound, len(p.SourceWorkingIDs)-live, len(p.SourceWorkingIDs))
	}

	var taken int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodic_memories e, json_each(e.source_working_ids) j
		 WHERE j.value IN (`+marks+`)`, args...).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("check promotions: %w", err)
	}
	if taken > 0 {
		return nil, fmt.Errorf("%w: source entries already promoted", ErrConflict)
	}

	if err := insertEpisode(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, id string, includeArchived bool) (*model.Episode, error) {
	e, err := s.getEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Archived && !includeArchived {
		return nil, fmt.Errorf("%w: episode %s is archived", ErrInvalidState, id)
	}
	return e, nil
}

func (s *SQLiteStore) getEpisode(ctx context.Context, id string) (*model.Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodic_memories WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: episode %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) RecordRecall(ctx context.Context, id string, now time.Time) (*model.Episode, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_memories SET recall_count = recall_count + 1, last_recalled_at = ?
		 WHERE id = ? AND archived = 0`, formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("record recall: %w", err)
	}
	if err := s.episodeAffected(ctx, res, id, "recalled"); err != nil {
		return nil, err
	}
	return s.getEpisode(ctx, id)
}

func (s *SQLiteStore) ArchiveEpisodes(ctx context.Context, cutoff, now time.Time, batch int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_memories SET archived = 1, archived_at = ?
		 WHERE id IN (
			SELECT id FROM episodic_memories
			WHERE archived = 0 AND happened_at < ? AND importance < ?
			ORDER BY happened_at LIMIT ?)`,
		formatTime(now), formatTime(cutoff), model.ArchiveExemptImportance, batchOrDefault(batch))
	if err != nil {
		return 0, fmt.Errorf("archive episodes: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ArchiveEpisode(ctx context.Context, id string, now time.Time) (*model.Episode, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_memories SET archived = 1, archived_at = ? WHERE id = ? AND archived = 0`,
		formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("archive episode: %w", err)
	}
	if err := s.episodeAffected(ctx, res, id, "archived"); err != nil {
		return nil, err
	}
	return s.getEpisode(ctx, id)
}

func (s *SQLiteStore) UnarchiveEpisode(ctx context.Context, id string) (*model.Episode, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_memories SET archived = 0, archived_at = NULL WHERE id = ? AND archived = 1`, id)
	if err != nil {
		return nil, fmt.Errorf("unarchive episode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getEpisode(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: episode %s is not archived", ErrInvalidState, id)
	}
	return s.getEpisode(ctx, id)
}

// episodeAffected turns a zero-row update guarded by archived = 0 into
// ErrNotFound or ErrInvalidState.
func (s *SQLiteStore) episodeAffected(ctx context.Context, res sql.Result, id, verb string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.getEpisode(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: archived episode %s cannot be %s", ErrInvalidState, id, verb)
}

// inClause returns "?, ?, ?" and the matching args for ids.
func inClause(ids []string) (string, []interface{}) {
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}
