// Package pgstore implements store.Store on PostgreSQL, for deployments
// where processes on several hosts share one backing store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

//go:embed schema.sql
var schema string

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Store with a pgx connection pool and applies the schema.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connected")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func newID() string {
	return ulid.Make().String()
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return store.DefaultLimit
	}
	return n
}

func batchOrDefault(n int) int {
	if n <= 0 {
		return store.DefaultBatchSize
	}
	return n
}

// set returns v as a non-nil slice for TEXT[] columns.
func set(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func encodeMap(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not JSON-encodable: %v", store.ErrValidation, err)
	}
	return b, nil
}

// mapError translates check constraint violations into store.ErrConstraint.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s: %s", store.ErrConstraint, op, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const workingColumns = `id, session_id, kind, content, context, importance, emotion, topic,
	tags, speaker, related_ids, created_at, expires_at`

func scanWorking(row pgx.Row) (model.WorkingEntry, error) {
	var w model.WorkingEntry
	var kind string
	var contextJSON []byte

	err := row.Scan(
		&w.ID, &w.SessionID, &kind, &w.Content, &contextJSON, &w.Importance,
		&w.Emotion, &w.Topic, &w.Tags, &w.Speaker, &w.RelatedIDs, &w.CreatedAt, &w.ExpiresAt,
	)
	if err != nil {
		return w, err
	}
	w.Kind = model.Kind(kind)
	w.CreatedAt = w.CreatedAt.UTC()
	w.ExpiresAt = w.ExpiresAt.UTC()
	json.Unmarshal(contextJSON, &w.Context)
	w.Tags = model.NormalizeSet(w.Tags)
	w.RelatedIDs = model.NormalizeSet(w.RelatedIDs)
	return w, nil
}

const episodeColumns = `id, title, summary, full_content, participants, topic, location, emotion,
	happened_at, duration_ns, importance, memory_strength, related_episodes, related_knowledge,
	source_working_ids, emotional_tags, retrieval_cues, recall_count, last_recalled_at,
	archived, archived_at, created_at`

func scanEpisode(row pgx.Row) (model.Episode, error) {
	var e model.Episode
	var durationNS int64
	var cues []byte

	err := row.Scan(
		&e.ID, &e.Title, &e.Summary, &e.FullContent, &e.Participants, &e.Topic, &e.Location, &e.Emotion,
		&e.HappenedAt, &durationNS, &e.Importance, &e.MemoryStrength, &e.RelatedEpisodes, &e.RelatedKnowledge,
		&e.SourceWorkingIDs, &e.EmotionalTags, &cues, &e.RecallCount, &e.LastRecalledAt,
		&e.Archived, &e.ArchivedAt, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}
	e.Duration = time.Duration(durationNS)
	e.HappenedAt = e.HappenedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	json.Unmarshal(cues, &e.RetrievalCues)
	e.RelatedEpisodes = model.NormalizeSet(e.RelatedEpisodes)
	e.RelatedKnowledge = model.NormalizeSet(e.RelatedKnowledge)
	e.SourceWorkingIDs = model.NormalizeSet(e.SourceWorkingIDs)
	e.EmotionalTags = model.NormalizeSet(e.EmotionalTags)
	return e, nil
}

const knowledgeColumns = `id, knowledge_type, knowledge_key, value, description, examples,
	confidence, evidence_count, source_episodes, related_knowledge, contradicts_knowledge,
	superseded_by, importance, access_count, last_accessed_at, is_active, needs_verification,
	first_learned_at, last_updated_at, last_verified_at, version`

func scanKnowledge(row pgx.Row) (model.Knowledge, error) {
	var k model.Knowledge
	var ktype string
	var value []byte
	var supersededBy *string

	err := row.Scan(
		&k.ID, &ktype, &k.Key, &value, &k.Description, &k.Examples,
		&k.Confidence, &k.EvidenceCount, &k.SourceEpisodes, &k.RelatedKnowledge, &k.ContradictsKnowledge,
		&supersededBy, &k.Importance, &k.AccessCount, &k.LastAccessedAt, &k.IsActive, &k.NeedsVerification,
		&k.FirstLearnedAt, &k.LastUpdatedAt, &k.LastVerifiedAt, &k.Version,
	)
	if err != nil {
		return k, err
	}
	k.Type = model.KnowledgeType(ktype)
	k.Value = json.RawMessage(value)
	if supersededBy != nil {
		k.SupersededBy = *supersededBy
	}
	k.FirstLearnedAt = k.FirstLearnedAt.UTC()
	k.LastUpdatedAt = k.LastUpdatedAt.UTC()
	k.Examples = model.NormalizeSet(k.Examples)
	k.RelatedKnowledge = model.NormalizeSet(k.RelatedKnowledge)
	k.ContradictsKnowledge = model.NormalizeSet(k.ContradictsKnowledge)
	if k.SourceEpisodes == nil {
		k.SourceEpisodes = []string{}
	}
	return k, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryWorking(ctx context.Context, db querier, sql string, args ...any) ([]model.WorkingEntry, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkingEntry
	for rows.Next() {
		w, err := scanWorking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan working entry: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func queryEpisodes(ctx context.Context, db querier, sql string, args ...any) ([]model.Episode, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryKnowledge(ctx context.Context, db querier, sql string, args ...any) ([]model.Knowledge, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, what, id)
	}
	return err
}
