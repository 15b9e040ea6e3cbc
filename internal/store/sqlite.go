package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memtier/internal/model"
)

// timeLayout is fixed-width UTC so that timestamps compare correctly as TEXT.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements Store using SQLite. Several processes may open the
// same database file: writes run in IMMEDIATE transactions and wait on the
// busy timeout instead of failing.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) newID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS working_entries (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL CHECK (session_id <> ''),
		kind        TEXT NOT NULL DEFAULT 'other',
		content     TEXT NOT NULL CHECK (content <> ''),
		context     TEXT NOT NULL DEFAULT '{}',
		importance  INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 10),
		emotion     TEXT NOT NULL DEFAULT '',
		topic       TEXT NOT NULL DEFAULT '',
		tags        TEXT NOT NULL DEFAULT '[]',
		speaker     TEXT NOT NULL DEFAULT '',
		related_ids TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL,
		CHECK (expires_at > created_at)
	);
	CREATE INDEX IF NOT EXISTS idx_working_session ON working_entries(session_id, expires_at);
	CREATE INDEX IF NOT EXISTS idx_working_expires ON working_entries(expires_at);
	CREATE INDEX IF NOT EXISTS idx_working_importance ON working_entries(importance, expires_at);

	CREATE TABLE IF NOT EXISTS episodic_memories (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL DEFAULT '',
		summary            TEXT NOT NULL CHECK (summary <> ''),
		full_content       TEXT NOT NULL DEFAULT '',
		participants       TEXT NOT NULL DEFAULT '["user","assistant"]',
		topic              TEXT NOT NULL DEFAULT '',
		location           TEXT NOT NULL DEFAULT '',
		emotion            TEXT NOT NULL DEFAULT '',
		happened_at        TEXT NOT NULL,
		duration_ns        INTEGER NOT NULL DEFAULT 0,
		importance         INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 10),
		memory_strength    INTEGER NOT NULL CHECK (memory_strength BETWEEN 1 AND 10),
		related_episodes   TEXT NOT NULL DEFAULT '[]',
		related_knowledge  TEXT NOT NULL DEFAULT '[]',
		source_working_ids TEXT NOT NULL DEFAULT '[]',
		emotional_tags     TEXT NOT NULL DEFAULT '[]',
		retrieval_cues     TEXT NOT NULL DEFAULT '{}',
		recall_count       INTEGER NOT NULL DEFAULT 0 CHECK (recall_count >= 0),
		last_recalled_at   TEXT,
		archived           INTEGER NOT NULL DEFAULT 0,
		archived_at        TEXT,
		created_at         TEXT NOT NULL,
		CHECK ((archived = 1) = (archived_at IS NOT NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_episodic_happened ON episodic_memories(archived, happened_at);
	CREATE INDEX IF NOT EXISTS idx_episodic_topic ON episodic_memories(topic);
	CREATE INDEX IF NOT EXISTS idx_episodic_emotion ON episodic_memories(emotion);

	CREATE TABLE IF NOT EXISTS semantic_memories (
		id                    TEXT PRIMARY KEY,
		knowledge_type        TEXT NOT NULL,
		knowledge_key         TEXT NOT NULL CHECK (knowledge_key <> ''),
		value                 TEXT NOT NULL CHECK (value <> ''),
		description           TEXT NOT NULL DEFAULT '',
		examples              TEXT NOT NULL DEFAULT '[]',
		confidence            REAL NOT NULL CHECK (confidence BETWEEN 0.0 AND 1.0),
		evidence_count        INTEGER NOT NULL,
		source_episodes       TEXT NOT NULL DEFAULT '[]',
		related_knowledge     TEXT NOT NULL DEFAULT '[]',
		contradicts_knowledge TEXT NOT NULL DEFAULT '[]',
		superseded_by         TEXT REFERENCES semantic_memories(id),
		importance            INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 10),
		access_count          INTEGER NOT NULL DEFAULT 0,
		last_accessed_at      TEXT,
		is_active             INTEGER NOT NULL DEFAULT 1,
		needs_verification    INTEGER NOT NULL DEFAULT 0,
		first_learned_at      TEXT NOT NULL,
		last_updated_at       TEXT NOT NULL,
		last_verified_at      TEXT,
		version               INTEGER NOT NULL DEFAULT 1,
		CHECK (evidence_count = json_array_length(source_episodes)),
		CHECK (superseded_by IS NULL OR is_active = 0)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_semantic_active_key
		ON semantic_memories(knowledge_type, knowledge_key) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_semantic_type ON semantic_memories(knowledge_type, is_active, confidence);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const workingColumns = `id, session_id, kind, content, context, importance, emotion, topic,
	tags, speaker, related_ids, created_at, expires_at`

func scanWorking(row scanner) (model.WorkingEntry, error) {
	var w model.WorkingEntry
	var kind, contextJSON, tagsJSON, relatedJSON, createdAt, expiresAt string

	err := row.Scan(
		&w.ID, &w.SessionID, &kind, &w.Content, &contextJSON, &w.Importance,
		&w.Emotion, &w.Topic, &tagsJSON, &w.Speaker, &relatedJSON, &createdAt, &expiresAt,
	)
	if err != nil {
		return w, err
	}

	w.Kind = model.Kind(kind)
	w.CreatedAt = parseTime(createdAt)
	w.ExpiresAt = parseTime(expiresAt)
	decodeJSON(contextJSON, &w.Context)
	decodeJSON(tagsJSON, &w.Tags)
	decodeJSON(relatedJSON, &w.RelatedIDs)
	return w, nil
}

const episodeColumns = `id, title, summary, full_content, participants, topic, location, emotion,
	happened_at, duration_ns, importance, memory_strength, related_episodes, related_knowledge,
	source_working_ids, emotional_tags, retrieval_cues, recall_count, last_recalled_at,
	archived, archived_at, created_at`

func scanEpisode(row scanner) (model.Episode, error) {
	var e model.Episode
	var participants, relEpisodes, relKnowledge, sources, emoTags, cues string
	var happenedAt, createdAt string
	var durationNS int64
	var lastRecalled, archivedAt sql.NullString

	err := row.Scan(
		&e.ID, &e.Title, &e.Summary, &e.FullContent, &participants, &e.Topic, &e.Location, &e.Emotion,
		&happenedAt, &durationNS, &e.Importance, &e.MemoryStrength, &relEpisodes, &relKnowledge,
		&sources, &emoTags, &cues, &e.RecallCount, &lastRecalled,
		&e.Archived, &archivedAt, &createdAt,
	)
	if err != nil {
		return e, err
	}

	e.HappenedAt = parseTime(happenedAt)
	e.CreatedAt = parseTime(createdAt)
	e.Duration = time.Duration(durationNS)
	e.LastRecalledAt = parseNullTime(lastRecalled)
	e.ArchivedAt = parseNullTime(archivedAt)
	decodeJSON(participants, &e.Participants)
	decodeJSON(relEpisodes, &e.RelatedEpisodes)
	decodeJSON(relKnowledge, &e.RelatedKnowledge)
	decodeJSON(sources, &e.SourceWorkingIDs)
	decodeJSON(emoTags, &e.EmotionalTags)
	decodeJSON(cues, &e.RetrievalCues)
	return e, nil
}

const knowledgeColumns = `id, knowledge_type, knowledge_key, value, description, examples,
	confidence, evidence_count, source_episodes, related_knowledge, contradicts_knowledge,
	superseded_by, importance, access_count, last_accessed_at, is_active, needs_verification,
	first_learned_at, last_updated_at, last_verified_at, version`

func scanKnowledge(row scanner) (model.Knowledge, error) {
	var k model.Knowledge
	var ktype, value, examples, sources, related, contradicts string
	var firstLearned, lastUpdated string
	var supersededBy, lastAccessed, lastVerified sql.NullString

	err := row.Scan(
		&k.ID, &ktype, &k.Key, &value, &k.Description, &examples,
		&k.Confidence, &k.EvidenceCount, &sources, &related, &contradicts,
		&supersededBy, &k.Importance, &k.AccessCount, &lastAccessed, &k.IsActive, &k.NeedsVerification,
		&firstLearned, &lastUpdated, &lastVerified, &k.Version,
	)
	if err != nil {
		return k, err
	}

	k.Type = model.KnowledgeType(ktype)
	k.Value = json.RawMessage(value)
	if supersededBy.Valid {
		k.SupersededBy = supersededBy.String
	}
	k.FirstLearnedAt = parseTime(firstLearned)
	k.LastUpdatedAt = parseTime(lastUpdated)
	k.LastAccessedAt = parseNullTime(lastAccessed)
	k.LastVerifiedAt = parseNullTime(lastVerified)
	decodeJSON(examples, &k.Examples)
	decodeJSON(sources, &k.SourceEpisodes)
	decodeJSON(related, &k.RelatedKnowledge)
	decodeJSON(contradicts, &k.ContradictsKnowledge)
	if k.SourceEpisodes == nil {
		k.SourceEpisodes = []string{}
	}
	return k, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nowOrCurrent returns now in UTC, or the current time when now is zero.
func nowOrCurrent(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// encodeSet encodes a string set as a JSON array, never null.
func encodeSet(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// encodeMap encodes an opaque payload as a JSON object, never null.
func encodeMap(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: payload is not JSON-encodable: %v", ErrValidation, err)
	}
	return string(b), nil
}

func decodeJSON(s string, dst any) {
	if s == "" {
		return
	}
	json.Unmarshal([]byte(s), dst)
}

func queryWorking(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]model.WorkingEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkingEntry
	for rows.Next() {
		w, err := scanWorking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func queryEpisodes(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]model.Episode, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryKnowledge(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]model.Knowledge, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
