// Package store provides the three-tier memory storage interface and its
// SQLite implementation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memtier/internal/model"
)

const (
	// DefaultLimit applies when a query passes a limit <= 0.
	DefaultLimit = 20

	// DefaultBatchSize bounds one chunk of a sweep.
	DefaultBatchSize = 500

	defaultImportance = 5
)

// WriteParams holds parameters for writing a working memory entry.
type WriteParams struct {
	SessionID  string
	Kind       model.Kind
	Content    string
	Context    map[string]any
	Importance int // 0 means 5
	Emotion    string
	Topic      string
	Tags       []string
	Speaker    string
	RelatedIDs []string
	TTL        time.Duration // 0 means model.DefaultWorkingTTL
	CreatedAt  time.Time     // zero means now
}

// Validate checks and normalizes p in place.
func (p *WriteParams) Validate(now time.Time) error {
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if p.Kind == "" {
		p.Kind = model.KindOther
	}
	if !model.ValidKinds[p.Kind] {
		return fmt.Errorf("%w: invalid kind %q", ErrValidation, p.Kind)
	}
	if p.Importance == 0 {
		p.Importance = defaultImportance
	}
	if !model.ValidImportance(p.Importance) {
		return fmt.Errorf("%w: importance %d out of range 1-10", ErrValidation, p.Importance)
	}
	if p.TTL < 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrValidation)
	}
	if p.TTL == 0 {
		p.TTL = model.DefaultWorkingTTL
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.CreatedAt = p.CreatedAt.UTC()
	// created_at becomes happened_at on promotion, so it obeys the same bounds.
	if p.CreatedAt.Before(model.EpisodeEpoch) {
		return fmt.Errorf("%w: created_at %s is before %s", ErrValidation,
			p.CreatedAt.Format(time.RFC3339), model.EpisodeEpoch.Format(time.RFC3339))
	}
	if p.CreatedAt.After(now) {
		return fmt.Errorf("%w: created_at %s is in the future", ErrValidation, p.CreatedAt.Format(time.RFC3339))
	}
	p.Tags = model.NormalizeSet(p.Tags)
	p.RelatedIDs = model.NormalizeSet(p.RelatedIDs)
	return nil
}

// EpisodeParams holds parameters for recording an episode, either directly
// or by promoting working entries (SourceWorkingIDs set).
type EpisodeParams struct {
	Title            string
	Summary          string
	FullContent      string
	Participants     []string
	Topic            string
	Location         string
	Emotion          string
	HappenedAt       time.Time // zero means now
	Duration         time.Duration
	Importance       int // 0 means 5
	MemoryStrength   int // 0 means 5
	RelatedEpisodes  []string
	RelatedKnowledge []string
	SourceWorkingIDs []string
	EmotionalTags    []string
	RetrievalCues    map[string]any
}

// Validate checks and normalizes p in place.
func (p *EpisodeParams) Validate(now time.Time) error {
	if strings.TrimSpace(p.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrValidation)
	}
	if p.HappenedAt.IsZero() {
		p.HappenedAt = now
	}
	p.HappenedAt = p.HappenedAt.UTC()
	if p.HappenedAt.Before(model.EpisodeEpoch) {
		return fmt.Errorf("%w: happened_at %s is before %s", ErrValidation,
			p.HappenedAt.Format(time.RFC3339), model.EpisodeEpoch.Format(time.RFC3339))
	}
	if p.HappenedAt.After(now) {
		return fmt.Errorf("%w: happened_at %s is in the future", ErrValidation, p.HappenedAt.Format(time.RFC3339))
	}
	if p.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrValidation)
	}
	if p.Importance == 0 {
		p.Importance = defaultImportance
	}
	if !model.ValidImportance(p.Importance) {
		return fmt.Errorf("%w: importance %d out of range 1-10", ErrValidation, p.Importance)
	}
	if p.MemoryStrength == 0 {
		p.MemoryStrength = defaultImportance
	}
	if !model.ValidImportance(p.MemoryStrength) {
		return fmt.Errorf("%w: memory_strength %d out of range 1-10", ErrValidation, p.MemoryStrength)
	}
	p.Participants = model.NormalizeSet(p.Participants)
	if len(p.Participants) == 0 {
		p.Participants = append([]string(nil), model.DefaultParticipants...)
	}
	p.RelatedEpisodes = model.NormalizeSet(p.RelatedEpisodes)
	p.RelatedKnowledge = model.NormalizeSet(p.RelatedKnowledge)
	p.SourceWorkingIDs = model.NormalizeSet(p.SourceWorkingIDs)
	p.EmotionalTags = model.NormalizeSet(p.EmotionalTags)
	return nil
}

// KnowledgeParams holds one piece of evidence for a knowledge item.
type KnowledgeParams struct {
	EpisodeID   string
	Type        model.KnowledgeType
	Key         string
	Value       json.RawMessage
	Description string
	Examples    []string
	Importance  int // 0 means 5; only used when the item is created
}

// Validate checks and normalizes p in place.
func (p *KnowledgeParams) Validate() error {
	p.EpisodeID = strings.TrimSpace(p.EpisodeID)
	if p.EpisodeID == "" {
		return fmt.Errorf("%w: episode id is required", ErrValidation)
	}
	if !model.ValidKnowledgeTypes[p.Type] {
		return fmt.Errorf("%w: invalid knowledge type %q", ErrValidation, p.Type)
	}
	p.Key = strings.TrimSpace(p.Key)
	if p.Key == "" {
		return fmt.Errorf("%w: knowledge key is required", ErrValidation)
	}
	v := strings.TrimSpace(string(p.Value))
	if v == "" || v == "null" || v == "{}" || v == `""` || v == "[]" {
		return fmt.Errorf("%w: value is required", ErrValidation)
	}
	if !json.Valid([]byte(v)) {
		return fmt.Errorf("%w: value is not valid JSON", ErrValidation)
	}
	p.Value = json.RawMessage(v)
	if p.Importance == 0 {
		p.Importance = defaultImportance
	}
	if !model.ValidImportance(p.Importance) {
		return fmt.Errorf("%w: importance %d out of range 1-10", ErrValidation, p.Importance)
	}
	p.Examples = model.NormalizeSet(p.Examples)
	return nil
}

// SessionQuery selects live working entries of one session.
type SessionQuery struct {
	SessionID string
	Now       time.Time
	Limit     int
}

// PromotableQuery selects working entries eligible for promotion.
type PromotableQuery struct {
	SessionID     string // empty means all sessions
	MinImportance int    // 0 means model.PromotionThreshold
	Now           time.Time
	Limit         int

	// AfterCreatedAt and AfterID resume listing strictly after the entry
	// (created_at, id) returned last. Zero values start from the oldest.
	AfterCreatedAt time.Time
	AfterID        string
}

// EpisodeQuery filters episodes. Zero-valued fields do not filter.
type EpisodeQuery struct {
	From            time.Time
	To              time.Time
	Topic           string
	Emotion         string
	IncludeArchived bool
	Limit           int
}

// KnowledgeQuery filters active knowledge.
type KnowledgeQuery struct {
	Type          model.KnowledgeType // empty means all types
	MinConfidence float64
	Limit         int
}

// Validate checks q.
func (q *KnowledgeQuery) Validate() error {
	if q.Type != "" && !model.ValidKnowledgeTypes[q.Type] {
		return fmt.Errorf("%w: invalid knowledge type %q", ErrValidation, q.Type)
	}
	if q.MinConfidence < 0 || q.MinConfidence > 1 {
		return fmt.Errorf("%w: min confidence %v out of range 0-1", ErrValidation, q.MinConfidence)
	}
	return nil
}

// PayloadQuery selects record payloads for the external similarity indexer.
type PayloadQuery struct {
	Tier  model.Tier
	Since time.Time
	Limit int
}

// Payload is the indexable text of one record.
type Payload struct {
	Tier      model.Tier `json:"tier"`
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Snapshot is a full export of all three tiers.
type Snapshot struct {
	ExportedAt time.Time            `json:"exported_at"`
	Working    []model.WorkingEntry `json:"working"`
	Episodes   []model.Episode      `json:"episodes"`
	Knowledge  []model.Knowledge    `json:"knowledge"`
}

// Store defines the three-tier memory storage interface. Implementations
// must be safe for concurrent use by several processes sharing one backend.
type Store interface {
	// Write stores a new working memory entry.
	Write(ctx context.Context, p WriteParams) (*model.WorkingEntry, error)

	// GetEntry returns a working entry by id, expired or not.
	GetEntry(ctx context.Context, id string) (*model.WorkingEntry, error)

	// ListSession returns entries of a session with expires_at > q.Now,
	// importance descending then newest first.
	ListSession(ctx context.Context, q SessionQuery) ([]model.WorkingEntry, error)

	// ListPromotable returns live entries at or above the importance
	// threshold that no episode references yet, oldest first.
	ListPromotable(ctx context.Context, q PromotableQuery) ([]model.WorkingEntry, error)

	// DeleteExpired deletes up to batch entries with expires_at < now.
	DeleteExpired(ctx context.Context, now time.Time, batch int) (int, error)

	// RecordEpisode stores an episode that bypasses the working tier.
	// happened_at is checked against now.
	RecordEpisode(ctx context.Context, p EpisodeParams, now time.Time) (*model.Episode, error)

	// PromoteWorking atomically creates an episode from p.SourceWorkingIDs.
	// It fails with ErrConflict when any source entry is already referenced
	// by an episode and with ErrNotFound when any has expired at now or
	// vanished.
	PromoteWorking(ctx context.Context, p EpisodeParams, now time.Time) (*model.Episode, error)

	// GetEpisode returns an episode by id. An archived episode is
	// ErrInvalidState unless includeArchived is set.
	GetEpisode(ctx context.Context, id string, includeArchived bool) (*model.Episode, error)

	// QueryEpisodes returns episodes matching q, importance descending then
	// most recent first.
	QueryEpisodes(ctx context.Context, q EpisodeQuery) ([]model.Episode, error)

	// RecordRecall increments recall_count and sets last_recalled_at.
	RecordRecall(ctx context.Context, id string, now time.Time) (*model.Episode, error)

	// ArchiveEpisodes archives up to batch non-archived episodes that
	// happened before cutoff and are below the exempt importance.
	ArchiveEpisodes(ctx context.Context, cutoff, now time.Time, batch int) (int, error)

	// ArchiveEpisode archives one episode regardless of age or importance.
	ArchiveEpisode(ctx context.Context, id string, now time.Time) (*model.Episode, error)

	// UnarchiveEpisode returns an archived episode to default recall.
	UnarchiveEpisode(ctx context.Context, id string) (*model.Episode, error)

	// UpsertKnowledge atomically inserts a new active knowledge item for
	// (type, key) or adds p.EpisodeID as evidence to the existing one.
	// created reports which branch ran.
	UpsertKnowledge(ctx context.Context, p KnowledgeParams, now time.Time) (k *model.Knowledge, created bool, err error)

	// GetKnowledge returns a knowledge item by id, active or not.
	GetKnowledge(ctx context.Context, id string) (*model.Knowledge, error)

	// KnowledgeByType returns active knowledge with confidence >= q.MinConfidence,
	// confidence descending then most recently updated first.
	KnowledgeByType(ctx context.Context, q KnowledgeQuery) ([]model.Knowledge, error)

	// Supersede marks oldID as replaced by newID and deactivates it.
	Supersede(ctx context.Context, oldID, newID string, now time.Time) (*model.Knowledge, error)

	// MarkContradiction records that a and b contradict each other.
	MarkContradiction(ctx context.Context, aID, bID string, now time.Time) error

	// FindContradictions returns active knowledge with at least one
	// contradiction, most contradicted first.
	FindContradictions(ctx context.Context, t model.KnowledgeType, limit int) ([]model.Knowledge, error)

	// RecordAccess increments access_count and sets last_accessed_at.
	RecordAccess(ctx context.Context, id string, now time.Time) error

	// Stats returns per-tier counts.
	Stats(ctx context.Context) (*Stats, error)

	// ExportAll returns every record of every tier.
	ExportAll(ctx context.Context) (*Snapshot, error)

	// Payloads returns indexable text for records of one tier.
	Payloads(ctx context.Context, q PayloadQuery) ([]Payload, error)

	// Close closes the store.
	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

func batchOrDefault(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}
