// Package recall is the read side of the memory tiers. Reads never touch
// recall statistics; callers record a recall explicitly with RecordRecall.
package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memtier/internal/logging"
	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/similarity"
	"github.com/rcliao/memtier/internal/store"
)

// Options filters episode recall.
type Options struct {
	Limit           int // <= 0 means store.DefaultLimit
	IncludeArchived bool
}

// Service answers recall queries against a store and, when configured,
// an external similarity lookup.
type Service struct {
	store  store.Store
	lookup similarity.Lookup
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLookup enables RecallSimilar.
func WithLookup(l similarity.Lookup) Option {
	return func(s *Service) { s.lookup = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecallBySession returns the live working entries of a session.
func (s *Service) RecallBySession(ctx context.Context, sessionID string, limit int) ([]model.WorkingEntry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", store.ErrValidation)
	}
	return s.store.ListSession(ctx, store.SessionQuery{SessionID: sessionID, Now: s.now().UTC(), Limit: limit})
}

// RecallByTimeRange returns episodes that happened within [from, to].
// A zero bound is open.
func (s *Service) RecallByTimeRange(ctx context.Context, from, to time.Time, opts Options) ([]model.Episode, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: time range ends before it starts", store.ErrValidation)
	}
	return s.store.QueryEpisodes(ctx, store.EpisodeQuery{
		From: from, To: to, IncludeArchived: opts.IncludeArchived, Limit: opts.Limit,
	})
}

// RecallByEmotion returns episodes with the given emotion.
func (s *Service) RecallByEmotion(ctx context.Context, emotion string, opts Options) ([]model.Episode, error) {
	emotion = strings.TrimSpace(emotion)
	if emotion == "" {
		return nil, fmt.Errorf("%w: emotion is required", store.ErrValidation)
	}
	return s.store.QueryEpisodes(ctx, store.EpisodeQuery{
		Emotion: emotion, IncludeArchived: opts.IncludeArchived, Limit: opts.Limit,
	})
}

// RecallByTopic returns episodes with the given topic.
func (s *Service) RecallByTopic(ctx context.Context, topic string, opts Options) ([]model.Episode, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", store.ErrValidation)
	}
	return s.store.QueryEpisodes(ctx, store.EpisodeQuery{
		Topic: topic, IncludeArchived: opts.IncludeArchived, Limit: opts.Limit,
	})
}

// GetEpisode returns one episode. Archived episodes need includeArchived.
func (s *Service) GetEpisode(ctx context.Context, id string, includeArchived bool) (*model.Episode, error) {
	return s.store.GetEpisode(ctx, id, includeArchived)
}

// GetKnowledgeByType returns active knowledge of type t (all types when
// empty) with confidence at least minConfidence.
func (s *Service) GetKnowledgeByType(ctx context.Context, t model.KnowledgeType, minConfidence float64, limit int) ([]model.Knowledge, error) {
	return s.store.KnowledgeByType(ctx, store.KnowledgeQuery{Type: t, MinConfidence: minConfidence, Limit: limit})
}

// RecordRecall marks an episode as recalled now.
func (s *Service) RecordRecall(ctx context.Context, episodeID string) (*model.Episode, error) {
	return s.store.RecordRecall(ctx, episodeID, s.now().UTC())
}

// FindContradictions returns contradiction candidates, most contradicted first.
func (s *Service) FindContradictions(ctx context.Context, t model.KnowledgeType, limit int) ([]model.Knowledge, error) {
	if t != "" && !model.ValidKnowledgeTypes[t] {
		return nil, fmt.Errorf("%w: invalid knowledge type %q", store.ErrValidation, t)
	}
	return s.store.FindContradictions(ctx, t, limit)
}

// Match is one similarity hit hydrated from the store. Exactly one of
// Working, Episode and Knowledge is set.
type Match struct {
	Tier      model.Tier          `json:"tier"`
	ID        string              `json:"id"`
	Score     float64             `json:"score"`
	Working   *model.WorkingEntry `json:"working,omitempty"`
	Episode   *model.Episode      `json:"episode,omitempty"`
	Knowledge *model.Knowledge    `json:"knowledge,omitempty"`
}

// RecallSimilar asks the similarity lookup for records near text and
// loads them, keeping the lookup's order. Hits that are gone, expired,
// archived or inactive are dropped. An empty tier searches all tiers.
func (s *Service) RecallSimilar(ctx context.Context, text string, tier model.Tier, limit int) ([]Match, error) {
	if s.lookup == nil {
		return nil, similarity.ErrNotConfigured
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", store.ErrValidation)
	}
	if tier != "" && !model.ValidTiers[tier] {
		return nil, fmt.Errorf("%w: invalid tier %q", store.ErrValidation, tier)
	}
	if limit <= 0 {
		limit = store.DefaultLimit
	}

	hits, err := s.lookup.Nearest(ctx, similarity.Query{Text: text, Tier: tier, Limit: limit})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	seen := make(map[string]bool, len(hits))
	var out []Match
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		if tier != "" && h.Tier != tier {
			continue
		}
		k := string(h.Tier) + "/" + h.ID
		if seen[k] {
			continue
		}
		seen[k] = true

		m, err := s.hydrate(ctx, h, now)
		if err != nil {
			return nil, err
		}
		if m == nil {
			s.logger.Debug("Dropped stale similarity hit", zap.String("tier", string(h.Tier)), zap.String("id", h.ID))
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// hydrate returns nil, nil for a hit that is no longer recallable.
func (s *Service) hydrate(ctx context.Context, h similarity.Hit, now time.Time) (*Match, error) {
	m := &Match{Tier: h.Tier, ID: h.ID, Score: h.Score}
	var err error
	switch h.Tier {
	case model.TierWorking:
		m.Working, err = s.store.GetEntry(ctx, h.ID)
		if err == nil && m.Working.Expired(now) {
			return nil, nil
		}
	case model.TierEpisodic:
		m.Episode, err = s.store.GetEpisode(ctx, h.ID, false)
	case model.TierSemantic:
		m.Knowledge, err = s.store.GetKnowledge(ctx, h.ID)
		if err == nil && !m.Knowledge.IsActive {
			return nil, nil
		}
	default:
		return nil, nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidState) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
