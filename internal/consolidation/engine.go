// Package consolidation moves memories up the tiers: working entries are
// promoted into episodes, and episodes are consolidated into knowledge.
package consolidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memtier/internal/logging"
	"github.com/rcliao/memtier/internal/metrics"
	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

// Options configures an Engine.
type Options struct {
	// MinImportance is the promotion threshold. Default model.PromotionThreshold.
	MinImportance int

	// PageSize bounds the entries read per promotion pass. Default store.DefaultBatchSize.
	PageSize int

	Grouper Grouper
	Builder EpisodeBuilder
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine runs promotion and knowledge consolidation against a store.
type Engine struct {
	store   store.Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an Engine.
func New(s store.Store, opts Options) *Engine {
	if opts.MinImportance <= 0 {
		opts.MinImportance = model.PromotionThreshold
	}
	if opts.PageSize <= 0 {
		opts.PageSize = store.DefaultBatchSize
	}
	if opts.Grouper == nil {
		opts.Grouper = GroupSingle
	}
	if opts.Builder == nil {
		opts.Builder = DefaultEpisode
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{store: s, opts: opts, logger: logging.OrNop(opts.Logger), metrics: m}
}

// PromoteEligible promotes every promotable working entry of sessionID
// (all sessions when empty) and returns the new episodes. Entries already
// promoted are never listed, so calling it again creates nothing new.
// A group that another worker promoted first, whose entries expired in
// the meantime, or that fails validation is skipped.
func (e *Engine) PromoteEligible(ctx context.Context, sessionID string) ([]model.Episode, error) {
	var out []model.Episode
	q := store.PromotableQuery{
		SessionID:     sessionID,
		MinImportance: e.opts.MinImportance,
		Limit:         e.opts.PageSize,
	}
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		q.Now = e.opts.Now().UTC()
		entries, err := e.store.ListPromotable(ctx, q)
		if err != nil {
			return out, fmt.Errorf("list promotable: %w", err)
		}

		for _, group := range e.opts.Grouper(entries) {
			if len(group) == 0 {
				continue
			}
			ep, err := e.promote(ctx, group, q.Now)
			if err != nil {
				return out, err
			}
			if ep != nil {
				out = append(out, *ep)
			}
		}

		if len(entries) < e.opts.PageSize {
			break
		}
		// Skipped entries may still be listable, so the next page starts
		// after the last one seen rather than at the oldest.
		last := entries[len(entries)-1]
		q.AfterCreatedAt, q.AfterID = last.CreatedAt, last.ID
	}

	if len(out) > 0 {
		e.logger.Info("Promoted working entries", zap.String("session_id", sessionID), zap.Int("episodes", len(out)))
	}
	return out, nil
}

func (e *Engine) promote(ctx context.Context, group []model.WorkingEntry, now time.Time) (*model.Episode, error) {
	p := e.opts.Builder(group)
	p.SourceWorkingIDs = make([]string, len(group))
	for i, w := range group {
		p.SourceWorkingIDs[i] = w.ID
	}

	ep, err := e.store.PromoteWorking(ctx, p, now)
	switch {
	case err == nil:
		e.metrics.Promoted.Inc()
		return ep, nil
	case errors.Is(err, store.ErrConflict):
		e.skip("conflict", p.SourceWorkingIDs, err)
		return nil, nil
	case errors.Is(err, store.ErrNotFound):
		e.skip("expired", p.SourceWorkingIDs, err)
		return nil, nil
	case errors.Is(err, store.ErrValidation):
		e.skip("invalid", p.SourceWorkingIDs, err)
		return nil, nil
	default:
		return nil, fmt.Errorf("promote %v: %w", p.SourceWorkingIDs, err)
	}
}

func (e *Engine) skip(reason string, ids []string, err error) {
	e.metrics.PromotionSkipped.WithLabelValues(reason).Inc()
	log := e.logger.Debug
	if reason == "invalid" {
		// Invalid groups stay listable until they expire.
		log = e.logger.Warn
	}
	log("Skipped promotion group",
		zap.String("reason", reason), zap.Strings("working_ids", ids), zap.Error(err))
}

// Consolidate adds episodeID as evidence for the active knowledge item
// (t, key), creating it when none exists. Archived episodes are valid
// evidence. Submitting the same episode twice for one key changes nothing.
func (e *Engine) Consolidate(ctx context.Context, episodeID string, t model.KnowledgeType, key string, value json.RawMessage, description string) (*model.Knowledge, bool, error) {
	return e.ConsolidateParams(ctx, store.KnowledgeParams{
		EpisodeID:   episodeID,
		Type:        t,
		Key:         key,
		Value:       value,
		Description: description,
	})
}

// ConsolidateParams is Consolidate with the optional examples and importance.
func (e *Engine) ConsolidateParams(ctx context.Context, p store.KnowledgeParams) (*model.Knowledge, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	if _, err := e.store.GetEpisode(ctx, p.EpisodeID, true); err != nil {
		return nil, false, fmt.Errorf("evidence episode: %w", err)
	}

	k, created, err := e.store.UpsertKnowledge(ctx, p, e.opts.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	branch := "updated"
	if created {
		branch = "created"
	}
	e.metrics.Consolidations.WithLabelValues(branch).Inc()
	e.logger.Debug("Consolidated knowledge",
		zap.String("id", k.ID), zap.String("key", k.Key), zap.String("branch", branch),
		zap.Float64("confidence", k.Confidence), zap.Int("evidence", k.EvidenceCount))
	return k, created, nil
}

// Supersede deactivates oldID in favour of newID.
func (e *Engine) Supersede(ctx context.Context, oldID, newID string) (*model.Knowledge, error) {
	k, err := e.store.Supersede(ctx, oldID, newID, e.opts.Now().UTC())
	if err != nil {
		return nil, err
	}
	e.logger.Info("Superseded knowledge", zap.String("old_id", oldID), zap.String("new_id", newID))
	return k, nil
}

// MarkContradiction records that aID and bID contradict each other and
// flags both for verification.
func (e *Engine) MarkContradiction(ctx context.Context, aID, bID string) error {
	if err := e.store.MarkContradiction(ctx, aID, bID, e.opts.Now().UTC()); err != nil {
		return err
	}
	e.logger.Info("Marked contradiction", zap.String("a", aID), zap.String("b", bID))
	return nil
}
