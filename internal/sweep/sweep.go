// Package sweep runs the periodic, idempotent maintenance passes over the
// memory tiers: working entry expiry and episode archival.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rcliao/memtier/internal/logging"
	"github.com/rcliao/memtier/internal/metrics"
	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

// Expirer deletes one chunk of expired working entries.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time, batch int) (int, error)
}

// Archiver archives one chunk of aged episodes.
type Archiver interface {
	ArchiveEpisodes(ctx context.Context, cutoff, now time.Time, batch int) (int, error)
}

// Options configures both sweeps.
type Options struct {
	// BatchSize bounds the rows touched per statement. Default store.DefaultBatchSize.
	BatchSize int

	// BatchRate limits chunks per second. Zero means unlimited.
	BatchRate float64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = store.DefaultBatchSize
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Metrics == nil {
		o.Metrics = metrics.Nop()
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.BatchRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(o.BatchRate), 1)
}

// chunked calls step until it returns a short chunk, an error, or ctx is
// done. Every completed chunk is committed, so an interrupted run is
// resumed by simply running again.
func chunked(ctx context.Context, lim *rate.Limiter, batch int, step func() (int, error)) (int, error) {
	total := 0
	for {
		if err := lim.Wait(ctx); err != nil {
			return total, err
		}
		n, err := step()
		total += n
		if err != nil {
			return total, err
		}
		if n < batch {
			return total, nil
		}
	}
}

// ExpiryManager deletes working entries whose expires_at has passed.
type ExpiryManager struct {
	store Expirer
	opts  Options
	lim   *rate.Limiter
}

// NewExpiryManager creates an ExpiryManager over s.
func NewExpiryManager(s Expirer, opts Options) *ExpiryManager {
	opts = opts.withDefaults()
	return &ExpiryManager{store: s, opts: opts, lim: opts.limiter()}
}

// Sweep deletes every working entry with expires_at < now and returns how
// many were deleted. It only deletes; nothing is promoted.
func (m *ExpiryManager) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	n, err := chunked(ctx, m.lim, m.opts.BatchSize, func() (int, error) {
		n, err := m.store.DeleteExpired(ctx, now, m.opts.BatchSize)
		m.opts.Metrics.Expired.Add(float64(n))
		return n, err
	})
	if err != nil {
		return n, fmt.Errorf("expiry sweep: %w", err)
	}
	m.opts.Logger.Info("Expiry sweep finished",
		zap.Int("deleted", n), zap.Duration("took", time.Since(start)))
	return n, nil
}

// ArchivalManager archives aged, low-importance episodes.
type ArchivalManager struct {
	store Archiver
	opts  Options
	lim   *rate.Limiter
}

// NewArchivalManager creates an ArchivalManager over s.
func NewArchivalManager(s Archiver, opts Options) *ArchivalManager {
	opts = opts.withDefaults()
	return &ArchivalManager{store: s, opts: opts, lim: opts.limiter()}
}

// ArchiveOlderThan archives every non-archived episode that happened more
// than days before now and has importance below model.ArchiveExemptImportance.
func (m *ArchivalManager) ArchiveOlderThan(ctx context.Context, days int, now time.Time) (int, error) {
	if days < 1 {
		return 0, fmt.Errorf("%w: archive age must be at least 1 day, got %d", store.ErrValidation, days)
	}
	cutoff := now.AddDate(0, 0, -days)
	start := time.Now()
	n, err := chunked(ctx, m.lim, m.opts.BatchSize, func() (int, error) {
		n, err := m.store.ArchiveEpisodes(ctx, cutoff, now, m.opts.BatchSize)
		m.opts.Metrics.Archived.Add(float64(n))
		return n, err
	})
	if err != nil {
		return n, fmt.Errorf("archival sweep: %w", err)
	}
	m.opts.Logger.Info("Archival sweep finished",
		zap.Int("archived", n),
		zap.Int("days", days),
		zap.Int("exempt_importance", model.ArchiveExemptImportance),
		zap.Duration("took", time.Since(start)))
	return n, nil
}
