package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memtier/internal/logging"
	"github.com/rcliao/memtier/internal/metrics"
	"github.com/rcliao/memtier/internal/model"
)

const (
	DefaultExpiryInterval   = time.Hour
	DefaultArchivalInterval = 24 * time.Hour
)

// SchedulerConfig configures the sweep intervals.
type SchedulerConfig struct {
	ExpiryInterval   time.Duration
	ArchivalInterval time.Duration
	ArchiveAfterDays int
}

// Scheduler drives both sweeps on independent tickers. A failed sweep is
// logged and counted, then retried at the next tick.
type Scheduler struct {
	expiry   *ExpiryManager
	archival *ArchivalManager
	cfg      SchedulerConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewScheduler creates a Scheduler. Zero config fields take the defaults.
func NewScheduler(expiry *ExpiryManager, archival *ArchivalManager, cfg SchedulerConfig, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = DefaultExpiryInterval
	}
	if cfg.ArchivalInterval <= 0 {
		cfg.ArchivalInterval = DefaultArchivalInterval
	}
	if cfg.ArchiveAfterDays <= 0 {
		cfg.ArchiveAfterDays = model.DefaultArchiveAfterDays
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Scheduler{
		expiry:   expiry,
		archival: archival,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		metrics:  m,
		now:      time.Now,
	}
}

// RunExpirySweep runs one expiry sweep at the current time.
func (s *Scheduler) RunExpirySweep(ctx context.Context) (int, error) {
	return s.expiry.Sweep(ctx, s.now().UTC())
}

// RunArchivalSweep runs one archival sweep at the current time.
func (s *Scheduler) RunArchivalSweep(ctx context.Context, days int) (int, error) {
	return s.archival.ArchiveOlderThan(ctx, days, s.now().UTC())
}

// Run runs each sweep once immediately and then on its interval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Sweep scheduler started",
		zap.Duration("expiry_interval", s.cfg.ExpiryInterval),
		zap.Duration("archival_interval", s.cfg.ArchivalInterval),
		zap.Int("archive_after_days", s.cfg.ArchiveAfterDays))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, "expiry", s.cfg.ExpiryInterval, func() error {
			_, err := s.RunExpirySweep(ctx)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "archival", s.cfg.ArchivalInterval, func() error {
			_, err := s.RunArchivalSweep(ctx, s.cfg.ArchiveAfterDays)
			return err
		})
	}()
	wg.Wait()
	s.logger.Info("Sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, run func() error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := run(); err != nil && ctx.Err() == nil {
			s.metrics.SweepErrors.WithLabelValues(name).Inc()
			s.logger.Error("Sweep failed, retrying next tick",
				zap.String("sweep", name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
