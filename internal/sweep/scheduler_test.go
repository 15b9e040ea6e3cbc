package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memtier/internal/metrics"
)

type flakyStore struct {
	calls atomic.Int32
}

func (f *flakyStore) DeleteExpired(context.Context, time.Time, int) (int, error) {
	if f.calls.Add(1) == 1 {
		return 0, assert.AnError
	}
	return 0, nil
}

func (f *flakyStore) ArchiveEpisodes(context.Context, time.Time, time.Time, int) (int, error) {
	return 0, nil
}

func TestSchedulerRetriesOnNextTick(t *testing.T) {
	f := &flakyStore{}
	m := metrics.Nop()
	logger := zaptest.NewLogger(t)
	opts := Options{Logger: logger, Metrics: m}

	sched := NewScheduler(
		NewExpiryManager(f, opts),
		NewArchivalManager(f, opts),
		SchedulerConfig{ExpiryInterval: 10 * time.Millisecond, ArchivalInterval: time.Hour},
		logger, m,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepErrors.WithLabelValues("expiry")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SweepErrors.WithLabelValues("archival")))
}

func TestSchedulerDefaults(t *testing.T) {
	f := &flakyStore{}
	sched := NewScheduler(NewExpiryManager(f, Options{}), NewArchivalManager(f, Options{}), SchedulerConfig{}, nil, nil)
	assert.Equal(t, DefaultExpiryInterval, sched.cfg.ExpiryInterval)
	assert.Equal(t, DefaultArchivalInterval, sched.cfg.ArchivalInterval)
	assert.Equal(t, 90, sched.cfg.ArchiveAfterDays)
}
