package sweep

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memtier/internal/metrics"
	"github.com/rcliao/memtier/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeStore hands out chunks from a fixed pool of rows.
type fakeStore struct {
	mu      sync.Mutex
	rows    int
	calls   int
	failOn  int
	batches []int
}

func (f *fakeStore) take(batch int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, batch)
	if f.failOn > 0 && f.calls == f.failOn {
		return 0, errors.New("disk on fire")
	}
	n := batch
	if f.rows < n {
		n = f.rows
	}
	f.rows -= n
	return n, nil
}

func (f *fakeStore) DeleteExpired(_ context.Context, _ time.Time, batch int) (int, error) {
	return f.take(batch)
}

func (f *fakeStore) ArchiveEpisodes(_ context.Context, _, _ time.Time, batch int) (int, error) {
	return f.take(batch)
}

func TestExpirySweepChunks(t *testing.T) {
	f := &fakeStore{rows: 25}
	m := metrics.Nop()
	em := NewExpiryManager(f, Options{BatchSize: 10, Metrics: m, Logger: zaptest.NewLogger(t)})

	n, err := em.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, 25.0, testutil.ToFloat64(m.Expired))
}

func TestExpirySweepExactMultiple(t *testing.T) {
	f := &fakeStore{rows: 20}
	em := NewExpiryManager(f, Options{BatchSize: 10})

	n, err := em.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	// The third call returns an empty chunk and ends the loop.
	assert.Equal(t, 3, f.calls)
}

func TestExpirySweepPartialFailure(t *testing.T) {
	f := &fakeStore{rows: 50, failOn: 2}
	em := NewExpiryManager(f, Options{BatchSize: 10})

	n, err := em.Sweep(context.Background(), time.Now())
	require.Error(t, err)
	assert.Equal(t, 10, n, "the committed chunk is reported")

	// Re-running resumes from the remaining rows.
	n, err = em.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestSweepCancelled(t *testing.T) {
	f := &fakeStore{rows: 100}
	em := NewExpiryManager(f, Options{BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := em.Sweep(ctx, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
	assert.Equal(t, 100, f.rows)
}

func TestArchiveOlderThanValidation(t *testing.T) {
	am := NewArchivalManager(&fakeStore{}, Options{})
	_, err := am.ArchiveOlderThan(context.Background(), 0, time.Now())
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSweepsAgainstStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 7; i++ {
		_, err := s.Write(ctx, store.WriteParams{
			SessionID: "s", Content: "stale", CreatedAt: now.Add(-3 * time.Hour), TTL: time.Hour,
		})
		require.NoError(t, err)
	}
	live, err := s.Write(ctx, store.WriteParams{SessionID: "s", Content: "fresh"})
	require.NoError(t, err)

	old := now.AddDate(0, 0, -120)
	low, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "low", HappenedAt: old, Importance: 7}, time.Now())
	require.NoError(t, err)
	high, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "high", HappenedAt: old, Importance: 8}, time.Now())
	require.NoError(t, err)

	em := NewExpiryManager(s, Options{BatchSize: 3})
	n, err := em.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	entries, err := s.ListSession(ctx, store.SessionQuery{SessionID: "s", Now: now})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, live.ID, entries[0].ID)

	am := NewArchivalManager(s, Options{BatchSize: 3})
	n, err = am.ArchiveOlderThan(ctx, 90, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetEpisode(ctx, low.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	got, err = s.GetEpisode(ctx, high.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Archived)

	n, err = am.ArchiveOlderThan(ctx, 90, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentSweepsAreSafe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 20; i++ {
		_, err := s.Write(ctx, store.WriteParams{
			SessionID: "s", Content: "stale", CreatedAt: now.Add(-3 * time.Hour), TTL: time.Hour,
		})
		require.NoError(t, err)
	}

	em1 := NewExpiryManager(s, Options{BatchSize: 4})
	em2 := NewExpiryManager(s, Options{BatchSize: 4})
	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, em := range []*ExpiryManager{em1, em2} {
		wg.Add(1)
		go func(i int, em *ExpiryManager) {
			defer wg.Done()
			n, err := em.Sweep(ctx, now)
			assert.NoError(t, err)
			counts[i] = n
		}(i, em)
	}
	wg.Wait()

	assert.Equal(t, 20, counts[0]+counts[1])
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Working.Total)
}
