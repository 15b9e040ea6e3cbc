package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memtier/internal/metrics"
	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func write(t *testing.T, s store.Store, p store.WriteParams) *model.WorkingEntry {
	t.Helper()
	w, err := s.Write(context.Background(), p)
	require.NoError(t, err)
	return w
}

func TestPromoteEligible(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m := metrics.New(nil)
	e := New(s, Options{Logger: zaptest.NewLogger(t), Metrics: m})

	hi := write(t, s, store.WriteParams{SessionID: "s1", Content: "user got the job offer", Importance: 9, Emotion: "joy", Speaker: "user"})
	write(t, s, store.WriteParams{SessionID: "s1", Content: "small talk", Importance: 3})
	other := write(t, s, store.WriteParams{SessionID: "s2", Content: "moved to Lisbon", Importance: 7})

	eps, err := e.PromoteEligible(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	ep := eps[0]
	assert.Equal(t, []string{hi.ID}, ep.SourceWorkingIDs)
	assert.Equal(t, "user got the job offer", ep.Summary)
	assert.Equal(t, 9, ep.Importance)
	assert.Equal(t, "joy", ep.Emotion)
	assert.Equal(t, []string{"user"}, ep.Participants)
	assert.Equal(t, "s1", ep.RetrievalCues["session_id"])

	// Idempotent.
	again, err := e.PromoteEligible(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, again)

	all, err := e.PromoteEligible(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{other.ID}, all[0].SourceWorkingIDs)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Promoted))
}

func TestPromoteEligibleByTopic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := New(s, Options{Grouper: GroupByTopic})

	base := time.Now().Add(-time.Hour).UTC()
	a := write(t, s, store.WriteParams{SessionID: "s1", Content: "booked flights", Topic: "Trip", Importance: 8, CreatedAt: base})
	b := write(t, s, store.WriteParams{SessionID: "s1", Content: "found a hotel", Topic: "trip", Importance: 7, CreatedAt: base.Add(10 * time.Minute)})
	c := write(t, s, store.WriteParams{SessionID: "s1", Content: "no topic here", Importance: 7, CreatedAt: base.Add(20 * time.Minute)})

	eps, err := e.PromoteEligible(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, eps, 2)

	byFirst := map[string]model.Episode{}
	for _, ep := range eps {
		byFirst[ep.SourceWorkingIDs[0]] = ep
	}
	trip := byFirst[a.ID]
	assert.ElementsMatch(t, []string{a.ID, b.ID}, trip.SourceWorkingIDs)
	assert.Equal(t, "Trip", trip.Title)
	assert.Equal(t, 8, trip.Importance)
	assert.Equal(t, 10*time.Minute, trip.Duration)
	assert.Contains(t, trip.FullContent, "found a hotel")
	assert.WithinDuration(t, base, trip.HappenedAt, time.Millisecond)

	assert.Equal(t, []string{c.ID}, byFirst[c.ID].SourceWorkingIDs)
}

func TestPromoteEligiblePaginates(t *testing.T) {
	s := newStore(t)
	e := New(s, Options{PageSize: 2})
	for i := 0; i < 5; i++ {
		write(t, s, store.WriteParams{SessionID: "s1", Content: fmt.Sprintf("event %d", i), Importance: 8})
	}
	eps, err := e.PromoteEligible(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, eps, 5)
}

// vanishingStore lets the expiry sweep of a host with a later clock run
// between listing and promotion.
type vanishingStore struct {
	store.Store
}

func (v vanishingStore) PromoteWorking(ctx context.Context, p store.EpisodeParams, now time.Time) (*model.Episode, error) {
	if _, err := v.DeleteExpired(ctx, now.Add(48*time.Hour), 0); err != nil {
		return nil, err
	}
	return v.Store.PromoteWorking(ctx, p, now)
}

func TestPromoteEligibleSkipsExpired(t *testing.T) {
	s := newStore(t)
	m := metrics.New(nil)
	e := New(vanishingStore{s}, Options{Metrics: m})

	write(t, s, store.WriteParams{SessionID: "s1", Content: "fleeting", Importance: 9, TTL: time.Hour})

	eps, err := e.PromoteEligible(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, eps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PromotionSkipped.WithLabelValues("expired")))
}

func TestPromoteEligibleUsesEngineClock(t *testing.T) {
	s := newStore(t)
	// Expired by wall clock, live by the engine's lagging clock.
	lag := time.Now().Add(-90 * time.Minute)
	e := New(s, Options{PageSize: 1, Now: func() time.Time { return lag }})

	w := write(t, s, store.WriteParams{SessionID: "s1", Content: "fleeting", Importance: 9,
		CreatedAt: time.Now().Add(-2 * time.Hour), TTL: time.Hour})

	eps, err := e.PromoteEligible(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, []string{w.ID}, eps[0].SourceWorkingIDs)
}

// rejectBad builds an invalid episode for entries whose content is "bad".
func rejectBad(group []model.WorkingEntry) store.EpisodeParams {
	p := DefaultEpisode(group)
	if group[0].Content == "bad" {
		p.Importance = 11
	}
	return p
}

func TestPromoteEligibleSkipsInvalid(t *testing.T) {
	s := newStore(t)
	m := metrics.New(nil)
	e := New(s, Options{PageSize: 1, Builder: rejectBad, Metrics: m, Logger: zaptest.NewLogger(t)})

	base := time.Now().Add(-time.Hour).UTC()
	write(t, s, store.WriteParams{SessionID: "s1", Content: "bad", Importance: 9, CreatedAt: base})
	good := write(t, s, store.WriteParams{SessionID: "s1", Content: "good", Importance: 9, CreatedAt: base.Add(time.Minute)})

	for pass := 0; pass < 2; pass++ {
		eps, err := e.PromoteEligible(context.Background(), "s1")
		require.NoError(t, err)
		if pass == 0 {
			require.Len(t, eps, 1)
			assert.Equal(t, []string{good.ID}, eps[0].SourceWorkingIDs)
		} else {
			assert.Empty(t, eps)
		}
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PromotionSkipped.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Promoted))
}

func TestPromoteEligibleFullPagesOfSkips(t *testing.T) {
	s := newStore(t)
	m := metrics.New(nil)
	e := New(conflictStore{s}, Options{PageSize: 2, Metrics: m})

	for i := 0; i < 4; i++ {
		write(t, s, store.WriteParams{SessionID: "s1", Content: fmt.Sprintf("contested %d", i), Importance: 9})
	}
	eps, err := e.PromoteEligible(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, eps)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PromotionSkipped.WithLabelValues("conflict")))
}

// conflictStore loses every promotion race.
type conflictStore struct {
	store.Store
}

func (conflictStore) PromoteWorking(context.Context, store.EpisodeParams, time.Time) (*model.Episode, error) {
	return nil, fmt.Errorf("%w: source entries already promoted", store.ErrConflict)
}

func TestPromoteEligibleSkipsConflicts(t *testing.T) {
	s := newStore(t)
	m := metrics.New(nil)
	e := New(conflictStore{s}, Options{Metrics: m})

	write(t, s, store.WriteParams{SessionID: "s1", Content: "contested", Importance: 9})

	eps, err := e.PromoteEligible(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, eps)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PromotionSkipped.WithLabelValues("conflict")))
}

func TestPromoteEligibleConcurrentWorkers(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 10; i++ {
		write(t, s, store.WriteParams{SessionID: "s1", Content: fmt.Sprintf("event %d", i), Importance: 8})
	}

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eps, err := New(s, Options{}).PromoteEligible(context.Background(), "s1")
			assert.NoError(t, err)
			mu.Lock()
			total += len(eps)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, total, "every entry promoted exactly once")
	eps, err := s.QueryEpisodes(context.Background(), store.EpisodeQuery{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, eps, 10)
}

func TestConsolidate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m := metrics.New(nil)
	e := New(s, Options{Metrics: m})

	ep1, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "ordered an oat latte"}, time.Now())
	require.NoError(t, err)
	ep2, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "oat latte again"}, time.Now())
	require.NoError(t, err)

	value := json.RawMessage(`{"drink":"oat latte"}`)
	k, created, err := e.Consolidate(ctx, ep1.ID, model.KnowledgePreference, "coffee", value, "usual order")
	require.NoError(t, err)
	assert.True(t, created)
	assert.InDelta(t, 0.6, k.Confidence, 1e-9)

	k2, created, err := e.Consolidate(ctx, ep2.ID, model.KnowledgePreference, "coffee", value, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, k.ID, k2.ID)
	assert.InDelta(t, 0.64, k2.Confidence, 1e-9)
	assert.Equal(t, 2, k2.EvidenceCount)

	// Replaying evidence changes nothing.
	k3, _, err := e.Consolidate(ctx, ep2.ID, model.KnowledgePreference, "coffee", value, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.64, k3.Confidence, 1e-9)
	assert.Equal(t, 2, k3.EvidenceCount)
	for _, got := range []*model.Knowledge{k, k2, k3} {
		assert.Empty(t, got.CheckInvariants())
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Consolidations.WithLabelValues("created")))
}

func TestConsolidateArchivedEvidence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := New(s, Options{})

	ep, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "old event"}, time.Now())
	require.NoError(t, err)
	_, err = s.ArchiveEpisode(ctx, ep.ID, time.Now())
	require.NoError(t, err)

	_, created, err := e.Consolidate(ctx, ep.ID, model.KnowledgeFact, "birthday", json.RawMessage(`"May 3"`), "")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestConsolidateErrors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := New(s, Options{})

	_, _, err := e.Consolidate(ctx, "missing", model.KnowledgeFact, "k", json.RawMessage(`1`), "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = e.Consolidate(ctx, "missing", model.KnowledgeType("opinion"), "k", json.RawMessage(`1`), "")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, _, err = e.Consolidate(ctx, "missing", model.KnowledgeFact, "k", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSupersedeAndContradiction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := New(s, Options{Logger: zaptest.NewLogger(t)})

	ep, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "conversation"}, time.Now())
	require.NoError(t, err)
	a, _, err := e.Consolidate(ctx, ep.ID, model.KnowledgeFact, "city", json.RawMessage(`"Porto"`), "")
	require.NoError(t, err)
	b, _, err := e.Consolidate(ctx, ep.ID, model.KnowledgeFact, "city-2025", json.RawMessage(`"Lisbon"`), "")
	require.NoError(t, err)

	require.NoError(t, e.MarkContradiction(ctx, a.ID, b.ID))
	got, err := s.GetKnowledge(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsVerification)
	assert.Equal(t, []string{b.ID}, got.ContradictsKnowledge)

	old, err := e.Supersede(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, b.ID, old.SupersededBy)
	assert.Empty(t, old.CheckInvariants())

	assert.ErrorIs(t, e.MarkContradiction(ctx, b.ID, b.ID), store.ErrValidation)
}

func TestDefaultEpisodeLongContent(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "lorem ipsum "
	}
	p := DefaultEpisode([]model.WorkingEntry{{ID: "w1", SessionID: "s", Content: long, Importance: 7, CreatedAt: time.Now()}})
	assert.LessOrEqual(t, len([]rune(p.Summary)), summaryLen)
	assert.Equal(t, long[:len(long)-1], p.FullContent)
	assert.NotEmpty(t, p.Title)
}
