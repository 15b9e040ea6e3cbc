package pgstore

import (
	"context"
	"errors"
	"flag"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

var (
	pgOnce    sync.Once
	pgDSN     string
	pgErr     error
	pgCleanup func()
)

func TestMain(m *testing.M) {
	flag.Parse()
	code := m.Run()
	if pgCleanup != nil {
		pgCleanup()
	}
	os.Exit(code)
}

// startPostgres starts one PostgreSQL testcontainer for the package.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("memtier_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, err
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return "", nil, err
	}
	return dsn, func() { _ = testcontainers.TerminateContainer(container) }, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL tests in short mode")
	}
	pgOnce.Do(func() {
		defer func() {
			// testcontainers panics when no Docker daemon is reachable.
			if r := recover(); r != nil {
				pgErr = errors.New("docker unavailable")
			}
		}()
		pgDSN, pgCleanup, pgErr = startPostgres(context.Background())
	})
	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}

	ctx := context.Background()
	s, err := New(ctx, pgDSN, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = s.db.Exec(ctx, `TRUNCATE working_entries, episodic_memories, semantic_memories`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPGWorkingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live, err := s.Write(ctx, store.WriteParams{SessionID: "s", Content: "live", Importance: 9, Tags: []string{"x"}})
	require.NoError(t, err)
	_, err = s.Write(ctx, store.WriteParams{
		SessionID: "s", Content: "old", CreatedAt: now.Add(-2 * time.Hour), TTL: time.Hour,
	})
	require.NoError(t, err)

	got, err := s.ListSession(ctx, store.SessionQuery{SessionID: "s", Now: now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, live.ID, got[0].ID)
	assert.Equal(t, []string{"x"}, got[0].Tags)

	n, err := s.DeleteExpired(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	promotable, err := s.ListPromotable(ctx, store.PromotableQuery{SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, promotable, 1)

	e, err := s.PromoteWorking(ctx, store.EpisodeParams{Summary: "live", SourceWorkingIDs: []string{live.ID}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{live.ID}, e.SourceWorkingIDs)

	_, err = s.PromoteWorking(ctx, store.EpisodeParams{Summary: "again", SourceWorkingIDs: []string{live.ID}}, time.Now())
	assert.ErrorIs(t, err, store.ErrConflict)

	promotable, err = s.ListPromotable(ctx, store.PromotableQuery{SessionID: "s"})
	require.NoError(t, err)
	assert.Empty(t, promotable)
}

func TestPGPromoteRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.Write(ctx, store.WriteParams{SessionID: "s", Content: "contested", Importance: 8})
	require.NoError(t, err)

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.PromoteWorking(ctx, store.EpisodeParams{Summary: "c", SourceWorkingIDs: []string{w.ID}}, time.Now())
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, ok)
}

func TestPGArchival(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -100)

	stale, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "stale", HappenedAt: old, Importance: 5}, time.Now())
	require.NoError(t, err)
	vital, err := s.RecordEpisode(ctx, store.EpisodeParams{Summary: "vital", HappenedAt: old, Importance: 9}, time.Now())
	require.NoError(t, err)

	n, err := s.ArchiveEpisodes(ctx, now.AddDate(0, 0, -90), now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetEpisode(ctx, stale.ID, false)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	got, err := s.GetEpisode(ctx, stale.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	assert.NotNil(t, got.ArchivedAt)

	_, err = s.RecordRecall(ctx, stale.ID, now)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	recalled, err := s.RecordRecall(ctx, vital.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, recalled.RecallCount)

	_, err = s.UnarchiveEpisode(ctx, stale.ID)
	require.NoError(t, err)
	_, err = s.UnarchiveEpisode(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestPGUpsertRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 8
	var wg sync.WaitGroup
	created := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			_, created[i], err = s.UpsertKnowledge(ctx, store.KnowledgeParams{
				EpisodeID: "ep" + string(rune('a'+i)),
				Type:      model.KnowledgePreference,
				Key:       "tea",
				Value:     []byte(`"green"`),
			}, now)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	inserts := 0
	for _, c := range created {
		if c {
			inserts++
		}
	}
	assert.Equal(t, 1, inserts)

	items, err := s.KnowledgeByType(ctx, store.KnowledgeQuery{Type: model.KnowledgePreference})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, workers, items[0].EvidenceCount)

	want := model.InitialConfidence
	for i := 1; i < workers; i++ {
		want = model.NextConfidence(want)
	}
	assert.InDelta(t, want, items[0].Confidence, 1e-9)
}

func TestPGSupersedeAndContradictions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	upsert := func(ep, key string) *model.Knowledge {
		k, _, err := s.UpsertKnowledge(ctx, store.KnowledgeParams{
			EpisodeID: ep, Type: model.KnowledgeFact, Key: key, Value: []byte(`1`),
		}, now)
		require.NoError(t, err)
		require.Empty(t, k.CheckInvariants())
		return k
	}
	a, b, c := upsert("e1", "a"), upsert("e2", "b"), upsert("e3", "c")

	require.NoError(t, s.MarkContradiction(ctx, a.ID, b.ID, now))
	require.NoError(t, s.MarkContradiction(ctx, a.ID, c.ID, now))
	found, err := s.FindContradictions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, a.ID, found[0].ID)

	old, err := s.Supersede(ctx, b.ID, a.ID, now)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, a.ID, old.SupersededBy)
	assert.Empty(t, old.CheckInvariants())

	fresh, created, err := s.UpsertKnowledge(ctx, store.KnowledgeParams{
		EpisodeID: "e9", Type: model.KnowledgeFact, Key: "b", Value: []byte(`2`),
	}, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, b.ID, fresh.ID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Semantic.Total)
	assert.Equal(t, 3, st.Semantic.Active)
}
