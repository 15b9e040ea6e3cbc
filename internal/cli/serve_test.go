package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memtier/internal/consolidation"
	"github.com/rcliao/memtier/internal/metrics"
	"github.com/rcliao/memtier/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouter(t *testing.T) {
	s := newStore(t)
	_, err := s.Write(context.Background(), store.WriteParams{SessionID: "s1", Content: "hello"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Expired.Add(3)

	srv := httptest.NewServer(newRouter(s, reg, zaptest.NewLogger(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var stats store.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.Working.Total)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "memtier_working_expired_total 3")
}

type brokenStore struct{ store.Store }

func (brokenStore) Stats(context.Context) (*store.Stats, error) {
	return nil, errors.New("database is locked")
}

func TestHealthzUnavailable(t *testing.T) {
	srv := httptest.NewServer(newRouter(brokenStore{}, prometheus.NewRegistry(), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPromoteLoop(t *testing.T) {
	s := newStore(t)
	_, err := s.Write(context.Background(), store.WriteParams{SessionID: "s1", Content: "big news", Importance: 9})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		promoteLoop(ctx, consolidation.New(s, consolidation.Options{}), 10*time.Millisecond, zaptest.NewLogger(t))
		close(done)
	}()

	require.Eventually(t, func() bool {
		eps, err := s.QueryEpisodes(context.Background(), store.EpisodeQuery{})
		return err == nil && len(eps) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}
