package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/memtier/internal/consolidation"
	"github.com/rcliao/memtier/internal/logging"
	"github.com/rcliao/memtier/internal/store"
	"github.com/rcliao/memtier/internal/sweep"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sweeps and promotion in the background and expose metrics",
		Long: "Run the expiry and archival sweeps and periodic promotion until interrupted. " +
			"Serves /metrics, /healthz and /stats on metrics.addr.",
		Run: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default: metrics.addr)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := setupWithRegistry(cmd, reg)
	defer e.Close()

	if addr == "" {
		addr = e.cfg.Metrics.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := e.sweepOptions()
	sched := sweep.NewScheduler(
		sweep.NewExpiryManager(e.store, opts),
		sweep.NewArchivalManager(e.store, opts),
		sweep.SchedulerConfig{
			ExpiryInterval:   e.cfg.Sweep.ExpiryInterval,
			ArchivalInterval: e.cfg.Sweep.ArchivalInterval,
			ArchiveAfterDays: e.cfg.Sweep.ArchiveAfterDays,
		},
		e.logger, e.metrics)

	done := make(chan struct{}, 2)
	go func() {
		sched.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		promoteLoop(ctx, e.engine(""), e.cfg.Consolidation.Interval, e.logger)
		done <- struct{}{}
	}()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(e.store, reg, e.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		e.logger.Info("memtier listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	e.logger.Info("Shutting down memtier...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-done
	<-done
}

// promoteLoop promotes all sessions every interval. A non-positive
// interval disables it.
func promoteLoop(ctx context.Context, engine *consolidation.Engine, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := engine.PromoteEligible(ctx, ""); err != nil && ctx.Err() == nil {
			logger.Error("Promotion failed, retrying next tick", zap.Error(err))
		}
	}
}

func newRouter(s store.Store, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	logger = logging.OrNop(logger)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.Stats(r.Context()); err != nil {
			logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
