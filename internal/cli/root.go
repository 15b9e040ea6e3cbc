// Package cli implements the memtier CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/memtier/internal/config"
	"github.com/rcliao/memtier/internal/consolidation"
	"github.com/rcliao/memtier/internal/logging"
	"github.com/rcliao/memtier/internal/metrics"
	"github.com/rcliao/memtier/internal/recall"
	"github.com/rcliao/memtier/internal/similarity"
	"github.com/rcliao/memtier/internal/store"
	"github.com/rcliao/memtier/internal/store/pgstore"
	"github.com/rcliao/memtier/internal/sweep"
)

var (
	configPath string
	dbPath     string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memtier",
	Short: "Three-tier memory for a long-running assistant",
	Long: "Working, episodic and semantic memory tiers with expiry, archival and consolidation. " +
		"SQLite-backed by default, PostgreSQL when several hosts share the store. Output is JSON.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $MEMTIER_CONFIG or ~/.memtier/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "SQLite database path, overrides store.path")
}

func loadConfig() *config.Config {
	path := configPath
	if path == "" {
		path = os.Getenv("MEMTIER_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = dbPath
	}
	return cfg
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		exitErr("init logger", err)
	}
	return logger
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.Driver == config.DriverPostgres {
		s, err := pgstore.New(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// env bundles what most commands need.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.Store
	metrics *metrics.Metrics
}

func setup(cmd *cobra.Command) *env {
	return setupWithRegistry(cmd, nil)
}

func setupWithRegistry(cmd *cobra.Command, reg prometheus.Registerer) *env {
	cfg := loadConfig()
	logger := newLogger(cfg)
	s, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		exitErr("open store", err)
	}
	return &env{cfg: cfg, logger: logger, store: s, metrics: metrics.New(reg)}
}

func (e *env) Close() {
	e.store.Close()
	_ = e.logger.Sync()
}

func (e *env) engine(grouping string) *consolidation.Engine {
	if grouping == "" {
		grouping = e.cfg.Consolidation.Grouping
	}
	g, ok := consolidation.Groupers[grouping]
	if !ok {
		exitErr("promote", fmt.Errorf("%w: unknown grouping %q", store.ErrValidation, grouping))
	}
	return consolidation.New(e.store, consolidation.Options{
		MinImportance: e.cfg.Consolidation.MinImportance,
		Grouper:       g,
		Logger:        e.logger,
		Metrics:       e.metrics,
	})
}

func (e *env) lookup() *similarity.HTTPLookup {
	if e.cfg.Similarity.URL == "" {
		return nil
	}
	return similarity.NewHTTPLookup(e.cfg.Similarity.URL, e.cfg.Similarity.Timeout)
}

func (e *env) recaller() *recall.Service {
	opts := []recall.Option{recall.WithLogger(e.logger)}
	if l := e.lookup(); l != nil {
		opts = append(opts, recall.WithLookup(similarity.NewBreaker(l, similarity.BreakerConfig{
			MaxFailures: e.cfg.Similarity.MaxFailures,
			OpenTimeout: e.cfg.Similarity.OpenTimeout,
		}, e.logger)))
	}
	return recall.New(e.store, opts...)
}

func (e *env) sweepOptions() sweep.Options {
	return sweep.Options{
		BatchSize: e.cfg.Sweep.BatchSize,
		BatchRate: e.cfg.Sweep.BatchRate,
		Logger:    e.logger,
		Metrics:   e.metrics,
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// readContent returns the positional args joined, or stdin when piped.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMap(flag, s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		exitErr("parse --"+flag, fmt.Errorf("%w: must be a JSON object", store.ErrValidation))
	}
	return m
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
