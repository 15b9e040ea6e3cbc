// Package config loads memtier configuration from YAML and MEMTIER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/rcliao/memtier/internal/consolidation"
	"github.com/rcliao/memtier/internal/logging"
	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/sweep"
)

const (
	envPrefix         = "MEMTIER_"
	maxConfigFileSize = 1024 * 1024

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full memtier configuration.
type Config struct {
	Store         StoreConfig         `koanf:"store"`
	Working       WorkingConfig       `koanf:"working"`
	Consolidation ConsolidationConfig `koanf:"consolidation"`
	Sweep         SweepConfig         `koanf:"sweep"`
	Similarity    SimilarityConfig    `koanf:"similarity"`
	Log           logging.Config      `koanf:"log"`
	Metrics       MetricsConfig       `koanf:"metrics"`
}

// StoreConfig selects the backend.
type StoreConfig struct {
	Driver string `koanf:"driver"` // sqlite or postgres
	Path   string `koanf:"path"`   // SQLite file
	DSN    string `koanf:"dsn"`    // PostgreSQL connection string
}

// WorkingConfig configures the working tier.
type WorkingConfig struct {
	DefaultTTL time.Duration `koanf:"default_ttl"`
}

// ConsolidationConfig configures promotion.
type ConsolidationConfig struct {
	MinImportance int    `koanf:"min_importance"`
	Grouping      string `koanf:"grouping"` // single or topic

	// Interval is how often serve promotes all sessions. Negative disables it.
	Interval time.Duration `koanf:"interval"`
}

// SweepConfig configures the expiry and archival sweeps.
type SweepConfig struct {
	ExpiryInterval   time.Duration `koanf:"expiry_interval"`
	ArchivalInterval time.Duration `koanf:"archival_interval"`
	ArchiveAfterDays int           `koanf:"archive_after_days"`
	BatchSize        int           `koanf:"batch_size"`
	BatchRate        float64       `koanf:"batch_rate"` // chunks per second, 0 = unlimited
}

// SimilarityConfig configures the external similarity service. An empty
// URL disables similarity recall.
type SimilarityConfig struct {
	URL         string        `koanf:"url"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxFailures uint32        `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
}

// MetricsConfig configures the serve command's HTTP listener.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Dir returns the default memtier directory, ~/.memtier.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memtier")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads path (DefaultPath when empty; a missing file is fine), then
// applies MEMTIER_* overrides, defaults and validation.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	MEMTIER_STORE_DRIVER         -> store.driver
//	MEMTIER_SWEEP_BATCH_SIZE     -> sweep.batch_size
//	MEMTIER_SIMILARITY_URL       -> similarity.url
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	content, err := readFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	}
	return parse(content)
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return b, nil
}

func parse(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// envKey maps MEMTIER_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + field
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(Dir(), "memory.db")
	}
	if c.Working.DefaultTTL == 0 {
		c.Working.DefaultTTL = model.DefaultWorkingTTL
	}
	if c.Consolidation.MinImportance == 0 {
		c.Consolidation.MinImportance = model.PromotionThreshold
	}
	if c.Consolidation.Grouping == "" {
		c.Consolidation.Grouping = "single"
	}
	if c.Consolidation.Interval == 0 {
		c.Consolidation.Interval = 15 * time.Minute
	}
	if c.Sweep.ExpiryInterval == 0 {
		c.Sweep.ExpiryInterval = sweep.DefaultExpiryInterval
	}
	if c.Sweep.ArchivalInterval == 0 {
		c.Sweep.ArchivalInterval = sweep.DefaultArchivalInterval
	}
	if c.Sweep.ArchiveAfterDays == 0 {
		c.Sweep.ArchiveAfterDays = model.DefaultArchiveAfterDays
	}
	if c.Similarity.Timeout == 0 {
		c.Similarity.Timeout = 5 * time.Second
	}
	if c.Similarity.MaxFailures == 0 {
		c.Similarity.MaxFailures = 3
	}
	if c.Similarity.OpenTimeout == 0 {
		c.Similarity.OpenTimeout = 30 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: must be sqlite or postgres", c.Store.Driver))
	}
	if c.Working.DefaultTTL < 0 {
		errs = append(errs, errors.New("working.default_ttl must be positive"))
	}
	if mi := c.Consolidation.MinImportance; mi < model.PromotionThreshold || !model.ValidImportance(mi) {
		errs = append(errs, fmt.Errorf("consolidation.min_importance %d out of range %d-10", mi, model.PromotionThreshold))
	}
	if _, ok := consolidation.Groupers[c.Consolidation.Grouping]; !ok {
		errs = append(errs, fmt.Errorf("consolidation.grouping %q: must be single or topic", c.Consolidation.Grouping))
	}
	if c.Sweep.ExpiryInterval < 0 || c.Sweep.ArchivalInterval < 0 {
		errs = append(errs, errors.New("sweep intervals must be positive"))
	}
	if c.Sweep.ArchiveAfterDays < 1 {
		errs = append(errs, fmt.Errorf("sweep.archive_after_days %d must be at least 1", c.Sweep.ArchiveAfterDays))
	}
	if c.Sweep.BatchSize < 0 || c.Sweep.BatchRate < 0 {
		errs = append(errs, errors.New("sweep batch_size and batch_rate must not be negative"))
	}
	if c.Similarity.Timeout < 0 || c.Similarity.OpenTimeout < 0 {
		errs = append(errs, errors.New("similarity timeouts must be positive"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
