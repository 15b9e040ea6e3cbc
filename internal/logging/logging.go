// Package logging builds the zap logger shared by the CLI and services.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// Validate checks the level and format.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.levelOrDefault()); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.formatOrDefault() {
	case "json", "console":
		return nil
	}
	return fmt.Errorf("log format %q: must be json or console", c.Format)
}

func (c Config) levelOrDefault() string {
	if c.Level == "" {
		return "info"
	}
	return strings.ToLower(c.Level)
}

func (c Config) formatOrDefault() string {
	if c.Format == "" {
		return "json"
	}
	return strings.ToLower(c.Format)
}

// New builds a logger writing to stderr, so stdout stays reserved for
// command output.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.levelOrDefault())

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         cfg.formatOrDefault(),
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if zc.Encoding == "console" {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zc.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
