package similarity

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/rcliao/memtier/internal/logging"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("similarity service unavailable")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker. Default 3.
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing again. Default 30s.
	OpenTimeout time.Duration
}

// Breaker wraps a Lookup in a circuit breaker, so a failing search service
// fails fast instead of stalling every recall.
type Breaker struct {
	next Lookup
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Lookup, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	logger = logging.OrNop(logger)

	settings := gobreaker.Settings{
		Name:        "similarity",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not the service failing.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Nearest implements Lookup.
func (b *Breaker) Nearest(ctx context.Context, q Query) ([]Hit, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Nearest(ctx, q)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	hits, _ := res.([]Hit)
	return hits, nil
}

// State returns the breaker state: closed, open or half-open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
