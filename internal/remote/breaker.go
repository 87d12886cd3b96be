package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"encounterd/internal/ledger"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `json:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `json:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, failures never reset until the circuit opens.
	Interval time.Duration `json:"interval"`
}

// BreakerStore wraps a Store with circuit breaker protection. When the
// wrapped backend fails repeatedly, the circuit opens and subsequent pushes
// fail fast without reaching the network, preventing retry storms against an
// unhealthy service.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker[[]string]
	logger  *slog.Logger
}

// NewBreakerStore wraps inner with a circuit breaker. If cfg is zero-valued,
// sensible defaults are used.
func NewBreakerStore(inner Store, cfg BreakerConfig, logger *slog.Logger) *BreakerStore {
	if logger == nil {
		logger = slog.Default()
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
		Name:        "remote:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerStore{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Name implements Store. The decorator is transparent to backend selection.
func (b *BreakerStore) Name() string { return b.inner.Name() }

// Push implements Store. Calls are routed through the circuit breaker.
func (b *BreakerStore) Push(ctx context.Context, in ledger.Interaction) error {
	_, err := b.breaker.Execute(func() ([]string, error) {
		return nil, b.inner.Push(ctx, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("store %q circuit open: %w", b.inner.Name(), err)
		}
		return err
	}
	return nil
}

// PushBatch implements Store.
func (b *BreakerStore) PushBatch(ctx context.Context, ins []ledger.Interaction) ([]string, error) {
	failed, err := b.breaker.Execute(func() ([]string, error) {
		return b.inner.PushBatch(ctx, ins)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("store %q circuit open: %w", b.inner.Name(), err)
		}
		return nil, err
	}
	return failed, nil
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *BreakerStore) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ Store = (*BreakerStore)(nil)
