package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker around a provider.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration
}

// Breaker fails fast with ErrUnavailable while the wrapped provider keeps
// failing, so a dead provider does not cost a full timeout per merge.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps p in a circuit breaker.
func WithBreaker(p Provider, s BreakerSettings) *Breaker {
	failures := s.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	return &Breaker{
		next: p,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "completion-" + p.Name(),
			MaxRequests: 1,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("completion circuit breaker state changed")
			},
			// A caller giving up is not the provider's fault.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State exposes the breaker state for diagnostics.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
