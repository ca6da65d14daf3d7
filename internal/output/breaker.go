package output

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
)

// ErrCircuitOpen is returned by Breaker while the wrapped driver is
// considered down.
var ErrCircuitOpen = errors.New("output: circuit open")

// BreakerConfig tunes the circuit breaker around a driver.
type BreakerConfig struct {
	// Failures is the number of consecutive failed transfers that opens
	// the circuit.
	Failures uint32 `yaml:"failures"`
	// Cooldown is how long the circuit stays open before a trial frame.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig opens after five consecutive failures.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Failures: 5, Cooldown: time.Second}
}

// Breaker fails fast once the wrapped driver keeps erroring, so a dead
// strip costs the render loop nothing until the cooldown allows a trial frame.
type Breaker struct {
	next Driver
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. onChange, when non-nil, observes state changes.
func NewBreaker(name string, next Driver, cfg BreakerConfig, onChange func(from, to string)) *Breaker {
	if cfg.Failures == 0 {
		cfg.Failures = DefaultBreakerConfig().Failures
	}
	threshold := cfg.Failures
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	}
	if onChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			onChange(from.String(), to.String())
		}
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// Initialize implements Driver.
func (b *Breaker) Initialize(l Layout) error { return b.next.Initialize(l) }

// Show implements Driver.
func (b *Breaker) Show(segments [][]pixel.RGB8) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Show(segments)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Close implements Driver.
func (b *Breaker) Close() error { return b.next.Close() }

// State reports the breaker state name.
func (b *Breaker) State() string { return b.cb.State().String() }
