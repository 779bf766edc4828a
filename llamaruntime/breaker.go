package llamaruntime

import (
	"errors"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"llamacore/metrics"
)

// errPartial marks a generation that returned text but ended on a failed
// decode. It counts as a breaker failure and never leaves the package.
var errPartial = errors.New("partial generation")

// BreakerState is the circuit breaker state as reported by Health.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half-open"
	BreakerOpen     BreakerState = "open"
)

// breaker guards Generate. It opens after FailureThreshold consecutive
// failures, rejects calls for Cooldown, then admits a single trial whose
// outcome closes or reopens it.
type breaker struct {
	cb *gobreaker.CircuitBreaker[*GenerationResult]
}

func newBreaker(name string, cfg BreakerConfig, logger *zap.Logger, m *metrics.Collector) *breaker {
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, errPartial) {
				return false
			}
			return IsCallerError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", string(breakerState(from))),
				zap.String("to", string(breakerState(to))),
			)
			m.SetBreakerState(string(breakerState(to)))
		},
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker[*GenerationResult](settings)}
}

// execute runs fn through the breaker. Rejections become ErrCircuitOpen.
func (b *breaker) execute(fn func() (*GenerationResult, error)) (*GenerationResult, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, newError("generate", ErrCircuitOpen, "call rejected", err)
	}
	return res, err
}

func (b *breaker) state() BreakerState {
	return breakerState(b.cb.State())
}

func breakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
