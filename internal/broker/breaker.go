package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker protection so a
// degraded broker degrades to fail-closed denials instead of hammering the
// API during an outage.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps a broker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps a broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings BreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.New()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for breaker-wrapped calls.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetQuotes wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	return execBreaker(c.breaker, func() (map[string]Quote, error) {
		return c.broker.GetQuotes(ctx, symbols)
	})
}

// GetPositions wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execBreaker(c.breaker, func() ([]PositionItem, error) {
		return c.broker.GetPositions(ctx)
	})
}

// GetBalances wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetBalances(ctx context.Context) (*Balances, error) {
	return execBreaker(c.breaker, func() (*Balances, error) {
		return c.broker.GetBalances(ctx)
	})
}

// SubmitOrder wraps the underlying broker call with the circuit breaker.
// Submission is still never retried; the breaker only blocks new attempts
// while the broker is degraded.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, ticket *OrderTicket) (*OrderResult, error) {
	return execBreaker(c.breaker, func() (*OrderResult, error) {
		return c.broker.SubmitOrder(ctx, ticket)
	})
}
