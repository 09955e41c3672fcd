package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dmilligan/autospread/internal/broker"
	"github.com/dmilligan/autospread/internal/models"
)

// Executor builds, prices, and submits orders. Submission is one POST per
// order and never auto-retried.
type Executor struct {
	broker   broker.Broker
	registry *Registry
	logger   *logrus.Logger
}

// NewExecutor wires an executor over a broker and a builder registry.
func NewExecutor(b broker.Broker, registry *Registry, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}
	return &Executor{broker: b, registry: registry, logger: logger}
}

// Execute turns one approved signal into a limit order at the sized
// quantity. Broker rejections come back as *broker.APIError wrapped with
// the friendly taxonomy message.
func (e *Executor) Execute(ctx context.Context, sig *models.Signal, qty int) (*broker.OrderResult, error) {
	builder := e.registry.Lookup(sig.Strategy)
	built, err := builder(sig, qty)
	if err != nil {
		return nil, fmt.Errorf("building %s order: %w", sig.Strategy, err)
	}

	symbols := make([]string, 0, len(built.Legs))
	for _, leg := range built.Legs {
		symbols = append(symbols, leg.Symbol)
	}
	quotes, err := e.broker.GetQuotes(ctx, symbols)
	if err != nil {
		e.logger.WithError(err).WithField("signal", sig.ID).
			Warn("quote fetch failed, falling back to signal price estimate")
		quotes = nil
	}

	price, err := limitPrice(built, qty, quotes, sig.EstimatedPrice)
	if err != nil {
		return nil, err
	}

	ticket := &broker.OrderTicket{
		TimeInForce: broker.TimeInForceDay,
		OrderType:   broker.OrderTypeLimit,
		Price:       price,
		PriceEffect: built.Effect,
		Legs:        built.Legs,
	}

	result, err := e.broker.SubmitOrder(ctx, ticket)
	if err != nil {
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) {
			kind := broker.ClassifyRejection(apiErr.Code, apiErr.Body)
			e.logger.WithFields(logrus.Fields{
				"signal":    sig.ID,
				"rejection": string(kind),
			}).Warn("broker rejected order")
			return nil, fmt.Errorf("%s: %w", kind.Message(), err)
		}
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"signal":   sig.ID,
		"order_id": result.ID,
		"strategy": sig.Strategy,
		"quantity": qty,
		"price":    price,
		"effect":   built.Effect,
	}).Info("order submitted")
	return result, nil
}

// Close submits the mirror-image leg set for a reconstructed structure as
// a Market order. Certainty of closure is preferred over fill price.
func (e *Executor) Close(ctx context.Context, spread *models.Spread) (*broker.OrderResult, error) {
	if spread == nil {
		return nil, fmt.Errorf("close: nil structure")
	}
	var legs []broker.OrderLeg
	if spread.ShortLeg != nil {
		legs = append(legs, broker.OrderLeg{
			InstrumentType: instrumentTypeOption,
			Symbol:         spread.ShortLeg.Symbol,
			Quantity:       abs(spread.ShortLeg.Quantity),
			Action:         broker.ActionBuyToClose,
		})
	}
	if spread.LongLeg != nil {
		legs = append(legs, broker.OrderLeg{
			InstrumentType: instrumentTypeOption,
			Symbol:         spread.LongLeg.Symbol,
			Quantity:       abs(spread.LongLeg.Quantity),
			Action:         broker.ActionSellToClose,
		})
	}
	if len(legs) == 0 {
		return nil, fmt.Errorf("close: structure has no legs")
	}

	result, err := e.broker.SubmitOrder(ctx, &broker.OrderTicket{
		TimeInForce: broker.TimeInForceDay,
		OrderType:   broker.OrderTypeMarket,
		Legs:        legs,
	})
	if err != nil {
		return nil, fmt.Errorf("closing %s %s: %w", spread.Underlying, spread.Type, err)
	}

	e.logger.WithFields(logrus.Fields{
		"underlying": spread.Underlying,
		"type":       spread.Type,
		"order_id":   result.ID,
	}).Info("close order submitted")
	return result, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
