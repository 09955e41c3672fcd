// Package orders turns approved signals into wire-level broker orders:
// leg construction per strategy, limit pricing from live quotes, and
// one-shot submission.
package orders

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dmilligan/autospread/internal/broker"
	"github.com/dmilligan/autospread/internal/models"
	"github.com/dmilligan/autospread/internal/occ"
)

const instrumentTypeOption = "Equity Option"

// BuiltOrder is the leg set and price effect produced by a builder, before
// pricing fills in the limit.
type BuiltOrder struct {
	Legs   []broker.OrderLeg
	Effect string // broker.PriceEffectCredit or broker.PriceEffectDebit
}

// BuilderFunc constructs the leg set for one strategy. qty is the sized
// contract count from the risk gate; ratio strategies scale it per leg.
type BuilderFunc func(sig *models.Signal, qty int) (*BuiltOrder, error)

// Registry maps strategy tags to leg builders. Unknown tags fall back to
// the diagonal builder with a logged warning so upstream naming drift
// degrades gracefully instead of failing hard.
type Registry struct {
	builders map[models.StrategyTag]BuilderFunc
	logger   *logrus.Logger
}

// NewRegistry builds the standard strategy registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		logger: logger,
		builders: map[models.StrategyTag]BuilderFunc{
			models.StrategyCashSecuredPut: buildCashSecuredPut,
			models.StrategyPutCredit:      buildPutCredit,
			models.StrategyBearCall:       buildBearCall,
			models.StrategyDiagonal:       buildDiagonal,
			models.StrategyBackRatio:      buildBackRatio,
		},
	}
}

// Lookup returns the builder for a tag, or the diagonal fallback.
func (r *Registry) Lookup(tag models.StrategyTag) BuilderFunc {
	if b, ok := r.builders[tag]; ok {
		return b
	}
	r.logger.WithField("strategy", tag).Warn("unknown strategy tag, using diagonal fallback builder")
	return buildDiagonal
}

func buildCashSecuredPut(sig *models.Signal, qty int) (*BuiltOrder, error) {
	short, err := occ.Encode(sig.Symbol, sig.Expiration, occ.Put, sig.ShortStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding short put: %w", err)
	}
	return &BuiltOrder{
		Effect: broker.PriceEffectCredit,
		Legs: []broker.OrderLeg{
			{InstrumentType: instrumentTypeOption, Symbol: short, Quantity: qty, Action: broker.ActionSellToOpen},
		},
	}, nil
}

func buildPutCredit(sig *models.Signal, qty int) (*BuiltOrder, error) {
	if sig.LongStrike <= 0 {
		return nil, fmt.Errorf("put credit spread requires a long strike")
	}
	if sig.LongStrike >= sig.ShortStrike {
		return nil, fmt.Errorf("put credit spread long strike %.2f must sit below short strike %.2f", sig.LongStrike, sig.ShortStrike)
	}
	short, err := occ.Encode(sig.Symbol, sig.Expiration, occ.Put, sig.ShortStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding short put: %w", err)
	}
	long, err := occ.Encode(sig.Symbol, sig.Expiration, occ.Put, sig.LongStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding long put: %w", err)
	}
	return &BuiltOrder{
		Effect: broker.PriceEffectCredit,
		Legs: []broker.OrderLeg{
			{InstrumentType: instrumentTypeOption, Symbol: short, Quantity: qty, Action: broker.ActionSellToOpen},
			{InstrumentType: instrumentTypeOption, Symbol: long, Quantity: qty, Action: broker.ActionBuyToOpen},
		},
	}, nil
}

func buildBearCall(sig *models.Signal, qty int) (*BuiltOrder, error) {
	if sig.LongStrike <= 0 {
		return nil, fmt.Errorf("bear call spread requires a long strike")
	}
	if sig.LongStrike <= sig.ShortStrike {
		return nil, fmt.Errorf("bear call spread long strike %.2f must sit above short strike %.2f", sig.LongStrike, sig.ShortStrike)
	}
	short, err := occ.Encode(sig.Symbol, sig.Expiration, occ.Call, sig.ShortStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding short call: %w", err)
	}
	long, err := occ.Encode(sig.Symbol, sig.Expiration, occ.Call, sig.LongStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding long call: %w", err)
	}
	return &BuiltOrder{
		Effect: broker.PriceEffectCredit,
		Legs: []broker.OrderLeg{
			{InstrumentType: instrumentTypeOption, Symbol: short, Quantity: qty, Action: broker.ActionSellToOpen},
			{InstrumentType: instrumentTypeOption, Symbol: long, Quantity: qty, Action: broker.ActionBuyToOpen},
		},
	}, nil
}

// buildDiagonal is both the DIAGONAL builder and the fallback for unknown
// tags: long the back expiry, short the front expiry.
func buildDiagonal(sig *models.Signal, qty int) (*BuiltOrder, error) {
	longStrike := sig.LongStrike
	if longStrike <= 0 {
		longStrike = sig.ShortStrike
	}
	backExpiry := sig.BackExpiration
	if backExpiry.IsZero() {
		backExpiry = sig.Expiration.AddDate(0, 1, 0)
	}
	class := occ.Call
	if sig.Direction == models.DirectionBearish {
		class = occ.Put
	}
	short, err := occ.Encode(sig.Symbol, sig.Expiration, class, sig.ShortStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding front leg: %w", err)
	}
	long, err := occ.Encode(sig.Symbol, backExpiry, class, longStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding back leg: %w", err)
	}
	return &BuiltOrder{
		Effect: broker.PriceEffectDebit,
		Legs: []broker.OrderLeg{
			{InstrumentType: instrumentTypeOption, Symbol: long, Quantity: qty, Action: broker.ActionBuyToOpen},
			{InstrumentType: instrumentTypeOption, Symbol: short, Quantity: qty, Action: broker.ActionSellToOpen},
		},
	}, nil
}

// buildBackRatio sells one put and buys two further-out puts per sized
// contract (1x2 put back ratio).
func buildBackRatio(sig *models.Signal, qty int) (*BuiltOrder, error) {
	if sig.LongStrike <= 0 {
		return nil, fmt.Errorf("back ratio requires a long strike")
	}
	if sig.LongStrike >= sig.ShortStrike {
		return nil, fmt.Errorf("back ratio long strike %.2f must sit below short strike %.2f", sig.LongStrike, sig.ShortStrike)
	}
	short, err := occ.Encode(sig.Symbol, sig.Expiration, occ.Put, sig.ShortStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding short put: %w", err)
	}
	long, err := occ.Encode(sig.Symbol, sig.Expiration, occ.Put, sig.LongStrike)
	if err != nil {
		return nil, fmt.Errorf("encoding long puts: %w", err)
	}
	return &BuiltOrder{
		Effect: broker.PriceEffectDebit,
		Legs: []broker.OrderLeg{
			{InstrumentType: instrumentTypeOption, Symbol: short, Quantity: qty, Action: broker.ActionSellToOpen},
			{InstrumentType: instrumentTypeOption, Symbol: long, Quantity: 2 * qty, Action: broker.ActionBuyToOpen},
		},
	}, nil
}
