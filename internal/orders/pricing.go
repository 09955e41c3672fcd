package orders

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dmilligan/autospread/internal/broker"
)

// ErrNoPrice means neither live quotes nor the signal's carried estimate
// could produce a limit price. The broker rejects market entries on these
// instruments, so submission must stop here.
var ErrNoPrice = errors.New("orders: no price available")

// creditConcession is the 5% give-up on credit entries that improves fill
// probability.
var creditConcession = decimal.NewFromFloat(0.95)

// limitPrice computes the per-contract limit for a built order. Sell legs
// contribute their bid, buy legs their ask, each scaled by the leg's ratio
// to the sized quantity. Falls back to the signal's estimate when any leg
// lacks a live quote.
func limitPrice(built *BuiltOrder, qty int, quotes map[string]broker.Quote, estimate float64) (float64, error) {
	if qty <= 0 {
		return 0, ErrNoPrice
	}
	if price, ok := liveLimit(built, qty, quotes); ok {
		return price, nil
	}
	if estimate != 0 {
		est := decimal.NewFromFloat(estimate).Abs().Round(2)
		f, _ := est.Float64()
		return f, nil
	}
	return 0, ErrNoPrice
}

func liveLimit(built *BuiltOrder, qty int, quotes map[string]broker.Quote) (float64, bool) {
	sellSum := decimal.Zero
	buySum := decimal.Zero
	for _, leg := range built.Legs {
		q, ok := quotes[leg.Symbol]
		if !ok {
			return 0, false
		}
		ratio := decimal.NewFromInt(int64(leg.Quantity)).Div(decimal.NewFromInt(int64(qty)))
		switch leg.Action {
		case broker.ActionSellToOpen, broker.ActionSellToClose:
			if q.Bid <= 0 {
				return 0, false
			}
			sellSum = sellSum.Add(decimal.NewFromFloat(q.Bid).Mul(ratio))
		default:
			if q.Ask <= 0 {
				return 0, false
			}
			buySum = buySum.Add(decimal.NewFromFloat(q.Ask).Mul(ratio))
		}
	}

	var price decimal.Decimal
	if built.Effect == broker.PriceEffectCredit {
		price = sellSum.Sub(buySum).Mul(creditConcession)
	} else {
		price = buySum.Sub(sellSum)
	}
	price = price.Round(2)
	if price.Sign() <= 0 {
		return 0, false
	}
	f, _ := price.Float64()
	return f, true
}
