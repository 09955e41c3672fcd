// Package positions reconstructs logical spread structures from the flat,
// unordered option leg list the broker reports.
//
// Reconstruction is a pure function of its input: it mutates only working
// copies, so calling it twice with the same leg list yields identical
// output. Structures are derived, never persisted; each reconciliation
// pass recomputes them from the broker's source of truth.
package positions

import (
	"sort"
	"strings"
	"time"

	"github.com/dmilligan/autospread/internal/broker"
	"github.com/dmilligan/autospread/internal/models"
	"github.com/dmilligan/autospread/internal/occ"
)

// workingLeg is a mutable copy of one broker leg used during matching.
type workingLeg struct {
	symbol     string
	underlying string
	call       bool
	strike     float64
	quantity   int // signed as reported
	entryPrice float64
	markPrice  float64
	multiplier float64
	expiration time.Time
	createdAt  time.Time
	remaining  int // decremented as short legs consume it
}

// Reconstruct groups raw broker legs into spreads and naked leg-outs.
func Reconstruct(items []broker.PositionItem) []models.Spread {
	type bucketKey struct {
		underlying string
		expiry     string
	}

	buckets := make(map[bucketKey][]workingLeg)
	var order []bucketKey

	for i := range items {
		leg, ok := toWorkingLeg(&items[i])
		if !ok {
			continue
		}
		key := bucketKey{leg.underlying, leg.expiration.Format("2006-01-02")}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		// Preserve the sign on quantity through the split below.
		buckets[key] = append(buckets[key], leg)
	}

	// Deterministic bucket ordering regardless of broker list order.
	sort.Slice(order, func(i, j int) bool {
		if order[i].underlying != order[j].underlying {
			return order[i].underlying < order[j].underlying
		}
		return order[i].expiry < order[j].expiry
	})

	var spreads []models.Spread
	for _, key := range order {
		legs := buckets[key]
		spreads = append(spreads, matchBucket(legs, isPut)...)
		spreads = append(spreads, matchBucket(legs, isCall)...)
	}
	return spreads
}

// CountByStrategy returns how many reconstructed structures belong to the
// given strategy family. The risk gate reads this for concurrency caps.
func CountByStrategy(spreads []models.Spread, tag models.StrategyTag) int {
	n := 0
	for i := range spreads {
		if spreads[i].MatchesStrategy(tag) {
			n++
		}
	}
	return n
}

type classFilter struct {
	call bool
}

var (
	isPut  = classFilter{call: false}
	isCall = classFilter{call: true}
)

// matchBucket pairs short legs against long legs of one option class within
// one (underlying, expiry) bucket.
func matchBucket(legs []workingLeg, class classFilter) []models.Spread {
	var shorts, longs []workingLeg
	for _, l := range legs {
		if l.call != class.call {
			continue
		}
		cp := l
		cp.remaining = abs(cp.quantity)
		if cp.quantity < 0 {
			shorts = append(shorts, cp)
		} else if cp.quantity > 0 {
			longs = append(longs, cp)
		}
	}
	if len(shorts) == 0 && len(longs) == 0 {
		return nil
	}

	// Highest short strike matches first; for puts the widest structure is
	// built from the top down, for calls from the bottom up.
	sort.Slice(shorts, func(i, j int) bool {
		if class.call {
			return shorts[i].strike < shorts[j].strike
		}
		return shorts[i].strike > shorts[j].strike
	})
	// Candidate longs nearest the short strike first.
	sort.Slice(longs, func(i, j int) bool {
		if class.call {
			return longs[i].strike < longs[j].strike
		}
		return longs[i].strike > longs[j].strike
	})

	var out []models.Spread
	for si := range shorts {
		s := &shorts[si]
		matched := false
		for li := range longs {
			l := &longs[li]
			if l.remaining < s.remaining {
				continue
			}
			// Directional ordering invariant: the protective long sits
			// below the short strike for a put credit spread and above it
			// for a call credit spread.
			if class.call && l.strike <= s.strike {
				continue
			}
			if !class.call && l.strike >= s.strike {
				continue
			}
			l.remaining -= s.remaining
			out = append(out, buildSpread(s, l, s.remaining, class))
			matched = true
			break
		}
		if !matched {
			out = append(out, buildNaked(s, true, class))
		}
	}
	for li := range longs {
		if longs[li].remaining > 0 {
			out = append(out, buildNaked(&longs[li], false, class))
		}
	}
	return out
}

func buildSpread(short, long *workingLeg, qty int, class classFilter) models.Spread {
	spreadType := models.SpreadPutCredit
	if class.call {
		spreadType = models.SpreadBearCall
	}
	mult := short.multiplier
	if mult == 0 {
		mult = 100
	}
	entry := long.entryPrice - short.entryPrice
	current := long.markPrice - short.markPrice
	pnl := (short.entryPrice-short.markPrice)*mult*float64(qty) +
		(long.markPrice-long.entryPrice)*mult*float64(qty)

	opened := short.createdAt
	if long.createdAt.Before(opened) {
		opened = long.createdAt
	}

	return models.Spread{
		Type:       spreadType,
		Underlying: short.underlying,
		ShortLeg:   legView(short, -qty),
		LongLeg:    legView(long, qty),
		Expiration: short.expiration,
		Quantity:   qty,
		// Net long-minus-short; negative denotes a net credit.
		EntryValue:    entry,
		CurrentValue:  current,
		UnrealizedPnL: pnl,
		OpenedAt:      opened,
	}
}

func buildNaked(leg *workingLeg, short bool, class classFilter) models.Spread {
	mult := leg.multiplier
	if mult == 0 {
		mult = 100
	}
	qty := leg.remaining

	var spreadType models.SpreadType
	var entry, current, pnl float64
	var shortLeg, longLeg *models.Leg

	if short {
		if class.call {
			spreadType = models.SpreadNakedShortCall
		} else {
			spreadType = models.SpreadNakedShortPut
		}
		entry = -leg.entryPrice
		current = -leg.markPrice
		pnl = (leg.entryPrice - leg.markPrice) * mult * float64(qty)
		shortLeg = legView(leg, -qty)
	} else {
		if class.call {
			spreadType = models.SpreadNakedLongCall
		} else {
			spreadType = models.SpreadNakedLongPut
		}
		entry = leg.entryPrice
		current = leg.markPrice
		pnl = (leg.markPrice - leg.entryPrice) * mult * float64(qty)
		longLeg = legView(leg, qty)
	}

	return models.Spread{
		Type:          spreadType,
		Underlying:    leg.underlying,
		ShortLeg:      shortLeg,
		LongLeg:       longLeg,
		Expiration:    leg.expiration,
		Quantity:      qty,
		EntryValue:    entry,
		CurrentValue:  current,
		UnrealizedPnL: pnl,
		OpenedAt:      leg.createdAt,
	}
}

func legView(l *workingLeg, signedQty int) *models.Leg {
	return &models.Leg{
		Symbol:     l.symbol,
		Strike:     l.strike,
		Quantity:   signedQty,
		EntryPrice: l.entryPrice,
		MarkPrice:  l.markPrice,
		Multiplier: l.multiplier,
		Expiration: l.expiration,
	}
}

func toWorkingLeg(item *broker.PositionItem) (workingLeg, bool) {
	if item.CallOrPut == "" || item.Quantity == 0 {
		return workingLeg{}, false
	}
	exp, err := item.Expiration()
	if err != nil {
		return workingLeg{}, false
	}
	created, err := time.Parse(time.RFC3339, item.CreatedAt)
	if err != nil {
		created = time.Time{}
	}
	call := strings.EqualFold(item.CallOrPut, "C")
	// The encoded symbol is authoritative when the feed's class field and
	// the symbol disagree.
	if cls, ok := occ.ClassOf(item.Symbol); ok {
		call = cls == occ.Call
	}
	return workingLeg{
		symbol:     item.Symbol,
		underlying: item.UnderlyingSymbol,
		call:       call,
		strike:     item.StrikePrice,
		quantity:   int(item.Quantity),
		entryPrice: item.AverageOpenPrice,
		markPrice:  item.MarkPrice,
		multiplier: item.Multiplier,
		expiration: exp,
		createdAt:  created,
	}, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
