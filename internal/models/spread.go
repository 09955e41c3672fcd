package models

import "time"

// SpreadType classifies a reconstructed structure.
type SpreadType string

const (
	SpreadPutCredit      SpreadType = "credit_put_spread"
	SpreadBearCall       SpreadType = "bear_call_spread"
	SpreadPutDebit       SpreadType = "debit_put_spread"
	SpreadCallDebit      SpreadType = "debit_call_spread"
	SpreadNakedShortPut  SpreadType = "naked_short_put"
	SpreadNakedLongPut   SpreadType = "naked_long_put"
	SpreadNakedShortCall SpreadType = "naked_short_call"
	SpreadNakedLongCall  SpreadType = "naked_long_call"
)

// Leg is one option contract within a reconstructed structure.
type Leg struct {
	Symbol     string    `json:"symbol"`
	Strike     float64   `json:"strike"`
	Quantity   int       `json:"quantity"` // signed: negative = short
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	Multiplier float64   `json:"multiplier"`
	Expiration time.Time `json:"expiration"`
}

// Spread is a logical structure reconstructed from the broker's flat leg
// list. Derived, never persisted: recomputed on each reconciliation pass.
type Spread struct {
	Type       SpreadType `json:"type"`
	Underlying string     `json:"underlying"`
	ShortLeg   *Leg       `json:"short_leg,omitempty"`
	LongLeg    *Leg       `json:"long_leg,omitempty"`
	Expiration time.Time  `json:"expiration"`
	Quantity   int        `json:"quantity"`
	// EntryValue and CurrentValue are the net long-minus-short prices per
	// contract; negative denotes a net credit.
	EntryValue    float64   `json:"entry_value"`
	CurrentValue  float64   `json:"current_value"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// IsNaked reports whether the structure has no offsetting long leg pairing.
func (s *Spread) IsNaked() bool {
	return s.ShortLeg == nil || s.LongLeg == nil
}

// MatchesStrategy maps a reconstructed type back to the strategy family
// the risk gate counts concurrency against.
func (s *Spread) MatchesStrategy(tag StrategyTag) bool {
	switch tag {
	case StrategyPutCredit:
		return s.Type == SpreadPutCredit
	case StrategyBearCall:
		return s.Type == SpreadBearCall
	case StrategyCashSecuredPut:
		return s.Type == SpreadNakedShortPut
	case StrategyDiagonal, StrategyBackRatio:
		// Diagonals and ratios reconstruct as debit spreads or leg-outs
		// depending on fill timing; count both.
		return s.Type == SpreadPutDebit || s.Type == SpreadCallDebit || s.IsNaked()
	}
	return false
}
