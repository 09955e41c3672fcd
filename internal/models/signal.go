// Package models provides data structures and state management for trade
// signals, risk profiles, and reconstructed positions.
package models

import (
	"fmt"
	"strings"
	"time"
)

// StrategyTag identifies the spread topology a signal proposes.
type StrategyTag string

const (
	// StrategyCashSecuredPut is a single short put backed by cash collateral.
	StrategyCashSecuredPut StrategyTag = "CASH_SECURED_PUT"
	// StrategyDiagonal is a two-leg diagonal/calendar spread across two expiries.
	StrategyDiagonal StrategyTag = "DIAGONAL"
	// StrategyPutCredit is a two-leg put credit spread (short high strike, long low strike).
	StrategyPutCredit StrategyTag = "PUT_CREDIT"
	// StrategyBearCall is a two-leg call credit spread (short low strike, long high strike).
	StrategyBearCall StrategyTag = "BEAR_CALL"
	// StrategyBackRatio is an unbalanced two-strike structure (e.g. 1x2 put back ratio).
	StrategyBackRatio StrategyTag = "BACK_RATIO"
)

// ParseStrategyTag normalizes upstream strategy naming. Unknown tags are
// returned as-is; the order builder registry handles the fallback.
func ParseStrategyTag(s string) StrategyTag {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	switch normalized {
	case "CSP", "SHORT_PUT", "CASH_SECURED_PUT":
		return StrategyCashSecuredPut
	case "DIAGONAL", "CALENDAR", "PMCC":
		return StrategyDiagonal
	case "PUT_CREDIT", "PUT_CREDIT_SPREAD", "BULL_PUT":
		return StrategyPutCredit
	case "BEAR_CALL", "CALL_CREDIT", "CALL_CREDIT_SPREAD":
		return StrategyBearCall
	case "BACK_RATIO", "PUT_BACK_RATIO", "RATIO":
		return StrategyBackRatio
	}
	return StrategyTag(normalized)
}

// Direction is the market bias a signal carries. Optional.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// Signal is a proposed trade delivered by a strategy generator.
type Signal struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Strategy    StrategyTag `json:"strategy"`
	Direction   Direction   `json:"direction,omitempty"`
	ShortStrike float64     `json:"short_strike"`
	LongStrike  float64     `json:"long_strike,omitempty"`
	// Expiration is the front (or only) expiry; BackExpiration is set for
	// diagonal/calendar structures.
	Expiration     time.Time `json:"expiration"`
	BackExpiration time.Time `json:"back_expiration,omitempty"`
	// EstimatedPrice is the generator's estimated net credit (positive) or
	// debit (negative) per contract. Used as fallback pricing when live
	// quotes are unavailable.
	EstimatedPrice  float64 `json:"estimated_price,omitempty"`
	Confidence      float64 `json:"confidence"`
	CapitalRequired float64 `json:"capital_required"`
	// PerContractMaxLoss is the worst-case loss for one contract in dollars.
	PerContractMaxLoss float64      `json:"per_contract_max_loss"`
	Status             SignalStatus `json:"status"`
	Reason             string       `json:"reason,omitempty"`
	OrderID            string       `json:"order_id,omitempty"`
	Quantity           int          `json:"quantity,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	ApprovedAt         time.Time    `json:"approved_at,omitempty"`
	ExecutedAt         time.Time    `json:"executed_at,omitempty"`
}

// Merge copies late-arriving fields from an update onto s without touching
// identity, status, or timestamps the lifecycle manager owns.
func (s *Signal) Merge(update *Signal) {
	if update == nil {
		return
	}
	if update.EstimatedPrice != 0 {
		s.EstimatedPrice = update.EstimatedPrice
	}
	if update.Confidence != 0 {
		s.Confidence = update.Confidence
	}
	if update.CapitalRequired != 0 {
		s.CapitalRequired = update.CapitalRequired
	}
	if update.PerContractMaxLoss != 0 {
		s.PerContractMaxLoss = update.PerContractMaxLoss
	}
	if update.Direction != "" {
		s.Direction = update.Direction
	}
}

// Validate checks the fields the pipeline depends on.
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal %s: symbol is required", s.ID)
	}
	if s.ShortStrike <= 0 {
		return fmt.Errorf("signal %s: short strike must be positive", s.ID)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("signal %s: confidence %.1f outside [0,100]", s.ID, s.Confidence)
	}
	if s.Expiration.IsZero() {
		return fmt.Errorf("signal %s: expiration is required", s.ID)
	}
	return nil
}

// IsSpread reports whether the signal describes a two-leg structure.
func (s *Signal) IsSpread() bool {
	return s.LongStrike > 0
}
