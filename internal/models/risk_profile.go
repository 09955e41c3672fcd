package models

import (
	"fmt"
	"time"
)

// RiskLevel selects one of the immutable risk presets.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskPercent returns the share of account principal a single trade may
// put at risk for the level.
func (l RiskLevel) RiskPercent() float64 {
	switch l {
	case RiskLow:
		return 0.05
	case RiskMedium:
		return 0.075
	case RiskHigh:
		return 0.10
	default:
		return 0.05
	}
}

// RiskProfile is a per-strategy preset. Profiles are selected by the user
// and never mutated by the engine.
type RiskProfile struct {
	Strategy StrategyTag `yaml:"strategy" json:"strategy"`
	Level    RiskLevel   `yaml:"level" json:"level"`
	// MinConfidence is the minimum signal confidence score (0-100).
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	// MaxCapital caps capital required per trade in dollars.
	MaxCapital float64 `yaml:"max_capital" json:"max_capital"`
	// MaxContracts caps the sized quantity regardless of risk budget.
	MaxContracts int `yaml:"max_contracts" json:"max_contracts"`
	// MaxConcurrentStructures caps open structures of this strategy.
	MaxConcurrentStructures int `yaml:"max_concurrent" json:"max_concurrent"`
	// ProfitTargetPct and StopLossPct are exit/defense parameters carried
	// for downstream management; the gate does not read them.
	ProfitTargetPct float64 `yaml:"profit_target_pct" json:"profit_target_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
}

// Validate checks profile invariants.
func (p *RiskProfile) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 100 {
		return fmt.Errorf("risk profile %s: min_confidence must be in [0,100]", p.Strategy)
	}
	if p.MaxCapital <= 0 {
		return fmt.Errorf("risk profile %s: max_capital must be > 0", p.Strategy)
	}
	if p.MaxContracts <= 0 {
		return fmt.Errorf("risk profile %s: max_contracts must be > 0", p.Strategy)
	}
	if p.MaxConcurrentStructures <= 0 {
		return fmt.Errorf("risk profile %s: max_concurrent must be > 0", p.Strategy)
	}
	switch p.Level {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("risk profile %s: level must be low, medium, or high", p.Strategy)
	}
	return nil
}

// DefaultProfiles returns conservative presets keyed by strategy tag.
func DefaultProfiles(level RiskLevel) map[StrategyTag]RiskProfile {
	base := func(tag StrategyTag, minConf, maxCap float64, maxConcurrent int) RiskProfile {
		return RiskProfile{
			Strategy:                tag,
			Level:                   level,
			MinConfidence:           minConf,
			MaxCapital:              maxCap,
			MaxContracts:            10,
			MaxConcurrentStructures: maxConcurrent,
			ProfitTargetPct:         0.50,
			StopLossPct:             2.0,
		}
	}
	return map[StrategyTag]RiskProfile{
		StrategyCashSecuredPut: base(StrategyCashSecuredPut, 70, 10000, 3),
		StrategyDiagonal:       base(StrategyDiagonal, 65, 5000, 3),
		StrategyPutCredit:      base(StrategyPutCredit, 70, 2000, 5),
		StrategyBearCall:       base(StrategyBearCall, 70, 2000, 5),
		StrategyBackRatio:      base(StrategyBackRatio, 75, 3000, 2),
	}
}

// AccountSnapshot is a point-in-time read of account state. It is refreshed
// on a fixed interval by the owning scheduler task and injected into the
// risk gate; never read from ambient globals.
type AccountSnapshot struct {
	BuyingPower         float64   `json:"buying_power"`
	NetLiquidatingValue float64   `json:"net_liquidating_value"`
	CashAvailable       float64   `json:"cash_available"`
	OpenPositionCount   int       `json:"open_position_count"`
	RefreshedAt         time.Time `json:"refreshed_at"`
}

// Fresh reports whether the snapshot is recent enough for decisions.
func (a *AccountSnapshot) Fresh(now time.Time, window time.Duration) bool {
	if a == nil || a.RefreshedAt.IsZero() {
		return false
	}
	return now.Sub(a.RefreshedAt) <= window
}
