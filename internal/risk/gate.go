// Package risk decides whether an approved signal may reach the broker and
// how many contracts it is allowed to carry.
//
// The gate fails closed: a missing profile, a stale account snapshot, or any
// inconsistency produces a denial with a reason, never a default approval.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dmilligan/autospread/internal/models"
)

// Deny reasons surfaced on rejected signals. Stable strings so the journal
// and status API stay greppable.
const (
	ReasonInvalidSignal     = "signal failed validation"
	ReasonNoProfile         = "no risk profile for strategy"
	ReasonLowConfidence     = "confidence below profile minimum"
	ReasonStaleAccount      = "account snapshot stale or missing"
	ReasonCapitalExceeded   = "capital required exceeds profile cap"
	ReasonConcurrencyLimit  = "concurrent structure limit reached"
	ReasonBudgetTooSmall    = "risk budget below one contract"
	ReasonInsufficientFunds = "insufficient buying power"
)

// snapshotMaxAge bounds how old an account snapshot may be before the gate
// refuses to trade on it.
const snapshotMaxAge = 5 * time.Minute

// maxContractsPerTrade is the absolute per-order ceiling. It binds even when
// a profile is configured with a larger MaxContracts.
const maxContractsPerTrade = 10

// settleGrace is how long a filled signal's reservation keeps counting
// against concurrency and capital. It covers the window until the next
// position refresh makes the new structure broker-visible, so the interval
// between fill and refresh cannot undercount either limit.
const settleGrace = 2 * snapshotMaxAge

// Decision is the gate's verdict for one signal.
type Decision struct {
	Approved bool
	Quantity int
	Reason   string
}

// reservation holds capital and a concurrency slot for a signal that was
// approved but whose order is not yet visible in broker positions.
type reservation struct {
	strategy  models.StrategyTag
	capital   float64
	quantity  int
	settledAt time.Time // zero until the order fills
}

// Gate sizes and approves signals against risk profiles and live account
// state. All checks and the reservation ledger run under one mutex, so two
// concurrent evaluations can never double-commit the same budget.
type Gate struct {
	mu           sync.Mutex
	profiles     map[models.StrategyTag]models.RiskProfile
	snapshot     *models.AccountSnapshot
	reservations map[string]reservation
	logger       *logrus.Logger
	now          func() time.Time
}

// NewGate builds a gate over the given profiles.
func NewGate(profiles map[models.StrategyTag]models.RiskProfile, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{
		profiles:     profiles,
		reservations: make(map[string]reservation),
		logger:       logger,
		now:          time.Now,
	}
}

// SetSnapshot installs a fresh account snapshot. Called by the scheduler's
// refresh task; the gate never fetches account state itself.
func (g *Gate) SetSnapshot(snap *models.AccountSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshot = snap
}

// Evaluate runs the ordered risk checks for one signal against the current
// snapshot and the reconstructed open structures. On approval it reserves
// capital and a concurrency slot under the signal's ID; the caller must
// MarkFilled the reservation when the order fills and Release it when the
// order fails.
func (g *Gate) Evaluate(sig *models.Signal, open []models.Spread) Decision {
	if sig == nil {
		return deny(ReasonInvalidSignal)
	}
	if err := sig.Validate(); err != nil {
		return deny(fmt.Sprintf("%s: %v", ReasonInvalidSignal, err))
	}
	if sig.PerContractMaxLoss <= 0 {
		return deny(ReasonInvalidSignal + ": per-contract max loss not set")
	}

	profile, ok := g.profiles[sig.Strategy]
	if !ok {
		return deny(ReasonNoProfile)
	}
	if sig.Confidence < profile.MinConfidence {
		return deny(fmt.Sprintf("%s (%.0f < %.0f)", ReasonLowConfidence, sig.Confidence, profile.MinConfidence))
	}
	if sig.CapitalRequired > profile.MaxCapital {
		return deny(fmt.Sprintf("%s (%.2f > %.2f)", ReasonCapitalExceeded, sig.CapitalRequired, profile.MaxCapital))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneSettledLocked(now)

	if !g.snapshot.Fresh(now, snapshotMaxAge) {
		return deny(ReasonStaleAccount)
	}

	if g.openCountLocked(sig.Strategy, open) >= profile.MaxConcurrentStructures {
		return deny(ReasonConcurrencyLimit)
	}

	// Size from the risk budget: a fixed share of account principal divided
	// by the worst-case loss of one contract.
	budget := g.snapshot.NetLiquidatingValue * profile.Level.RiskPercent()
	qty := int(math.Floor(budget / sig.PerContractMaxLoss))
	if qty < 1 {
		return deny(fmt.Sprintf("%s (budget %.2f, per-contract loss %.2f)", ReasonBudgetTooSmall, budget, sig.PerContractMaxLoss))
	}
	limit := profile.MaxContracts
	if limit > maxContractsPerTrade {
		limit = maxContractsPerTrade
	}
	if qty > limit {
		qty = limit
	}

	// Shrink to what buying power minus outstanding reservations can carry.
	available := g.snapshot.BuyingPower - g.reservedCapitalLocked()
	for qty >= 1 && sig.CapitalRequired*float64(qty) > available {
		qty--
	}
	if qty < 1 {
		return deny(ReasonInsufficientFunds)
	}

	needed := sig.CapitalRequired * float64(qty)
	g.reservations[sig.ID] = reservation{
		strategy: sig.Strategy,
		capital:  needed,
		quantity: qty,
	}
	g.logger.WithFields(logrus.Fields{
		"signal":   sig.ID,
		"strategy": sig.Strategy,
		"quantity": qty,
		"reserved": needed,
	}).Info("risk gate approved signal")

	return Decision{Approved: true, Quantity: qty}
}

// Release drops the reservation held for a signal. Safe to call for signals
// that hold no reservation.
func (g *Gate) Release(signalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reservations, signalID)
}

// MarkFilled flags a reservation as settled into a broker position. The
// reservation keeps counting for settleGrace and is then pruned, once the
// structure shows up in reconstructed positions on its own. Unknown IDs are
// a no-op.
func (g *Gate) MarkFilled(signalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.reservations[signalID]
	if !ok {
		return
	}
	r.settledAt = g.now()
	g.reservations[signalID] = r
}

func (g *Gate) pruneSettledLocked(now time.Time) {
	for id, r := range g.reservations {
		if !r.settledAt.IsZero() && now.Sub(r.settledAt) >= settleGrace {
			delete(g.reservations, id)
		}
	}
}

// ReservedCapital reports the total capital committed to in-flight orders.
func (g *Gate) ReservedCapital() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reservedCapitalLocked()
}

func (g *Gate) reservedCapitalLocked() float64 {
	total := 0.0
	for _, r := range g.reservations {
		total += r.capital
	}
	return total
}

// openCountLocked counts broker-visible structures of the strategy plus
// in-flight reservations that have not settled into positions yet.
func (g *Gate) openCountLocked(tag models.StrategyTag, open []models.Spread) int {
	n := 0
	for i := range open {
		if open[i].MatchesStrategy(tag) {
			n++
		}
	}
	for _, r := range g.reservations {
		if r.strategy == tag {
			n++
		}
	}
	return n
}

func deny(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}
