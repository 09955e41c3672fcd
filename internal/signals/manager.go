// Package signals owns the signal lifecycle: ingest with de-duplication,
// the status state machine, risk evaluation hand-off, and the daily expiry
// sweep.
package signals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dmilligan/autospread/internal/broker"
	"github.com/dmilligan/autospread/internal/models"
	"github.com/dmilligan/autospread/internal/risk"
)

// marketCloseHour is the wall-clock hour in the exchange's local time zone
// at which same-day pending signals expire.
const marketCloseHour = 16

// exchangeTimeZone is the exchange's local time zone for the expiry policy.
const exchangeTimeZone = "America/New_York"

// defaultRetention is how long a signal stays in active memory after it
// reaches a terminal status. The journal keeps the durable record; the
// in-memory set only has to cover the operator-facing status window.
const defaultRetention = 24 * time.Hour

// Approver is the risk gate surface the manager needs.
type Approver interface {
	Evaluate(sig *models.Signal, open []models.Spread) risk.Decision
	MarkFilled(signalID string)
	Release(signalID string)
}

// Submitter turns an approved signal into a broker order.
type Submitter interface {
	Execute(ctx context.Context, sig *models.Signal, qty int) (*broker.OrderResult, error)
}

// OpenStructuresFunc supplies the reconstructed open structures the gate
// counts concurrency against.
type OpenStructuresFunc func(ctx context.Context) ([]models.Spread, error)

// Journal records signal state changes durably.
type Journal interface {
	SaveSignal(sig *models.Signal) error
}

// Options wires a Manager.
type Options struct {
	Gate      Approver
	Submitter Submitter
	Open      OpenStructuresFunc
	Journal   Journal
	Logger    *logrus.Logger
	Now       func() time.Time
	Retention time.Duration // zero means defaultRetention
}

// Manager is the signal lifecycle owner. All state lives behind one mutex;
// risk evaluation and order submission run off the ingest path, at most
// once per signal identity.
type Manager struct {
	mu         sync.Mutex
	signals    map[string]*models.Signal
	processed  map[string]struct{}
	terminalAt map[string]time.Time

	gate      Approver
	submitter Submitter
	open      OpenStructuresFunc
	journal   Journal
	logger    *logrus.Logger
	now       func() time.Time
	loc       *time.Location
	retention time.Duration
	wg        sync.WaitGroup
}

// NewManager builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	loc, err := time.LoadLocation(exchangeTimeZone)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Manager{
		signals:    make(map[string]*models.Signal),
		processed:  make(map[string]struct{}),
		terminalAt: make(map[string]time.Time),
		gate:       opts.Gate,
		submitter:  opts.Submitter,
		open:       opts.Open,
		journal:    opts.Journal,
		logger:     logger,
		now:        now,
		loc:        loc,
		retention:  retention,
	}, nil
}

// Submit ingests one signal. Re-submission of a known identity is an
// idempotent upsert that merges late-arriving fields; the risk gate runs
// at most once per identity, asynchronously.
func (m *Manager) Submit(ctx context.Context, sig *models.Signal) (string, error) {
	if sig == nil {
		return "", nil
	}

	m.mu.Lock()
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if existing, ok := m.signals[sig.ID]; ok {
		existing.Merge(sig)
		m.persistLocked(existing)
		m.mu.Unlock()
		return sig.ID, nil
	}

	cp := *sig
	if cp.Status == "" {
		cp.Status = models.StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.signals[cp.ID] = &cp
	m.persistLocked(&cp)

	// Dedup check happens here, before any side effect.
	if _, done := m.processed[cp.ID]; done {
		m.mu.Unlock()
		return cp.ID, nil
	}
	m.processed[cp.ID] = struct{}{}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"signal":   cp.ID,
		"symbol":   cp.Symbol,
		"strategy": cp.Strategy,
	}).Info("signal ingested")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.evaluate(ctx, cp.ID)
	}()
	return cp.ID, nil
}

// MarkStatus applies a caller-driven transition (for example tracked or
// rejected from an operator). Unknown identities are a no-op, as is a
// rejection that arrives after the order has already gone to the broker.
func (m *Manager) MarkStatus(id string, status models.SignalStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return nil
	}
	if err := sig.Transition(status); err != nil {
		if sig.Status == models.StatusExecuting && status == models.StatusRejected {
			m.logger.WithField("signal", id).Info("rejection ignored, order already in flight")
			return nil
		}
		return err
	}
	if reason != "" {
		sig.Reason = reason
	}
	m.persistLocked(sig)
	return nil
}

// Get returns a copy of one signal.
func (m *Manager) Get(id string) (models.Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return models.Signal{}, false
	}
	return *sig, true
}

// Signals returns copies of all signals ordered by creation time.
func (m *Manager) Signals() []models.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Signal, 0, len(m.signals))
	for _, sig := range m.signals {
		out = append(out, *sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until all in-flight evaluations finish. Used on shutdown and
// in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// RunExpirySweep ticks once per minute until the context ends.
func (m *Manager) RunExpirySweep(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

// SweepExpired transitions every pending signal past its same-day market
// close instant to expired. The boundary is inclusive. The same pass evicts
// terminal signals that have sat in memory past the retention window; their
// journal records stay.
func (m *Manager) SweepExpired() int {
	now := m.now()
	expired := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sig := range m.signals {
		if sig.Status != models.StatusPending {
			continue
		}
		if now.Before(m.expiryInstant(sig.CreatedAt)) {
			continue
		}
		if err := sig.Transition(models.StatusExpired); err != nil {
			continue
		}
		sig.Reason = "expired at market close"
		m.persistLocked(sig)
		expired++
	}
	if expired > 0 {
		m.logger.WithField("count", expired).Info("expiry sweep transitioned signals")
	}
	m.evictTerminalLocked(now)
	return expired
}

// evictTerminalLocked drops terminal signals once they have been terminal
// for the retention window. The dedup entry goes with the signal; a replay
// that arrives after a full retention window is treated as a new signal,
// the journal holding the history either way.
func (m *Manager) evictTerminalLocked(now time.Time) {
	evicted := 0
	for id, sig := range m.signals {
		if !sig.Status.IsTerminal() {
			continue
		}
		since, ok := m.terminalAt[id]
		if !ok {
			m.terminalAt[id] = now
			continue
		}
		if now.Sub(since) < m.retention {
			continue
		}
		delete(m.signals, id)
		delete(m.processed, id)
		delete(m.terminalAt, id)
		evicted++
	}
	if evicted > 0 {
		m.logger.WithField("count", evicted).Info("evicted retained terminal signals")
	}
}

// expiryInstant is the market close of the signal's creation day in the
// exchange's time zone.
func (m *Manager) expiryInstant(createdAt time.Time) time.Time {
	local := createdAt.In(m.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), marketCloseHour, 0, 0, 0, m.loc)
}

// evaluate runs the gate once and, on approval, walks the signal through
// executing to a terminal state.
func (m *Manager) evaluate(ctx context.Context, id string) {
	var open []models.Spread
	if m.open != nil {
		structures, err := m.open(ctx)
		if err != nil {
			// The gate fails closed on whatever it is handed; a fetch error
			// still must not turn into an approval on missing data.
			m.logger.WithError(err).Warn("open structure fetch failed, denying signal")
			m.reject(id, "position data unavailable")
			return
		}
		open = structures
	}

	m.mu.Lock()
	sig, ok := m.signals[id]
	if !ok || sig.Status != models.StatusPending {
		m.mu.Unlock()
		return
	}
	snapshot := *sig
	m.mu.Unlock()

	decision := m.gate.Evaluate(&snapshot, open)
	if !decision.Approved {
		m.reject(id, decision.Reason)
		return
	}

	m.mu.Lock()
	sig, ok = m.signals[id]
	if !ok || sig.Transition(models.StatusApproved) != nil {
		m.mu.Unlock()
		m.gate.Release(id)
		return
	}
	sig.ApprovedAt = m.now()
	sig.Quantity = decision.Quantity
	if err := sig.Transition(models.StatusExecuting); err != nil {
		m.persistLocked(sig)
		m.mu.Unlock()
		m.gate.Release(id)
		return
	}
	m.persistLocked(sig)
	approved := *sig
	m.mu.Unlock()

	result, err := m.submitter.Execute(ctx, &approved, decision.Quantity)

	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok = m.signals[id]
	if !ok {
		m.gate.Release(id)
		return
	}
	if err != nil {
		_ = sig.Transition(models.StatusFailed)
		sig.Reason = err.Error()
		m.persistLocked(sig)
		m.gate.Release(id)
		m.logger.WithError(err).WithField("signal", id).Warn("order execution failed")
		return
	}
	_ = sig.Transition(models.StatusExecuted)
	sig.OrderID = result.ID
	sig.ExecutedAt = m.now()
	m.persistLocked(sig)
	// The reservation keeps counting until the filled structure becomes
	// visible in reconstructed positions; the gate prunes it on its own.
	m.gate.MarkFilled(id)
	m.logger.WithFields(logrus.Fields{
		"signal":   id,
		"order_id": result.ID,
	}).Info("signal executed")
}

// reject moves a pending signal to rejected with a reason. Signals that
// left pending in the meantime are untouched.
func (m *Manager) reject(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return
	}
	if err := sig.Transition(models.StatusRejected); err != nil {
		return
	}
	sig.Reason = reason
	m.persistLocked(sig)
	m.logger.WithFields(logrus.Fields{
		"signal": id,
		"reason": reason,
	}).Info("signal rejected")
}

func (m *Manager) persistLocked(sig *models.Signal) {
	if m.journal == nil {
		return
	}
	if err := m.journal.SaveSignal(sig); err != nil {
		m.logger.WithError(err).WithField("signal", sig.ID).Warn("journal write failed")
	}
}
