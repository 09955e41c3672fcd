package signals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmilligan/autospread/internal/broker"
	"github.com/dmilligan/autospread/internal/models"
	"github.com/dmilligan/autospread/internal/risk"
)

type fakeGate struct {
	mu       sync.Mutex
	evals    int
	decision risk.Decision
	filled   []string
	released []string
}

func (f *fakeGate) Evaluate(_ *models.Signal, _ []models.Spread) risk.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	return f.decision
}

func (f *fakeGate) MarkFilled(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled = append(f.filled, id)
}

func (f *fakeGate) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
}

func (f *fakeGate) evalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evals
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSubmitter) Execute(_ context.Context, _ *models.Signal, _ int) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &broker.OrderResult{ID: "1001", Status: "Received"}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(t *testing.T, gate *fakeGate, sub *fakeSubmitter, clock *testClock) *Manager {
	t.Helper()
	if clock == nil {
		clock = &testClock{now: time.Now()}
	}
	m, err := NewManager(Options{
		Gate:      gate,
		Submitter: sub,
		Logger:    quietLogger(),
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return m
}

func testSignal(id string) *models.Signal {
	return &models.Signal{
		ID:                 id,
		Symbol:             "TQQQ",
		Strategy:           models.StrategyPutCredit,
		ShortStrike:        72,
		LongStrike:         65,
		Expiration:         time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		Confidence:         82,
		CapitalRequired:    700,
		PerContractMaxLoss: 415,
	}
}

func TestSubmitExecutesApprovedSignalOnce(t *testing.T) {
	gate := &fakeGate{decision: risk.Decision{Approved: true, Quantity: 1}}
	sub := &fakeSubmitter{}
	m := newTestManager(t, gate, sub, nil)

	_, err := m.Submit(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	m.Wait()

	// Re-delivery of the same identity must not re-run the gate or
	// submit a second order.
	_, err = m.Submit(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, 1, gate.evalCount())
	assert.Equal(t, 1, sub.callCount())

	sig, ok := m.Get("sig-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusExecuted, sig.Status)
	assert.Equal(t, "1001", sig.OrderID)
	assert.Equal(t, 1, sig.Quantity)
	// A fill settles the reservation; only failures release it outright.
	assert.Equal(t, []string{"sig-1"}, gate.filled)
	assert.Empty(t, gate.released)
}

func TestResubmitMergesLateFields(t *testing.T) {
	gate := &fakeGate{decision: risk.Decision{Approved: false, Reason: risk.ReasonLowConfidence}}
	m := newTestManager(t, gate, &fakeSubmitter{}, nil)

	_, err := m.Submit(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	m.Wait()

	update := testSignal("sig-1")
	update.Confidence = 91
	update.EstimatedPrice = 0.80
	_, err = m.Submit(context.Background(), update)
	require.NoError(t, err)
	m.Wait()

	sig, ok := m.Get("sig-1")
	require.True(t, ok)
	assert.InDelta(t, 91.0, sig.Confidence, 1e-9)
	assert.InDelta(t, 0.80, sig.EstimatedPrice, 1e-9)
	// Status stays where the lifecycle put it.
	assert.Equal(t, models.StatusRejected, sig.Status)
}

func TestDeniedSignalIsRejectedWithReason(t *testing.T) {
	gate := &fakeGate{decision: risk.Decision{Approved: false, Reason: risk.ReasonConcurrencyLimit}}
	sub := &fakeSubmitter{}
	m := newTestManager(t, gate, sub, nil)

	_, err := m.Submit(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	m.Wait()

	sig, _ := m.Get("sig-1")
	assert.Equal(t, models.StatusRejected, sig.Status)
	assert.Equal(t, risk.ReasonConcurrencyLimit, sig.Reason)
	assert.Zero(t, sub.callCount())
}

func TestFailedExecutionReleasesReservation(t *testing.T) {
	gate := &fakeGate{decision: risk.Decision{Approved: true, Quantity: 2}}
	sub := &fakeSubmitter{err: errors.New("order rejected")}
	m := newTestManager(t, gate, sub, nil)

	_, err := m.Submit(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	m.Wait()

	sig, _ := m.Get("sig-1")
	assert.Equal(t, models.StatusFailed, sig.Status)
	assert.Contains(t, sig.Reason, "order rejected")
	assert.Equal(t, []string{"sig-1"}, gate.released)
}

func TestOpenStructureFetchFailureDeniesSignal(t *testing.T) {
	gate := &fakeGate{decision: risk.Decision{Approved: true, Quantity: 1}}
	sub := &fakeSubmitter{}
	m := newTestManager(t, gate, sub, nil)
	m.open = func(context.Context) ([]models.Spread, error) {
		return nil, errors.New("broker unavailable")
	}

	_, err := m.Submit(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	m.Wait()

	sig, _ := m.Get("sig-1")
	assert.Equal(t, models.StatusRejected, sig.Status)
	assert.Zero(t, gate.evalCount(), "gate must not run on missing position data")
	assert.Zero(t, sub.callCount())
}

func TestSubmitAssignsIdentity(t *testing.T) {
	gate := &fakeGate{decision: risk.Decision{Approved: false, Reason: risk.ReasonNoProfile}}
	m := newTestManager(t, gate, &fakeSubmitter{}, nil)

	sig := testSignal("")
	id, err := m.Submit(context.Background(), sig)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	m.Wait()

	_, ok := m.Get(id)
	assert.True(t, ok)
}

func TestMarkStatusUnknownIdentityIsNoOp(t *testing.T) {
	m := newTestManager(t, &fakeGate{}, &fakeSubmitter{}, nil)
	assert.NoError(t, m.MarkStatus("missing", models.StatusTracked, ""))
}

func TestMarkStatusTracked(t *testing.T) {
	gate := &fakeGate{decision: risk.Decision{Approved: false, Reason: risk.ReasonNoProfile}}
	m := newTestManager(t, gate, &fakeSubmitter{}, nil)

	sig := testSignal("sig-1")
	// Keep it pending: don't let evaluation finish first.
	m.mu.Lock()
	m.signals["sig-1"] = sig
	sig.Status = models.StatusPending
	m.mu.Unlock()

	require.NoError(t, m.MarkStatus("sig-1", models.StatusTracked, "watch only"))
	got, _ := m.Get("sig-1")
	assert.Equal(t, models.StatusTracked, got.Status)
	assert.Equal(t, "watch only", got.Reason)
}

func TestSweepExpiresPendingAtMarketCloseInclusive(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	created := time.Date(2026, 1, 5, 15, 59, 0, 0, et)
	clock := &testClock{now: created}
	gate := &fakeGate{decision: risk.Decision{Approved: false, Reason: "hold"}}
	m := newTestManager(t, gate, &fakeSubmitter{}, clock)

	m.mu.Lock()
	m.signals["sig-1"] = &models.Signal{ID: "sig-1", Status: models.StatusPending, CreatedAt: created}
	m.mu.Unlock()

	// One minute before the close nothing expires.
	assert.Equal(t, 0, m.SweepExpired())

	// Exactly 16:00 is inclusive.
	clock.Set(time.Date(2026, 1, 5, 16, 0, 0, 0, et))
	assert.Equal(t, 1, m.SweepExpired())

	sig, _ := m.Get("sig-1")
	assert.Equal(t, models.StatusExpired, sig.Status)
}

func TestSweepLeavesNonPendingAlone(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	created := time.Date(2026, 1, 5, 10, 0, 0, 0, et)
	clock := &testClock{now: time.Date(2026, 1, 5, 17, 0, 0, 0, et)}
	m := newTestManager(t, &fakeGate{}, &fakeSubmitter{}, clock)

	m.mu.Lock()
	m.signals["executed"] = &models.Signal{ID: "executed", Status: models.StatusExecuted, CreatedAt: created}
	m.signals["tracked"] = &models.Signal{ID: "tracked", Status: models.StatusTracked, CreatedAt: created}
	m.signals["rejected"] = &models.Signal{ID: "rejected", Status: models.StatusRejected, CreatedAt: created}
	m.mu.Unlock()

	assert.Equal(t, 0, m.SweepExpired())
}

func TestMarkStatusIgnoresLateRejectionOfExecutingSignal(t *testing.T) {
	m := newTestManager(t, &fakeGate{}, &fakeSubmitter{}, nil)

	m.mu.Lock()
	m.signals["sig-1"] = &models.Signal{ID: "sig-1", Status: models.StatusExecuting, CreatedAt: time.Now()}
	m.mu.Unlock()

	// The order is already on its way to the broker; a user rejection at
	// this point changes nothing and must not surface as an error.
	require.NoError(t, m.MarkStatus("sig-1", models.StatusRejected, "changed my mind"))

	sig, ok := m.Get("sig-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusExecuting, sig.Status)
	assert.Empty(t, sig.Reason)
}

func TestSweepEvictsTerminalSignalsAfterRetention(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	start := time.Date(2026, 1, 5, 17, 0, 0, 0, et)
	clock := &testClock{now: start}
	m := newTestManager(t, &fakeGate{}, &fakeSubmitter{}, clock)

	m.mu.Lock()
	m.signals["done"] = &models.Signal{ID: "done", Status: models.StatusExecuted, CreatedAt: start.Add(-2 * time.Hour)}
	m.signals["live"] = &models.Signal{ID: "live", Status: models.StatusExecuting, CreatedAt: start.Add(-2 * time.Hour)}
	m.processed["done"] = struct{}{}
	m.processed["live"] = struct{}{}
	m.mu.Unlock()

	// First sweep only starts the retention clock for the terminal signal.
	m.SweepExpired()
	_, ok := m.Get("done")
	assert.True(t, ok)

	// Still inside the window: nothing is dropped.
	clock.Set(start.Add(defaultRetention - time.Minute))
	m.SweepExpired()
	_, ok = m.Get("done")
	assert.True(t, ok)

	// Past the window the terminal signal and its dedup entry go; the
	// in-flight one stays untouched.
	clock.Set(start.Add(defaultRetention))
	m.SweepExpired()
	_, ok = m.Get("done")
	assert.False(t, ok)
	_, ok = m.Get("live")
	assert.True(t, ok)

	m.mu.Lock()
	_, dedup := m.processed["done"]
	m.mu.Unlock()
	assert.False(t, dedup)
}

func TestSweepRetentionIsConfigurable(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC)}
	m, err := NewManager(Options{
		Gate:      &fakeGate{},
		Submitter: &fakeSubmitter{},
		Logger:    quietLogger(),
		Now:       clock.Now,
		Retention: time.Hour,
	})
	require.NoError(t, err)

	m.mu.Lock()
	m.signals["done"] = &models.Signal{ID: "done", Status: models.StatusRejected, CreatedAt: clock.Now()}
	m.mu.Unlock()

	m.SweepExpired()
	clock.Set(clock.Now().Add(time.Hour))
	m.SweepExpired()

	_, ok := m.Get("done")
	assert.False(t, ok)
}

func TestSignalsSortedByCreation(t *testing.T) {
	clock := &testClock{now: time.Now()}
	gate := &fakeGate{decision: risk.Decision{Approved: false, Reason: "hold"}}
	m := newTestManager(t, gate, &fakeSubmitter{}, clock)

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		sig := testSignal(id)
		sig.CreatedAt = base.Add(time.Duration(2-i) * time.Minute)
		_, err := m.Submit(context.Background(), sig)
		require.NoError(t, err)
	}
	m.Wait()

	list := m.Signals()
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "c", list[2].ID)
}
