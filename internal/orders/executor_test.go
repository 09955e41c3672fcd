package orders

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmilligan/autospread/internal/broker"
	"github.com/dmilligan/autospread/internal/models"
)

type fakeBroker struct {
	quotes    map[string]broker.Quote
	quotesErr error
	submitted []*broker.OrderTicket
	submitErr error
	result    *broker.OrderResult
}

func (f *fakeBroker) GetQuotes(_ context.Context, symbols []string) (map[string]broker.Quote, error) {
	if f.quotesErr != nil {
		return nil, f.quotesErr
	}
	out := make(map[string]broker.Quote)
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (f *fakeBroker) GetPositions(context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}

func (f *fakeBroker) GetBalances(context.Context) (*broker.Balances, error) {
	return &broker.Balances{}, nil
}

func (f *fakeBroker) SubmitOrder(_ context.Context, ticket *broker.OrderTicket) (*broker.OrderResult, error) {
	f.submitted = append(f.submitted, ticket)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &broker.OrderResult{ID: "1001", Status: "Received"}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func cspSignal() *models.Signal {
	return &models.Signal{
		ID:          "sig-1",
		Symbol:      "TQQQ",
		Strategy:    models.StrategyCashSecuredPut,
		ShortStrike: 72,
		Expiration:  time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
	}
}

func spreadSignal() *models.Signal {
	sig := cspSignal()
	sig.Strategy = models.StrategyPutCredit
	sig.LongStrike = 65
	return sig
}

func TestExecuteSingleLegCreditConcession(t *testing.T) {
	fb := &fakeBroker{quotes: map[string]broker.Quote{
		"TQQQ  260116P00072000": {Bid: 1.00, Ask: 1.10},
	}}
	ex := NewExecutor(fb, nil, quietLogger())

	result, err := ex.Execute(context.Background(), cspSignal(), 1)
	require.NoError(t, err)
	assert.Equal(t, "1001", result.ID)

	require.Len(t, fb.submitted, 1)
	ticket := fb.submitted[0]
	assert.Equal(t, broker.OrderTypeLimit, ticket.OrderType)
	assert.Equal(t, broker.PriceEffectCredit, ticket.PriceEffect)
	// bid 1.00 with the 5% concession.
	assert.InDelta(t, 0.95, ticket.Price, 1e-9)
	require.Len(t, ticket.Legs, 1)
	assert.Equal(t, "TQQQ  260116P00072000", ticket.Legs[0].Symbol)
	assert.Equal(t, broker.ActionSellToOpen, ticket.Legs[0].Action)
}

func TestExecuteCreditSpreadPricing(t *testing.T) {
	fb := &fakeBroker{quotes: map[string]broker.Quote{
		"TQQQ  260116P00072000": {Bid: 1.00, Ask: 1.10},
		"TQQQ  260116P00065000": {Bid: 0.25, Ask: 0.30},
	}}
	ex := NewExecutor(fb, nil, quietLogger())

	_, err := ex.Execute(context.Background(), spreadSignal(), 2)
	require.NoError(t, err)

	ticket := fb.submitted[0]
	// Net credit (1.00 - 0.30) with the concession, rounded to the cent.
	assert.InDelta(t, 0.67, ticket.Price, 1e-9)
	require.Len(t, ticket.Legs, 2)
	assert.Equal(t, broker.ActionSellToOpen, ticket.Legs[0].Action)
	assert.Equal(t, 2, ticket.Legs[0].Quantity)
	assert.Equal(t, broker.ActionBuyToOpen, ticket.Legs[1].Action)
	assert.Equal(t, 2, ticket.Legs[1].Quantity)
}

func TestExecuteDiagonalDebitPricing(t *testing.T) {
	sig := cspSignal()
	sig.Strategy = models.StrategyDiagonal
	sig.Direction = models.DirectionBullish
	sig.LongStrike = 60
	sig.BackExpiration = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	fb := &fakeBroker{quotes: map[string]broker.Quote{
		"TQQQ  260116C00072000": {Bid: 0.80, Ask: 0.90},
		"TQQQ  260320C00060000": {Bid: 13.80, Ask: 14.10},
	}}
	ex := NewExecutor(fb, nil, quietLogger())

	_, err := ex.Execute(context.Background(), sig, 1)
	require.NoError(t, err)

	ticket := fb.submitted[0]
	assert.Equal(t, broker.PriceEffectDebit, ticket.PriceEffect)
	// Net cost to establish: long ask minus short bid.
	assert.InDelta(t, 13.30, ticket.Price, 1e-9)
}

func TestExecuteFallsBackToEstimate(t *testing.T) {
	sig := cspSignal()
	sig.EstimatedPrice = 0.88

	fb := &fakeBroker{} // no quotes available
	ex := NewExecutor(fb, nil, quietLogger())

	_, err := ex.Execute(context.Background(), sig, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.88, fb.submitted[0].Price, 1e-9)
}

func TestExecuteFailsWithoutAnyPrice(t *testing.T) {
	fb := &fakeBroker{}
	ex := NewExecutor(fb, nil, quietLogger())

	_, err := ex.Execute(context.Background(), cspSignal(), 1)
	require.ErrorIs(t, err, ErrNoPrice)
	assert.Empty(t, fb.submitted, "no order may reach the broker without a price")
}

func TestExecuteWrapsBrokerRejection(t *testing.T) {
	fb := &fakeBroker{
		quotes: map[string]broker.Quote{
			"TQQQ  260116P00072000": {Bid: 1.00, Ask: 1.10},
		},
		submitErr: &broker.APIError{Status: 422, Code: "margin_check_failed", Body: "Insufficient buying power"},
	}
	ex := NewExecutor(fb, nil, quietLogger())

	_, err := ex.Execute(context.Background(), cspSignal(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), broker.RejectionInsufficientFunds.Message())

	var apiErr *broker.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestRegistryFallsBackToDiagonal(t *testing.T) {
	reg := NewRegistry(quietLogger())
	sig := cspSignal()
	sig.Strategy = models.StrategyTag("IRON_BUTTERFLY")
	sig.BackExpiration = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	built, err := reg.Lookup(sig.Strategy)(sig, 1)
	require.NoError(t, err)
	assert.Equal(t, broker.PriceEffectDebit, built.Effect)
	require.Len(t, built.Legs, 2)
	assert.Equal(t, broker.ActionBuyToOpen, built.Legs[0].Action)
	assert.Equal(t, broker.ActionSellToOpen, built.Legs[1].Action)
}

func TestBuilderRejectsInvertedStrikes(t *testing.T) {
	sig := spreadSignal()
	sig.LongStrike = 80 // above the short strike

	_, err := buildPutCredit(sig, 1)
	assert.Error(t, err)

	bc := cspSignal()
	bc.Strategy = models.StrategyBearCall
	bc.LongStrike = 70 // below the short strike
	_, err = buildBearCall(bc, 1)
	assert.Error(t, err)
}

func TestBackRatioDoublesLongQuantity(t *testing.T) {
	sig := spreadSignal()
	sig.Strategy = models.StrategyBackRatio

	built, err := buildBackRatio(sig, 2)
	require.NoError(t, err)
	require.Len(t, built.Legs, 2)
	assert.Equal(t, 2, built.Legs[0].Quantity)
	assert.Equal(t, 4, built.Legs[1].Quantity)
}

func TestCloseSubmitsMirrorLegsAsMarket(t *testing.T) {
	fb := &fakeBroker{}
	ex := NewExecutor(fb, nil, quietLogger())

	spread := &models.Spread{
		Type:       models.SpreadPutCredit,
		Underlying: "TQQQ",
		ShortLeg:   &models.Leg{Symbol: "TQQQ  260116P00072000", Quantity: -2},
		LongLeg:    &models.Leg{Symbol: "TQQQ  260116P00065000", Quantity: 2},
	}

	_, err := ex.Close(context.Background(), spread)
	require.NoError(t, err)

	require.Len(t, fb.submitted, 1)
	ticket := fb.submitted[0]
	assert.Equal(t, broker.OrderTypeMarket, ticket.OrderType)
	assert.Empty(t, ticket.PriceEffect)
	require.Len(t, ticket.Legs, 2)
	assert.Equal(t, broker.ActionBuyToClose, ticket.Legs[0].Action)
	assert.Equal(t, 2, ticket.Legs[0].Quantity)
	assert.Equal(t, broker.ActionSellToClose, ticket.Legs[1].Action)
	assert.Equal(t, 2, ticket.Legs[1].Quantity)
}
