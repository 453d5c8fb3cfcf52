package orderform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketview/internal/format"
	"marketview/internal/model"
)

// MockEstimator is a mock wallet estimate backend.
type MockEstimator struct {
	mock.Mock
}

func (m *MockEstimator) MaxBuy(ctx context.Context, host, market string, msgRate uint64) (*MaxOrderEstimate, error) {
	args := m.Called(ctx, host, market, msgRate)
	if est := args.Get(0); est != nil {
		return est.(*MaxOrderEstimate), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEstimator) MaxSell(ctx context.Context, host, market string) (*MaxOrderEstimate, error) {
	args := m.Called(ctx, host, market)
	if est := args.Get(0); est != nil {
		return est.(*MaxOrderEstimate), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSubmitter records submitted trade forms.
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, form *TradeForm) error {
	return m.Called(ctx, form).Error(0)
}

// testMarket uses 1e8 atoms per conventional unit on both assets and a lot
// size of one conventional unit.
func testMarket() model.MarketConfig {
	return model.MarketConfig{
		Host:        "dex.example.org",
		Name:        "dcr_btc",
		LotSize:     1e8,
		RateStep:    1e5,
		MinimumRate: 1e5,
		BaseUnit:    model.UnitInfo{Unit: "DCR", ConversionFactor: 1e8},
		QuoteUnit:   model.UnitInfo{Unit: "BTC", ConversionFactor: 1e8},
	}
}

func newTestController() (*Controller, *MockEstimator, *MockSubmitter) {
	estimator := &MockEstimator{}
	submitter := &MockSubmitter{}
	return NewController(testMarket(), estimator, submitter), estimator, submitter
}

// allowEstimates lets debounce timers fire against the mock without tripping
// an unexpected-call panic in tests that only exercise the synchronous path.
func allowEstimates(e *MockEstimator) {
	e.On("MaxBuy", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("estimator offline")).Maybe()
	e.On("MaxSell", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("estimator offline")).Maybe()
}

func Test_AdjustRate(t *testing.T) {
	c, _, _ := newTestController()

	tests := []struct {
		name string
		side model.Side
		in   uint64
		want uint64
	}{
		{"buy rounds down", model.Buy, 150_000 + 37, 150_000},
		{"sell rounds up", model.Sell, 150_000 + 37, 200_000},
		{"aligned buy unchanged", model.Buy, 300_000, 300_000},
		{"aligned sell unchanged", model.Sell, 300_000, 300_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := c.Buy()
			if tt.side == model.Sell {
				f = c.Sell()
			}
			got := f.AdjustRate(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, f.AdjustRate(got), "adjustment must be idempotent")
		})
	}
}

func Test_SetRateField(t *testing.T) {
	c, estimator, _ := newTestController()
	allowEstimates(estimator)
	buy := c.Buy()

	assert.ErrorIs(t, buy.SetRateField("abc"), format.ErrNotANumber)
	assert.ErrorIs(t, buy.SetRateField("-1"), format.ErrNotPositive)
	assert.ErrorIs(t, buy.SetRateField("0"), format.ErrNotPositive)

	// 0.002 BTC/DCR encodes to 200_000, already step-aligned.
	require.NoError(t, buy.SetRateField("0.002"))
	assert.Equal(t, uint64(200_000), buy.MsgRate())

	// A buy rate below the step would round down to zero, the market-order
	// encoding. It is rejected and the form keeps the prior rate.
	assert.ErrorIs(t, buy.SetRateField("0.0000001"), format.ErrNotPositive)
	assert.Equal(t, uint64(200_000), buy.MsgRate())
	assert.False(t, buy.RateRounded())
	assert.False(t, buy.RateRounded())

	// 0.0020007 truncates to the step below and raises the rounded warning.
	var warned string
	buy.WarnField = func(field string) { warned = field }
	require.NoError(t, buy.SetRateField("0.0020007"))
	assert.Equal(t, uint64(200_000), buy.MsgRate())
	assert.True(t, buy.RateRounded())
	assert.Equal(t, "rate", warned)

	ok, reason := buy.CanSubmit()
	assert.False(t, ok, "rounded rate blocks submission until acknowledged")
	assert.Contains(t, reason, "rate")

	buy.ClearRateWarning()
	assert.False(t, buy.RateRounded())
}

func Test_LotQtyCoupling(t *testing.T) {
	c, _, _ := newTestController()
	sell := c.Sell()

	// qty(lots(L)) round-trips for any whole lot count.
	require.NoError(t, sell.SetLotsField("7"))
	assert.Equal(t, uint64(7), sell.Lots())
	assert.Equal(t, uint64(7e8), sell.QtyAtomic())

	require.NoError(t, sell.SetQtyField(sell.QtyString()))
	assert.Equal(t, uint64(7), sell.Lots(), "lotsFromQty(qtyFromLots(L)) == L")
	assert.False(t, sell.QtyRounded())

	// "2.37" with a 1.0-unit lot size truncates to 2 lots with the rounding
	// flag set.
	var warned string
	sell.WarnField = func(field string) { warned = field }
	require.NoError(t, sell.SetQtyField("2.37"))
	assert.Equal(t, uint64(2), sell.Lots())
	assert.Equal(t, uint64(2e8), sell.QtyAtomic())
	assert.Equal(t, "2", sell.QtyString())
	assert.True(t, sell.QtyRounded())
	assert.Equal(t, "qty", warned)

	assert.Error(t, sell.SetLotsField("2.5"), "lot count must be a whole number")
	assert.Error(t, sell.SetQtyField("bogus"))
}

func Test_Slider(t *testing.T) {
	c, _, _ := newTestController()
	sell := c.Sell()

	// No cached estimate yet.
	assert.ErrorIs(t, sell.SetSlider(0.5), ErrNoEstimate)

	sell.maxSell = &cachedEstimate{est: &MaxOrderEstimate{Lots: 10, QtyAtomic: 10e8}}

	require.NoError(t, sell.SetSlider(0.5))
	assert.Equal(t, uint64(5), sell.Lots())

	require.NoError(t, sell.SetSlider(1.7)) // clamped to 1
	assert.Equal(t, uint64(10), sell.Lots())

	require.NoError(t, sell.SetSlider(-0.3)) // clamped to 0
	assert.Zero(t, sell.Lots())
}

func Test_EstimateGenerationDedup(t *testing.T) {
	c, estimator, _ := newTestController()
	allowEstimates(estimator)
	sell := c.Sell()

	// Three requests issued in rapid succession claim generations 1..3.
	sell.RefreshEstimate()
	sell.RefreshEstimate()
	sell.RefreshEstimate()
	require.Equal(t, uint64(3), sell.gen)

	resultFor := func(gen, lots uint64) EstimateResult {
		return EstimateResult{
			Side: model.Sell,
			Gen:  gen,
			Est:  &MaxOrderEstimate{Lots: lots, QtyAtomic: lots * 1e8},
		}
	}

	// Responses resolve out of order: only generation 3 may take effect.
	c.ApplyEstimate(resultFor(2, 20))
	c.ApplyEstimate(resultFor(3, 30))
	c.ApplyEstimate(resultFor(1, 10))

	lots, ok := sell.MaxLots()
	require.True(t, ok)
	assert.Equal(t, uint64(30), lots)
}

func Test_EstimateDebounceFires(t *testing.T) {
	c, estimator, _ := newTestController()
	sell := c.Sell()

	estimator.On("MaxSell", mock.Anything, "dex.example.org", "dcr_btc").
		Return(&MaxOrderEstimate{Lots: 4, QtyAtomic: 4e8}, nil)

	sell.RefreshEstimate()

	select {
	case res := <-c.Results():
		c.ApplyEstimate(res)
	case <-time.After(time.Second):
		t.Fatal("estimate request never fired")
	}

	lots, ok := sell.MaxLots()
	require.True(t, ok)
	assert.Equal(t, uint64(4), lots)
	estimator.AssertExpectations(t)
}

func Test_BuyEstimateCachedPerRate(t *testing.T) {
	c, estimator, _ := newTestController()
	allowEstimates(estimator)
	buy := c.Buy()
	buy.balance = 1000

	require.NoError(t, buy.SetRateField("0.002"))
	gen := buy.gen
	c.ApplyEstimate(EstimateResult{
		Side:    model.Buy,
		Gen:     gen,
		MsgRate: buy.MsgRate(),
		Est:     &MaxOrderEstimate{Lots: 8, QtyAtomic: 8e8},
	})

	lots, ok := buy.MaxLots()
	require.True(t, ok)
	assert.Equal(t, uint64(8), lots)

	// A different rate has no cached estimate, so a fresh request schedules.
	require.NoError(t, buy.SetRateField("0.003"))
	_, ok = buy.MaxLots()
	assert.False(t, ok)
	assert.Greater(t, buy.gen, gen)

	// Returning to the first rate serves from cache without a new request.
	genBefore := buy.gen
	require.NoError(t, buy.SetRateField("0.002"))
	lots, ok = buy.MaxLots()
	require.True(t, ok)
	assert.Equal(t, uint64(8), lots)
	assert.Equal(t, genBefore, buy.gen)
}

func Test_BalanceChangeInvalidatesCaches(t *testing.T) {
	c, estimator, _ := newTestController()
	allowEstimates(estimator)
	sell := c.Sell()

	sell.balance = 500
	sell.maxSell = &cachedEstimate{
		est:           &MaxOrderEstimate{Lots: 6, QtyAtomic: 6e8},
		balanceAtFill: 500,
	}

	// Balance note reporting the recorded value retains the cache.
	sell.HandleBalanceChange(500)
	_, ok := sell.MaxLots()
	assert.True(t, ok)

	// Any other reported balance clears it and schedules a fresh estimate.
	genBefore := sell.gen
	sell.HandleBalanceChange(400)
	_, ok = sell.MaxLots()
	assert.False(t, ok)
	assert.Greater(t, sell.gen, genBefore)
}

func Test_Validate(t *testing.T) {
	c, estimator, _ := newTestController()
	allowEstimates(estimator)
	buy := c.Buy()

	verr := buy.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, KindZeroQty, verr.Kind)

	require.NoError(t, buy.SetLotsField("2"))
	verr = buy.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, KindRateBelowMinimum, verr.Kind)

	require.NoError(t, buy.SetRateField("0.002"))
	assert.Nil(t, buy.Validate())

	// Exceeding the cached maximum is a soft failure.
	buy.maxBuys[buy.MsgRate()] = cachedEstimate{est: &MaxOrderEstimate{Lots: 1, QtyAtomic: 1e8}}
	verr = buy.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, KindQtyExceedsMax, verr.Kind)
}

func Test_Preview(t *testing.T) {
	c, estimator, _ := newTestController()
	allowEstimates(estimator)
	buy := c.Buy()

	_, ok := buy.Preview()
	assert.False(t, ok, "no preview while inputs are invalid")

	require.NoError(t, buy.SetRateField("0.002"))
	require.NoError(t, buy.SetLotsField("3"))

	p, ok := buy.Preview()
	require.True(t, ok)
	// 3e8 atoms at rate 200_000: 3e8 × 2e5 / 1e8 = 6e5 quote atoms.
	assert.Equal(t, uint64(600_000), p.QuoteTotal)
	assert.Equal(t, "0.000006", p.Quote.String(), "0.000006 BTC")
	assert.Equal(t, "3", p.Base.String())
}

func Test_CanSubmit(t *testing.T) {
	c, estimator, _ := newTestController()
	allowEstimates(estimator)
	buy := c.Buy()

	require.NoError(t, buy.SetRateField("0.002"))
	require.NoError(t, buy.SetLotsField("3"))

	ok, reason := buy.CanSubmit()
	assert.False(t, ok)
	assert.Contains(t, reason, "balance")

	buy.HandleBalanceChange(600_000)
	ok, _ = buy.CanSubmit()
	assert.True(t, ok)

	// Estimate failure disables submission with an explanation but leaves
	// manual entry intact.
	buy.lastEstimateErr = errors.New("wallet not running")
	ok, reason = buy.CanSubmit()
	assert.False(t, ok)
	assert.Contains(t, reason, "wallet not running")
	require.NoError(t, buy.SetLotsField("2"))
}

func Test_Submit(t *testing.T) {
	c, estimator, submitter := newTestController()
	allowEstimates(estimator)
	buy := c.Buy()

	require.NoError(t, buy.SetRateField("0.002"))
	require.NoError(t, buy.SetLotsField("3"))

	submitter.On("Submit", mock.Anything, mock.MatchedBy(func(form *TradeForm) bool {
		return form.Side == model.Buy &&
			form.MsgRate == 200_000 &&
			form.QtyAtomic == 3e8 &&
			form.ClientRef != ""
	})).Return(nil)

	form, err := c.Submit(context.Background(), model.Buy)
	require.NoError(t, err)
	assert.Equal(t, "dcr_btc", form.Market)
	submitter.AssertExpectations(t)

	// A rejected submission surfaces the backend error verbatim.
	rejecting := &MockSubmitter{}
	rejecting.On("Submit", mock.Anything, mock.Anything).Return(errors.New("order rejected: parcel limit"))
	c2, estimator2, _ := newTestController()
	allowEstimates(estimator2)
	c2.submitter = rejecting
	require.NoError(t, c2.Buy().SetRateField("0.002"))
	require.NoError(t, c2.Buy().SetLotsField("1"))
	_, err = c2.Submit(context.Background(), model.Buy)
	assert.ErrorContains(t, err, "parcel limit")
}
