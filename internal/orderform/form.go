// Package orderform owns the buy and sell order-entry forms for the active
// market.
//
// Each side is a small state machine over three coupled numeric inputs —
// rate, lot count, quantity — plus a slider bound to the fraction of the
// side's maximum order size. Rate input is adjusted to the market's rate
// step, quantity input is truncated to whole lots, and both adjustments raise
// a visible rounded-warning flag that temporarily blocks submission.
//
// Maximum-order-size estimates are fetched asynchronously. Requests are
// debounced, tagged with a per-side generation, and only the response
// matching the latest issued generation is applied; earlier in-flight
// responses are discarded. Buy-side estimates are cached per adjusted rate
// (the maximum buy depends on the chosen price), the sell-side estimate is a
// single rate-independent value, and each cache entry records the wallet
// balance that backed it so a balance change invalidates it.
//
// All methods must be called from the session's event loop. The only
// concurrency is the debounce timer and the estimator call itself, both of
// which touch nothing but values captured at schedule time and deliver their
// outcome through the controller's results channel for the session to apply.
package orderform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marketview/internal/format"
	"marketview/internal/model"
)

// estimateDebounce coalesces rapid input changes before an estimate request
// fires.
const estimateDebounce = 100 * time.Millisecond

// estimateTimeout bounds the estimator call itself so an unresponsive wallet
// cannot leak goroutines.
const estimateTimeout = 30 * time.Second

// MaxOrderEstimate is the wallet-derived bound on one side's order size.
type MaxOrderEstimate struct {
	// Lots is the maximum order size in lots.
	Lots uint64

	// QtyAtomic is the corresponding quantity in atomic base units.
	QtyAtomic uint64

	// SwapFees is the estimated on-chain cost of swapping at this size.
	SwapFees uint64
}

// Estimator fetches maximum-order-size estimates from the wallet backend.
// MaxBuy depends on the candidate rate; MaxSell does not.
type Estimator interface {
	MaxBuy(ctx context.Context, host, market string, msgRate uint64) (*MaxOrderEstimate, error)
	MaxSell(ctx context.Context, host, market string) (*MaxOrderEstimate, error)
}

// Submitter places orders with the matching service.
type Submitter interface {
	Submit(ctx context.Context, form *TradeForm) error
}

// TradeForm is a draft order handed to the Submitter. ClientRef correlates
// the submission with own-order marking before the server assigns an ID.
type TradeForm struct {
	ClientRef string
	Host      string
	Market    string
	Side      model.Side
	MsgRate   uint64 // 0 for a market order
	QtyAtomic uint64
}

// EstimateResult is the outcome of one asynchronous estimate request,
// delivered on the controller's results channel.
type EstimateResult struct {
	Side model.Side

	// Gen is the generation the request was issued under. Results whose
	// generation no longer matches the side's latest are discarded.
	Gen uint64

	// MsgRate is the adjusted rate a buy estimate was requested at.
	MsgRate uint64

	Est *MaxOrderEstimate
	Err error
}

// ValidationKind identifies a pre-submission validation failure.
type ValidationKind int

const (
	// KindZeroQty: quantity is zero or below one lot.
	KindZeroQty ValidationKind = iota

	// KindRateBelowMinimum: rate is under the market's minimum quote.
	KindRateBelowMinimum

	// KindQtyExceedsMax: quantity exceeds the cached maximum order size.
	// This is a soft UI-level check; the authoritative check happens
	// server-side at placement time.
	KindQtyExceedsMax
)

// ValidationError maps a failure kind to its user-visible message and the
// field to highlight.
type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
}

// Error satisfies the error interface.
func (e *ValidationError) Error() string { return e.Message }

// Estimate-path errors.
var (
	// ErrNoEstimate indicates no usable maximum-order estimate is cached for
	// the current inputs.
	ErrNoEstimate = errors.New("no max order estimate available")
)

// cachedEstimate pairs an estimate with the wallet balance recorded when the
// cache was filled; a balance note reporting a different available balance
// invalidates it.
type cachedEstimate struct {
	est           *MaxOrderEstimate
	balanceAtFill uint64
}

// Preview is the computed totals for a valid (qty, rate) pair.
type Preview struct {
	// QuoteTotal is qty × rate / rateEncodingFactor, in quote atoms.
	QuoteTotal uint64

	// Quote and Base are the conventional-unit totals for display.
	Quote decimal.Decimal
	Base  decimal.Decimal
}

// Form is the order-entry state machine for one side.
type Form struct {
	side      model.Side
	mkt       model.MarketConfig
	estimator Estimator
	results   chan<- EstimateResult

	// WarnField, when set, is invoked with the field name whenever an input
	// adjustment should trigger the rounded-warning animation.
	WarnField func(field string)

	msgRate   uint64
	lots      uint64
	qtyAtomic uint64

	rateRounded bool
	qtyRounded  bool

	// Estimate caches. maxBuys is keyed by adjusted message rate; maxSell is
	// a single rate-independent value.
	maxBuys map[uint64]cachedEstimate
	maxSell *cachedEstimate

	// balance is the funding wallet's last reported available balance: the
	// quote asset for buys, the base asset for sells.
	balance uint64

	// gen is the side's monotonically incrementing estimate request counter.
	gen uint64

	// lastEstimateErr disables submission with an explanation when the
	// backend estimate call failed; manual entry stays enabled.
	lastEstimateErr error

	debounce *time.Timer
}

// Controller owns the two forms and the shared results channel.
type Controller struct {
	buy, sell *Form
	results   chan EstimateResult
	submitter Submitter
}

// NewController creates the buy and sell forms for a market. The controller
// is created per session and replaced wholesale on every market switch, so
// in-flight results for an old market drain into an abandoned channel.
func NewController(mkt model.MarketConfig, estimator Estimator, submitter Submitter) *Controller {
	c := &Controller{
		results:   make(chan EstimateResult, 16),
		submitter: submitter,
	}
	c.buy = &Form{side: model.Buy, mkt: mkt, estimator: estimator, results: c.results, maxBuys: make(map[uint64]cachedEstimate)}
	c.sell = &Form{side: model.Sell, mkt: mkt, estimator: estimator, results: c.results, maxBuys: make(map[uint64]cachedEstimate)}
	return c
}

// Buy returns the buy-side form.
func (c *Controller) Buy() *Form { return c.buy }

// Sell returns the sell-side form.
func (c *Controller) Sell() *Form { return c.sell }

// Results is the channel carrying asynchronous estimate outcomes. The session
// loop drains it and passes each result to ApplyEstimate.
func (c *Controller) Results() <-chan EstimateResult { return c.results }

// ApplyEstimate applies an estimate result to its side's cache. Results
// issued under a superseded generation are discarded, so of several requests
// resolving out of order only the latest issued one takes effect.
func (c *Controller) ApplyEstimate(res EstimateResult) {
	f := c.form(res.Side)
	if res.Gen != f.gen {
		log.Debug().
			Uint64("gen", res.Gen).
			Uint64("latest", f.gen).
			Str("side", res.Side.String()).
			Msg("discarding stale estimate result")
		return
	}

	if res.Err != nil {
		f.lastEstimateErr = res.Err
		return
	}
	f.lastEstimateErr = nil

	entry := cachedEstimate{est: res.Est, balanceAtFill: f.balance}
	if res.Side == model.Buy {
		f.maxBuys[res.MsgRate] = entry
	} else {
		f.maxSell = &entry
	}
}

// Submit validates the side's form and places the draft order. The returned
// TradeForm carries the client reference used for own-order correlation.
func (c *Controller) Submit(ctx context.Context, side model.Side) (*TradeForm, error) {
	f := c.form(side)
	if verr := f.Validate(); verr != nil {
		return nil, verr
	}
	if f.rateRounded || f.qtyRounded {
		return nil, fmt.Errorf("inputs were adjusted, review before submitting")
	}

	form := &TradeForm{
		ClientRef: uuid.NewString(),
		Host:      f.mkt.Host,
		Market:    f.mkt.Name,
		Side:      side,
		MsgRate:   f.msgRate,
		QtyAtomic: f.qtyAtomic,
	}
	if err := c.submitter.Submit(ctx, form); err != nil {
		return nil, err
	}
	return form, nil
}

func (c *Controller) form(side model.Side) *Form {
	if side == model.Buy {
		return c.buy
	}
	return c.sell
}

// AdjustRate rounds a message rate to the market's rate step: buys round
// down, sells round up, so adjustment never prices the user better than
// requested. Adjustment is idempotent.
func (f *Form) AdjustRate(msgRate uint64) uint64 {
	step := f.mkt.RateStep
	if step == 0 || msgRate%step == 0 {
		return msgRate
	}
	down := msgRate - msgRate%step
	if f.side == model.Buy {
		return down
	}
	return down + step
}

// SetRateField parses and applies the rate input. Non-numeric or
// non-positive input is rejected without state change. An applied value that
// required rate-step adjustment sets the rounded-warning flag, which blocks
// submission until the field is re-set. A buy-side rate change schedules a
// fresh maximum-buy estimate; the sell side's maximum does not depend on
// rate.
func (f *Form) SetRateField(input string) error {
	conv, err := format.ParsePositive(input)
	if err != nil {
		return err
	}

	msgRate := format.MsgRate(conv, f.mkt.BaseUnit, f.mkt.QuoteUnit)
	if msgRate == 0 {
		return format.ErrNotPositive
	}

	adjusted := f.AdjustRate(msgRate)
	// A buy rate below the step rounds down to zero, which encodes a market
	// order. Reject it before touching form state.
	if adjusted == 0 {
		return format.ErrNotPositive
	}
	f.rateRounded = adjusted != msgRate
	if f.rateRounded {
		f.warn("rate")
	}
	f.msgRate = adjusted

	if f.side == model.Buy {
		if _, ok := f.maxBuys[adjusted]; !ok {
			f.scheduleEstimate()
		}
	}
	return nil
}

// ClearRateWarning acknowledges the rounded-rate adjustment, re-enabling
// submission at the adjusted value.
func (f *Form) ClearRateWarning() { f.rateRounded = false }

// SetLotsField parses and applies the lot-count input, recomputing quantity
// as lots × lotSize.
func (f *Form) SetLotsField(input string) error {
	lotsDec, err := format.ParsePositive(input)
	if err != nil {
		return err
	}
	if !lotsDec.Equal(lotsDec.Floor()) {
		return format.ErrNotANumber
	}
	f.setLots(lotsDec.BigInt().Uint64())
	f.qtyRounded = false
	return nil
}

// SetQtyField parses and applies the quantity input. The quantity is
// truncated to a whole number of lots and re-derived from the truncated lot
// count, so the field always holds a whole-lot quantity. Input that was not
// already lot-aligned sets the rounded-warning flag.
func (f *Form) SetQtyField(input string) error {
	conv, err := format.ParsePositive(input)
	if err != nil {
		return err
	}

	atoms := format.Atoms(conv, f.mkt.BaseUnit)
	lots := atoms / f.mkt.LotSize
	f.setLots(lots)
	f.qtyRounded = f.qtyAtomic != atoms
	if f.qtyRounded {
		f.warn("qty")
	}
	return nil
}

// SetSlider maps a [0,1] fraction to an integer lot count against the side's
// cached maximum order size. Moving the slider writes the lot and quantity
// fields but never issues an estimate request. Without a cached maximum it
// reports ErrNoEstimate.
func (f *Form) SetSlider(fraction float64) error {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	max := f.cachedMax()
	if max == nil {
		return ErrNoEstimate
	}

	f.setLots(uint64(fraction * float64(max.Lots)))
	f.qtyRounded = false
	return nil
}

// Lots returns the current lot count.
func (f *Form) Lots() uint64 { return f.lots }

// QtyAtomic returns the current quantity in atomic base units.
func (f *Form) QtyAtomic() uint64 { return f.qtyAtomic }

// QtyString returns the quantity field's display value in conventional units.
func (f *Form) QtyString() string {
	return format.FormatQty(f.qtyAtomic, f.mkt.BaseUnit)
}

// MsgRate returns the current adjusted message rate.
func (f *Form) MsgRate() uint64 { return f.msgRate }

// RateString returns the rate field's display value in conventional units.
func (f *Form) RateString() string {
	return format.FormatRate(f.msgRate, f.mkt.BaseUnit, f.mkt.QuoteUnit)
}

// RateRounded reports whether the last rate input required adjustment.
func (f *Form) RateRounded() bool { return f.rateRounded }

// QtyRounded reports whether the last quantity input required truncation.
func (f *Form) QtyRounded() bool { return f.qtyRounded }

// HandleBalanceChange processes a wallet balance note for the side's funding
// asset. Cache entries whose recorded balance matches the reported available
// balance are retained; any other reported balance clears them, and a fresh
// estimate is scheduled when the cleared entry backed the current inputs.
func (f *Form) HandleBalanceChange(available uint64) {
	f.balance = available

	if f.side == model.Sell {
		if f.maxSell != nil && f.maxSell.balanceAtFill != available {
			f.maxSell = nil
			f.scheduleEstimate()
		}
		return
	}

	refetch := false
	for rate, entry := range f.maxBuys {
		if entry.balanceAtFill != available {
			delete(f.maxBuys, rate)
			if rate == f.msgRate {
				refetch = true
			}
		}
	}
	if refetch {
		f.scheduleEstimate()
	}
}

// Balance returns the funding asset's last reported available balance.
func (f *Form) Balance() uint64 { return f.balance }

// MaxLots returns the cached maximum order size in lots, or ok = false when
// no estimate covers the current inputs.
func (f *Form) MaxLots() (uint64, bool) {
	max := f.cachedMax()
	if max == nil {
		return 0, false
	}
	return max.Lots, true
}

// Validate checks the form against the market's limits before submission.
// The returned error carries the failure kind, field, and user-visible
// message; nil means the inputs are submittable.
func (f *Form) Validate() *ValidationError {
	if f.lots == 0 || f.qtyAtomic < f.mkt.LotSize {
		return &ValidationError{
			Kind:    KindZeroQty,
			Field:   "qty",
			Message: fmt.Sprintf("order quantity must be at least one lot (%s)", format.FormatQty(f.mkt.LotSize, f.mkt.BaseUnit)),
		}
	}
	if f.msgRate < f.mkt.MinimumRate {
		return &ValidationError{
			Kind:    KindRateBelowMinimum,
			Field:   "rate",
			Message: fmt.Sprintf("rate is below the market minimum of %s", format.FormatRate(f.mkt.MinimumRate, f.mkt.BaseUnit, f.mkt.QuoteUnit)),
		}
	}
	if max := f.cachedMax(); max != nil && f.lots > max.Lots {
		return &ValidationError{
			Kind:    KindQtyExceedsMax,
			Field:   "qty",
			Message: fmt.Sprintf("quantity exceeds the estimated maximum of %d lots", max.Lots),
		}
	}
	return nil
}

// Preview computes the quote- and base-asset totals for the current inputs.
// ok is false while the inputs fail validation.
func (f *Form) Preview() (Preview, bool) {
	if f.Validate() != nil {
		return Preview{}, false
	}
	quoteAtoms := format.QuoteTotal(f.qtyAtomic, f.msgRate)
	return Preview{
		QuoteTotal: quoteAtoms,
		Quote:      format.Conventional(quoteAtoms, f.mkt.QuoteUnit),
		Base:       format.Conventional(f.qtyAtomic, f.mkt.BaseUnit),
	}, true
}

// CanSubmit reports whether the submit button is enabled, with a
// human-readable reason when it is not. Evaluated against the current wallet
// balance each time inputs change.
func (f *Form) CanSubmit() (bool, string) {
	if f.lastEstimateErr != nil {
		return false, fmt.Sprintf("max order estimate unavailable: %v", f.lastEstimateErr)
	}
	if f.rateRounded {
		return false, "rate was adjusted to the market's rate step"
	}
	if f.qtyRounded {
		return false, "quantity was rounded down to a whole number of lots"
	}
	if verr := f.Validate(); verr != nil {
		return false, verr.Message
	}

	// Soft balance check: the cost of the order in the funding asset must be
	// covered by the last reported available balance.
	cost := f.qtyAtomic
	if f.side == model.Buy {
		cost = format.QuoteTotal(f.qtyAtomic, f.msgRate)
	}
	if cost > f.balance {
		return false, "insufficient available balance"
	}
	return true, ""
}

// scheduleEstimate issues a generation-tagged maximum-order request after the
// debounce delay. The generation is claimed now, on the caller's thread, so a
// later schedule immediately supersedes this one even before its timer fires;
// the timer and the estimator call touch only the captured copies.
func (f *Form) scheduleEstimate() {
	if f.estimator == nil {
		return
	}

	f.gen++
	gen, side, rate := f.gen, f.side, f.msgRate
	host, market := f.mkt.Host, f.mkt.Name
	estimator, results := f.estimator, f.results

	if f.debounce != nil {
		f.debounce.Stop()
	}
	f.debounce = time.AfterFunc(estimateDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), estimateTimeout)
		defer cancel()

		var est *MaxOrderEstimate
		var err error
		if side == model.Buy {
			est, err = estimator.MaxBuy(ctx, host, market, rate)
		} else {
			est, err = estimator.MaxSell(ctx, host, market)
		}

		select {
		case results <- EstimateResult{Side: side, Gen: gen, MsgRate: rate, Est: est, Err: err}:
		default:
			log.Warn().Str("side", side.String()).Msg("estimate results channel full, dropping result")
		}
	})
}

// RefreshEstimate forces a new estimate request for the side's current
// inputs, bypassing the cache (the generation still supersedes any pending
// request).
func (f *Form) RefreshEstimate() {
	f.scheduleEstimate()
}

func (f *Form) setLots(lots uint64) {
	f.lots = lots
	f.qtyAtomic = lots * f.mkt.LotSize
}

func (f *Form) cachedMax() *MaxOrderEstimate {
	if f.side == model.Sell {
		if f.maxSell == nil {
			return nil
		}
		return f.maxSell.est
	}
	entry, ok := f.maxBuys[f.msgRate]
	if !ok {
		return nil
	}
	return entry.est
}

func (f *Form) warn(field string) {
	if f.WarnField != nil {
		f.WarnField(field)
	}
}
