// Package session owns the active market selection and wires the book,
// table, chart, and order-entry components to the streaming feed.
//
// The session follows the actor model: a single Run goroutine owns all
// mutable state and processes discrete events — feed notes, timer callbacks
// posted back as tasks, and asynchronous estimate results. Nothing blocks the
// loop; slow work (estimates, candle snapshots) happens elsewhere and its
// results are applied only if still relevant.
//
// Relevance is enforced two ways, mirroring the shared-state policy for the
// whole client: every feed note carries its originating host and market
// identifier and is silently dropped on a mismatch, and every delayed
// callback captures the session generation at schedule time and is discarded
// when the generation has moved on. The CurrentMarket value is replaced
// wholesale on every market switch, never mutated across switches, so
// anything still holding the old one is inert once those guards run.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marketview/internal/book"
	"marketview/internal/chart"
	"marketview/internal/feed"
	"marketview/internal/format"
	"marketview/internal/model"
	"marketview/internal/orderform"
	"marketview/internal/view"
)

const (
	// candleRequestTimeout bounds a candle-snapshot request before a visible
	// error is reported. There is no automatic retry.
	candleRequestTimeout = 10 * time.Second

	// ownOrderSweepShort and ownOrderSweepLong are the two delayed own-order
	// marking passes that tolerate the book feed and user-order feed arriving
	// out of order.
	ownOrderSweepShort = 250 * time.Millisecond
	ownOrderSweepLong  = 2 * time.Second
)

// ErrNoMarket is returned for operations that need an active market.
var ErrNoMarket = errors.New("no active market")

// FeedConn sends client-originating requests on the feed connection.
type FeedConn interface {
	SendRequest(feed.Request) error
}

// Store persists the last-selected market and candle duration between runs.
type Store interface {
	SaveLastMarket(host, name string) error
	SaveLastDuration(durMs uint64) error
}

// CurrentMarket bundles everything owned by one market selection. It is
// created whole on SetMarket and never reused across switches.
type CurrentMarket struct {
	// Cfg is the market's static configuration.
	Cfg model.MarketConfig

	// Book is the live order book model.
	Book *book.Book

	// Table is the row-aggregated display of the book.
	Table *view.Table

	// Chart renders the selected duration's candles.
	Chart *chart.Renderer

	// Candles caches candle history per bin duration.
	Candles map[uint64]*chart.CandleCache

	// Orders is the buy/sell order-entry controller.
	Orders *orderform.Controller

	// RateConversionFactor is the mid-price-derived conventional price,
	// refreshed from recent-match summaries and used for fiat-equivalent
	// display by outer layers.
	RateConversionFactor decimal.Decimal

	// DisplayedDur is the candle duration currently charted.
	DisplayedDur uint64

	// spotSeen is set once a recent-match summary has supplied the
	// conversion factor; until then the book's mid-gap stands in.
	spotSeen bool
}

// Session is the root market controller.
type Session struct {
	conn      FeedConn
	notes     <-chan feed.Note
	store     Store
	renderer  view.Renderer
	surface   chart.Surface
	legend    chart.LegendFunc
	estimator orderform.Estimator
	submitter orderform.Submitter

	// onError surfaces terminal UI-level failures (candle timeout, subscribe
	// failure) as visible text.
	onError func(msg string)

	current *CurrentMarket

	// gen is the market generation; delayed callbacks compare their captured
	// value against it before running.
	gen uint64

	// tasks carries timer callbacks back onto the event loop.
	tasks chan func()

	// ownIDs is the user's active order identifiers, fed by the independent
	// user-order stream and by local submissions.
	ownIDs map[string]struct{}

	// awaitingCandles marks a pending snapshot request per duration.
	awaitingCandles map[uint64]bool
}

// Config collects the session's collaborators.
type Config struct {
	Conn      FeedConn
	Notes     <-chan feed.Note
	Store     Store
	Renderer  view.Renderer
	Surface   chart.Surface
	Legend    chart.LegendFunc
	Estimator orderform.Estimator
	Submitter orderform.Submitter
	OnError   func(msg string)
}

// New creates a Session with no active market.
func New(cfg Config) *Session {
	onError := cfg.OnError
	if onError == nil {
		onError = func(msg string) { log.Error().Msg(msg) }
	}
	return &Session{
		conn:            cfg.Conn,
		notes:           cfg.Notes,
		store:           cfg.Store,
		renderer:        cfg.Renderer,
		surface:         cfg.Surface,
		legend:          cfg.Legend,
		estimator:       cfg.Estimator,
		submitter:       cfg.Submitter,
		onError:         onError,
		tasks:           make(chan func(), 32),
		ownIDs:          make(map[string]struct{}),
		awaitingCandles: make(map[uint64]bool),
	}
}

// Current returns the active market state, or nil before the first SetMarket.
func (s *Session) Current() *CurrentMarket { return s.current }

// Run processes events until the context is cancelled or the notes channel
// closes. All session state is owned by this goroutine.
func (s *Session) Run(ctx context.Context) {
	for {
		// The estimate-results channel belongs to the current market's
		// controller and changes on every switch.
		var results <-chan orderform.EstimateResult
		if s.current != nil {
			results = s.current.Orders.Results()
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("market session stopped")
			return
		case note, ok := <-s.notes:
			if !ok {
				log.Info().Msg("feed closed, market session stopped")
				return
			}
			s.handleNote(note)
		case task := <-s.tasks:
			task()
		case res := <-results:
			s.current.Orders.ApplyEstimate(res)
		}
	}
}

// SetMarket switches the active market. The old market's subscription is
// cancelled, the whole CurrentMarket value is replaced, and the new market's
// feed subscription and candle snapshot are requested. In-flight work for the
// old market is not cancelled; its results fail the host/market and
// generation guards and are dropped.
func (s *Session) SetMarket(cfg model.MarketConfig) error {
	if err := model.ValidateMarketName(cfg.Name); err != nil {
		return err
	}

	if s.current != nil {
		old := s.current.Cfg
		if err := s.conn.SendRequest(feed.Request{
			Route:   feed.UnsubscribeRoute,
			Payload: feed.SubscribePayload{Host: old.Host, MarketID: old.Name},
		}); err != nil {
			log.Warn().Err(err).Str("market", old.Name).Msg("failed to unsubscribe old market")
		}
	}

	s.gen++
	s.awaitingCandles = make(map[uint64]bool)

	mkt := &CurrentMarket{
		Cfg:     cfg,
		Book:    book.New(),
		Candles: make(map[uint64]*chart.CandleCache),
		Orders:  orderform.NewController(cfg, s.estimator, s.submitter),
	}
	mkt.Table = view.NewTable(s.renderer)
	mkt.Chart = chart.NewRenderer(s.surface, s.legend)
	s.current = mkt

	if err := s.conn.SendRequest(feed.Request{
		Route:   feed.SubscribeRoute,
		Payload: feed.SubscribePayload{Host: cfg.Host, MarketID: cfg.Name},
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s at %s: %w", cfg.Name, cfg.Host, err)
	}

	if s.store != nil {
		if err := s.store.SaveLastMarket(cfg.Host, cfg.Name); err != nil {
			log.Warn().Err(err).Msg("failed to persist market selection")
		}
	}

	log.Info().Str("host", cfg.Host).Str("market", cfg.Name).Msg("market selected")
	return nil
}

// SetCandleDuration charts the given bin duration, serving from cache when
// possible and otherwise requesting a snapshot with a timeout.
func (s *Session) SetCandleDuration(durMs uint64) error {
	mkt := s.current
	if mkt == nil {
		return ErrNoMarket
	}

	mkt.DisplayedDur = durMs
	if s.store != nil {
		if err := s.store.SaveLastDuration(durMs); err != nil {
			log.Warn().Err(err).Msg("failed to persist candle duration")
		}
	}

	if cache, ok := mkt.Candles[durMs]; ok {
		mkt.Chart.SetCache(cache)
		return nil
	}

	if err := s.conn.SendRequest(feed.Request{
		Route:   feed.LoadCandlesRoute,
		Payload: feed.LoadCandlesPayload{Host: mkt.Cfg.Host, MarketID: mkt.Cfg.Name, DurMs: durMs},
	}); err != nil {
		return fmt.Errorf("failed to request candles: %w", err)
	}

	s.awaitingCandles[durMs] = true
	s.afterGuarded(candleRequestTimeout, func() {
		if s.awaitingCandles[durMs] {
			delete(s.awaitingCandles, durMs)
			s.onError(fmt.Sprintf("no candle data received for %s within %s", s.current.Cfg.Name, candleRequestTimeout))
		}
	})
	return nil
}

// SubmitOrder validates and places the draft order for one side and records
// its client reference for own-order correlation.
func (s *Session) SubmitOrder(ctx context.Context, side model.Side) (*orderform.TradeForm, error) {
	if s.current == nil {
		return nil, ErrNoMarket
	}
	form, err := s.current.Orders.Submit(ctx, side)
	if err != nil {
		return nil, err
	}
	s.ownIDs[form.ClientRef] = struct{}{}
	s.scheduleOwnOrderSweeps()
	return form, nil
}

// HandleUserOrder applies an event from the independent user-order feed. The
// two feeds carry no cross-ordering guarantee, so marking sweeps are
// re-scheduled rather than applied inline.
func (s *Session) HandleUserOrder(token string, active bool) {
	if active {
		s.ownIDs[token] = struct{}{}
	} else {
		delete(s.ownIDs, token)
	}
	s.scheduleOwnOrderSweeps()
}

// HandleBalanceNote routes a wallet balance update to the form it funds: the
// quote asset backs buys, the base asset backs sells. A balance change
// invalidates the affected estimate caches.
func (s *Session) HandleBalanceNote(assetID uint32, available uint64) {
	mkt := s.current
	if mkt == nil {
		return
	}
	switch assetID {
	case mkt.Cfg.QuoteID:
		mkt.Orders.Buy().HandleBalanceChange(available)
	case mkt.Cfg.BaseID:
		mkt.Orders.Sell().HandleBalanceChange(available)
	}
}

// handleNote dispatches one feed event. Notes for a host or market other than
// the current selection are silently dropped; that is the feed's
// concurrency-control mechanism against stale subscriptions after a market
// switch, not an error.
func (s *Session) handleNote(note feed.Note) {
	mkt := s.current
	if mkt == nil {
		return
	}
	host, marketID := note.Origin()
	if host != mkt.Cfg.Host || marketID != mkt.Cfg.Name {
		log.Debug().
			Str("host", host).
			Str("market", marketID).
			Str("route", note.Route()).
			Msg("dropping stale feed note")
		return
	}

	switch n := note.(type) {
	case *feed.BookNote:
		s.handleBookSnapshot(n)
	case *feed.BookOrderNote:
		ord := s.noteOrder(n.Order)
		mkt.Book.Add(ord)
		mkt.Table.AddOrder(ord)
		s.refreshConversionFactor()
		s.scheduleOwnOrderSweeps()
	case *feed.UnbookOrderNote:
		mkt.Book.Remove(n.Token)
		mkt.Table.RemoveOrder(n.Token)
		s.refreshConversionFactor()
	case *feed.UpdateRemainingNote:
		qty := format.Conventional(n.QtyAtomic, mkt.Cfg.BaseUnit)
		mkt.Book.UpdateRemaining(n.Token, qty, n.QtyAtomic)
		mkt.Table.UpdateRemaining(n.Token, qty, n.QtyAtomic)
	case *feed.EpochOrderNote:
		ord := s.noteOrder(n.Order)
		if ord.Epoch == nil {
			epoch := n.Epoch
			ord.Epoch = &epoch
		}
		mkt.Book.Add(ord)
		mkt.Table.AddOrder(ord)
		s.scheduleOwnOrderSweeps()
	case *feed.NewEpochNote:
		mkt.Book.SetEpoch(n.Epoch)
		mkt.Table.ClearEpoch(n.Epoch)
		s.purgeStaleEpoch(n.Epoch)
		s.refreshConversionFactor()
	case *feed.CandlesNote:
		s.handleCandleSnapshot(n)
	case *feed.CandleUpdateNote:
		s.handleCandleUpdate(n)
	case *feed.SpotsNote:
		mkt.spotSeen = true
		mkt.RateConversionFactor = format.ConventionalRate(n.Rate, mkt.Cfg.BaseUnit, mkt.Cfg.QuoteUnit)
	default:
		log.Debug().Str("route", note.Route()).Msg("unhandled feed note")
	}
}

// handleBookSnapshot reloads the book and table from a full snapshot, the one
// case where the whole table redraws.
func (s *Session) handleBookSnapshot(n *feed.BookNote) {
	mkt := s.current
	mkt.Book.Clear()
	mkt.Book.SetEpoch(n.Epoch)
	for i := range n.Orders {
		mkt.Book.Add(s.noteOrder(n.Orders[i]))
	}
	mkt.Table.Reload(mkt.Book)
	s.refreshConversionFactor()
	s.scheduleOwnOrderSweeps()
}

// refreshConversionFactor derives the conversion factor from the book's
// mid-gap until the first recent-match summary arrives; after that the
// summary's last-trade rate is authoritative.
func (s *Session) refreshConversionFactor() {
	mkt := s.current
	if mkt.spotSeen {
		return
	}
	if rate, ok := mkt.Book.MidGapRate(); ok {
		mkt.RateConversionFactor = format.ConventionalRate(rate, mkt.Cfg.BaseUnit, mkt.Cfg.QuoteUnit)
	}
}

func (s *Session) handleCandleSnapshot(n *feed.CandlesNote) {
	mkt := s.current
	delete(s.awaitingCandles, n.DurMs)

	candles := make([]model.Candle, len(n.Candles))
	for i, wc := range n.Candles {
		candles[i] = wireCandle(wc)
	}
	cache := chart.NewCandleCache(n.DurMs, candles)
	mkt.Candles[n.DurMs] = cache
	if n.DurMs == mkt.DisplayedDur {
		mkt.Chart.SetCache(cache)
	}
}

func (s *Session) handleCandleUpdate(n *feed.CandleUpdateNote) {
	mkt := s.current
	cache, ok := mkt.Candles[n.DurMs]
	if !ok {
		// No snapshot for this duration yet; nothing to refine.
		return
	}
	if n.DurMs == mkt.DisplayedDur {
		// The chart shares the cache and redraws.
		mkt.Chart.Update(n.DurMs, wireCandle(n.Candle))
		return
	}
	cache.Add(wireCandle(n.Candle))
}

// purgeStaleEpoch drops epoch-queued orders from superseded rounds out of the
// book model, matching the purge the table applies to its rows.
func (s *Session) purgeStaleEpoch(newEpoch uint64) {
	b := s.current.Book
	var stale []string
	for _, side := range [][]*model.Order{b.Buys(), b.Sells()} {
		for _, ord := range side {
			if ord.Epoch != nil && *ord.Epoch != newEpoch {
				stale = append(stale, ord.ID)
			}
		}
	}
	for _, id := range stale {
		b.Remove(id)
	}
}

// scheduleOwnOrderSweeps runs the own-order marking pass twice, after a short
// and a longer delay, to tolerate the unsynchronized book and user-order
// feeds. Best effort only.
func (s *Session) scheduleOwnOrderSweeps() {
	sweep := func() {
		s.current.Table.MarkOwnOrders(s.ownIDs)
	}
	s.afterGuarded(ownOrderSweepShort, sweep)
	s.afterGuarded(ownOrderSweepLong, sweep)
}

// afterGuarded posts fn onto the event loop after the delay, discarding it if
// the market generation has moved on by the time it runs.
func (s *Session) afterGuarded(delay time.Duration, fn func()) {
	gen := s.gen
	time.AfterFunc(delay, func() {
		select {
		case s.tasks <- func() {
			if s.gen == gen {
				fn()
			}
		}:
		default:
			log.Warn().Msg("session task queue full, dropping delayed callback")
		}
	})
}

// wireCandle converts a feed candle to the model.
func wireCandle(wc feed.WireCandle) model.Candle {
	return model.Candle{
		StartStamp:  wc.StartStamp,
		EndStamp:    wc.EndStamp,
		MatchVolume: wc.MatchVolume,
		StartRate:   wc.StartRate,
		EndRate:     wc.EndRate,
		HighRate:    wc.HighRate,
		LowRate:     wc.LowRate,
	}
}

// noteOrder converts a wire order to the model, deriving the conventional
// quantity from the market's base unit.
func (s *Session) noteOrder(n feed.NoteOrder) *model.Order {
	side := model.Buy
	if n.Sell {
		side = model.Sell
	}
	return &model.Order{
		ID:        n.Token,
		Side:      side,
		MsgRate:   n.MsgRate,
		Qty:       format.Conventional(n.QtyAtomic, s.current.Cfg.BaseUnit),
		QtyAtomic: n.QtyAtomic,
		Epoch:     n.Epoch,
	}
}
