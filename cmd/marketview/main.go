/*
Package main runs the market-view client against a matching service's
streaming feed.

The client subscribes to one market's order-book and candle feeds, maintains
the reconciled book and chart state, and logs row and frame updates as they
happen. The wallet-backed collaborators (balance queries, maximum-order
estimation, order submission) are external services; when they are not
wired in, order entry stays usable but submission remains disabled with an
explanation, matching the client's degraded-wallet behavior.

Usage:

	go run main.go -config=marketview.yaml -market=dcr_btc

The last-selected market and candle duration persist in the settings
database and are restored on the next run.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"marketview/internal/chart"
	"marketview/internal/config"
	"marketview/internal/feed"
	"marketview/internal/model"
	"marketview/internal/orderform"
	"marketview/internal/session"
	"marketview/internal/storage"
	"marketview/internal/view"
)

// Command-line flags. The market flags override both the config file and the
// persisted last selection.
var (
	configPath = flag.String("config", "marketview.yaml", "Path to the YAML config file")
	marketHost = flag.String("host", "", "Matching service host override")
	marketName = flag.String("market", "", "Market name override, e.g. dcr_btc")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("logging setup failed")
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open settings store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	client, err := feed.Dial(ctx, feed.Config{
		Endpoint:        cfg.Feed.Endpoint,
		TLSInsecureSkip: cfg.Feed.TLSInsecureSkip,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to market feed")
	}
	defer client.Close()

	sess := session.New(session.Config{
		Conn:      client,
		Notes:     client.Notes,
		Store:     store,
		Renderer:  &logRenderer{},
		Surface:   &logSurface{},
		Legend:    logLegend,
		Estimator: nil, // wallet service not wired in this build
		Submitter: disabledSubmitter{},
		OnError: func(msg string) {
			log.Error().Msg(msg)
		},
	})

	host, name := resolveMarket(cfg, store)
	mkt := model.MarketConfig{
		Host: host,
		Name: name,
		// Market parameters come from the service's config endpoint in a
		// full deployment; these are the common defaults.
		LotSize:   1e6,
		RateStep:  1e2,
		BaseUnit:  model.UnitInfo{Unit: "BASE", ConversionFactor: 1e8},
		QuoteUnit: model.UnitInfo{Unit: "QUOTE", ConversionFactor: 1e8},
	}
	if err := sess.SetMarket(mkt); err != nil {
		log.Fatal().Err(err).Msg("failed to select market")
	}

	if durMs, err := store.LastDuration(); err == nil && durMs > 0 {
		if err := sess.SetCandleDuration(durMs); err != nil {
			log.Warn().Err(err).Msg("failed to restore candle duration")
		}
	}

	log.Info().Str("host", host).Str("market", name).Msg("market view running")
	sess.Run(ctx)
}

// resolveMarket picks the market to open: flag overrides, then the persisted
// last selection, then the config default.
func resolveMarket(cfg *config.Config, store *storage.Store) (host, name string) {
	if *marketHost != "" && *marketName != "" {
		return *marketHost, *marketName
	}
	if h, n, err := store.LastMarket(); err == nil && h != "" && n != "" {
		return h, n
	}
	return cfg.Market.Host, cfg.Market.Name
}

// logRenderer writes row mutations to the log, standing in for a display
// tree.
type logRenderer struct{}

func (r *logRenderer) InsertRow(side model.Side, row *view.Row, _ *view.Row) {
	log.Info().
		Str("side", side.String()).
		Uint64("rate", row.MsgRate).
		Bool("epoch", row.EpochQueued).
		Str("qty", row.Qty().String()).
		Msg("row added")
}

func (r *logRenderer) UpdateRow(side model.Side, row *view.Row) {
	log.Info().
		Str("side", side.String()).
		Uint64("rate", row.MsgRate).
		Int("orders", row.Count()).
		Str("qty", row.Qty().String()).
		Bool("own", row.Own).
		Msg("row updated")
}

func (r *logRenderer) RemoveRow(side model.Side, row *view.Row) {
	log.Info().
		Str("side", side.String()).
		Uint64("rate", row.MsgRate).
		Msg("row removed")
}

func (r *logRenderer) ClearSide(side model.Side) {
	log.Info().Str("side", side.String()).Msg("side cleared")
}

// logSurface logs frame extents instead of drawing.
type logSurface struct{}

func (s *logSurface) RenderFrame(f chart.Frame) {
	log.Info().
		Int("candles", len(f.Candles)).
		Uint64("durMs", f.DurMs).
		Float64("minRate", f.MinRate).
		Float64("maxRate", f.MaxRate).
		Uint64("maxVolume", f.MaxVolume).
		Msg("chart frame")
}

func logLegend(c *model.Candle) {
	if c == nil {
		return
	}
	log.Debug().Uint64("start", c.StartStamp).Uint64("close", c.EndRate).Msg("legend candle")
}

// disabledSubmitter rejects submissions while no wallet service is attached.
type disabledSubmitter struct{}

func (disabledSubmitter) Submit(context.Context, *orderform.TradeForm) error {
	return errors.New("order submission requires a connected wallet service")
}
