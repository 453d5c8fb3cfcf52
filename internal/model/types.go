// Package model defines core data types for the market-view client.
//
// This package contains the fundamental data structures shared by the order
// book, row aggregation, chart, and order-entry components: orders as they
// appear on the remote matching service's book feed, candle bins, and the
// static configuration of a market (lot size, rate step, unit conversion
// factors).
//
// Quantities and rates travel on the wire as integers to avoid floating-point
// rounding: quantities in atomic units of the base asset, rates encoded as
// atoms-quote per atom-base scaled by RateEncodingFactor. Conversions to
// conventional units use decimal.Decimal so display math stays exact.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RateEncodingFactor scales the quote-atoms-per-base-atom price ratio into the
// integer message-rate used on the wire. A message rate of 0 denotes a market
// order.
const RateEncodingFactor uint64 = 1e8

// Side distinguishes the two halves of an order book.
type Side uint8

const (
	// Buy is the bid side of the book, sorted best (highest) rate first.
	Buy Side = iota

	// Sell is the ask side of the book, sorted best (lowest) rate first.
	Sell
)

// String returns the lower-case side name for logging.
func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Order is one order as tracked by the book feed.
//
// An Order with a non-nil Epoch is queued in that epoch's batch auction and
// not yet booked; a nil Epoch means the order is standing on the book. A
// MsgRate of zero marks a market order, which the book model never stores —
// market orders exist only for the duration of their epoch and are shown by
// the row-aggregation layer alone.
type Order struct {
	// ID uniquely identifies the order within a market and side.
	ID string

	// Side is which half of the book the order belongs to.
	Side Side

	// MsgRate is the message-encoded limit rate. 0 signifies a market order.
	MsgRate uint64

	// Qty is the remaining quantity in conventional units, carried alongside
	// the atomic value so display code never re-derives it.
	Qty decimal.Decimal

	// QtyAtomic is the remaining quantity in atomic units of the base asset.
	QtyAtomic uint64

	// Epoch, when non-nil, is the epoch whose queue holds this order.
	Epoch *uint64
}

// EpochQueued reports whether the order is waiting in an epoch queue rather
// than standing on the book.
func (o *Order) EpochQueued() bool {
	return o.Epoch != nil
}

// UnitInfo describes how an asset's atomic units convert to its conventional
// display denomination.
type UnitInfo struct {
	// Unit is the conventional unit ticker, e.g. "DCR".
	Unit string

	// ConversionFactor is the number of atomic units per conventional unit.
	ConversionFactor uint64
}

// MarketConfig is the static configuration of one market, fetched once at
// market selection and immutable for the life of the session.
type MarketConfig struct {
	// Host is the matching service that runs the market.
	Host string

	// Name is the market identifier in base_quote form, e.g. "dcr_btc".
	Name string

	// BaseID and QuoteID are the asset identifiers of the pair, used to route
	// wallet balance notifications to the side they fund.
	BaseID  uint32
	QuoteID uint32

	// LotSize is the minimum tradable increment, in atomic base units.
	LotSize uint64

	// RateStep is the minimum increment between valid quotes, message-encoded.
	RateStep uint64

	// MinimumRate is the lowest acceptable quote, message-encoded.
	MinimumRate uint64

	// ParcelSize is the number of lots per parcel, used by the matching
	// service for trading-limit accounting.
	ParcelSize uint32

	// EpochDuration is the batch-auction round length in milliseconds.
	EpochDuration uint64

	// BaseUnit and QuoteUnit carry the unit conversion metadata for the two
	// assets of the pair.
	BaseUnit  UnitInfo
	QuoteUnit UnitInfo
}

// Candle is one fixed-duration bin of match history.
type Candle struct {
	// StartStamp and EndStamp bound the bin, in milliseconds since the Unix
	// epoch. An incoming candle whose StartStamp matches the cache's last
	// entry refines that bin in place rather than opening a new one.
	StartStamp uint64
	EndStamp   uint64

	// MatchVolume is the traded base-asset volume in atomic units.
	MatchVolume uint64

	// StartRate, EndRate, HighRate and LowRate are message-encoded.
	StartRate uint64
	EndRate   uint64
	HighRate  uint64
	LowRate   uint64
}

// ErrEmptyMarketName is returned for an empty market identifier.
var ErrEmptyMarketName = errors.New("market name cannot be empty")

// ValidateMarketName checks that a market identifier follows the expected
// base_quote form with non-empty base and quote tickers. The matching service
// is the authority on which markets exist; this only rejects strings that
// could never name one.
func ValidateMarketName(name string) error {
	if name == "" {
		return ErrEmptyMarketName
	}

	parts := strings.Split(name, "_")
	if len(parts) != 2 {
		return fmt.Errorf("invalid market name: expected base_quote, got %q", name)
	}

	if len(parts[0]) == 0 {
		return errors.New("base asset cannot be empty")
	}

	if len(parts[1]) == 0 {
		return errors.New("quote asset cannot be empty")
	}

	return nil
}
