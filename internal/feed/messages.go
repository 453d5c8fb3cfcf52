// Package feed implements the JSON-over-WebSocket connection to a matching
// service's market data feed.
//
// This file defines the typed note payloads carried on the feed and the
// envelope parsing that turns a raw frame into one of them. Every note
// carries the originating host and market identifier so consumers can drop
// events from a stale subscription after a market switch. Payloads are
// decoded with goccy/go-json and field-checked with validator struct tags;
// a frame that fails either step is reported as an error and otherwise
// ignored.
package feed

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// Server-originating note routes.
const (
	// BookRoute delivers a full order-book snapshot.
	BookRoute = "book"

	// BookOrderRoute notifies of an order added to the book.
	BookOrderRoute = "book_order"

	// UnbookOrderRoute notifies of an order removed from the book.
	UnbookOrderRoute = "unbook_order"

	// UpdateRemainingRoute notifies of a change to an order's remaining
	// quantity.
	UpdateRemainingRoute = "update_remaining"

	// EpochOrderRoute notifies of an order entering the current epoch queue.
	EpochOrderRoute = "epoch_order"

	// NewEpochRoute notifies of an epoch transition.
	NewEpochRoute = "new_epoch"

	// CandlesRoute delivers a candle-history snapshot for one duration.
	CandlesRoute = "candles"

	// CandleUpdateRoute delivers an incremental candle refinement.
	CandleUpdateRoute = "candle_update"

	// SpotsRoute delivers the recent-match summary for the market.
	SpotsRoute = "spots"
)

// Client-originating request routes.
const (
	// SubscribeRoute subscribes to a market's book feed.
	SubscribeRoute = "orderbook"

	// UnsubscribeRoute cancels a market's book feed subscription.
	UnsubscribeRoute = "unsub_orderbook"

	// LoadCandlesRoute requests a candle snapshot for a duration.
	LoadCandlesRoute = "loadcandles"
)

// Envelope parsing errors.
var (
	// ErrUnknownRoute marks a frame whose route has no registered payload
	// type. The session drops these silently.
	ErrUnknownRoute = errors.New("unknown note route")
)

// validate checks payload struct tags after decoding.
var validateNote = validator.New()

// Note is a typed feed event. Origin returns the host and market identifier
// the event was emitted for, used for staleness filtering.
type Note interface {
	Route() string
	Origin() (host, marketID string)
}

// MarketOrigin is embedded by every note payload.
type MarketOrigin struct {
	Host     string `json:"host" validate:"required"`
	MarketID string `json:"marketID" validate:"required"`
}

// Origin implements Note.
func (o MarketOrigin) Origin() (string, string) { return o.Host, o.MarketID }

// NoteOrder is one order as encoded on the feed. A zero MsgRate marks a
// market order; a non-nil Epoch places the order in that epoch's queue.
type NoteOrder struct {
	Token     string  `json:"token" validate:"required"`
	Sell      bool    `json:"sell"`
	MsgRate   uint64  `json:"msgRate"`
	QtyAtomic uint64  `json:"qtyAtomic"`
	Epoch     *uint64 `json:"epoch,omitempty"`
}

// BookNote is a full book snapshot: the active epoch plus every booked and
// epoch-queued order.
type BookNote struct {
	MarketOrigin
	Epoch  uint64      `json:"epoch"`
	Orders []NoteOrder `json:"orders" validate:"dive"`
}

// Route implements Note.
func (*BookNote) Route() string { return BookRoute }

// BookOrderNote reports an order added to the book.
type BookOrderNote struct {
	MarketOrigin
	Order NoteOrder `json:"order" validate:"required"`
}

// Route implements Note.
func (*BookOrderNote) Route() string { return BookOrderRoute }

// UnbookOrderNote reports an order removed from the book.
type UnbookOrderNote struct {
	MarketOrigin
	Token string `json:"token" validate:"required"`
}

// Route implements Note.
func (*UnbookOrderNote) Route() string { return UnbookOrderRoute }

// UpdateRemainingNote reports a partial fill of a booked order.
type UpdateRemainingNote struct {
	MarketOrigin
	Token     string `json:"token" validate:"required"`
	QtyAtomic uint64 `json:"qtyAtomic"`
}

// Route implements Note.
func (*UpdateRemainingNote) Route() string { return UpdateRemainingRoute }

// EpochOrderNote reports an order entering the current epoch queue.
type EpochOrderNote struct {
	MarketOrigin
	Epoch uint64    `json:"epoch"`
	Order NoteOrder `json:"order" validate:"required"`
}

// Route implements Note.
func (*EpochOrderNote) Route() string { return EpochOrderRoute }

// NewEpochNote reports an epoch transition.
type NewEpochNote struct {
	MarketOrigin
	Epoch uint64 `json:"epoch"`
}

// Route implements Note.
func (*NewEpochNote) Route() string { return NewEpochRoute }

// WireCandle is one candle bin as encoded on the feed.
type WireCandle struct {
	StartStamp  uint64 `json:"startStamp" validate:"required"`
	EndStamp    uint64 `json:"endStamp"`
	MatchVolume uint64 `json:"matchVolume"`
	StartRate   uint64 `json:"startRate"`
	EndRate     uint64 `json:"endRate"`
	HighRate    uint64 `json:"highRate"`
	LowRate     uint64 `json:"lowRate"`
}

// CandlesNote is a candle-history snapshot for one bin duration.
type CandlesNote struct {
	MarketOrigin
	DurMs   uint64       `json:"durMs" validate:"required"`
	Candles []WireCandle `json:"candles" validate:"dive"`
}

// Route implements Note.
func (*CandlesNote) Route() string { return CandlesRoute }

// CandleUpdateNote is an incremental refinement of one duration's last
// candle, or the opening of a new bin.
type CandleUpdateNote struct {
	MarketOrigin
	DurMs  uint64     `json:"durMs" validate:"required"`
	Candle WireCandle `json:"candle" validate:"required"`
}

// Route implements Note.
func (*CandleUpdateNote) Route() string { return CandleUpdateRoute }

// SpotsNote is the recent-match summary: the last match rate and rolling
// volume, used to refresh the session's rate-conversion factor.
type SpotsNote struct {
	MarketOrigin
	Rate   uint64  `json:"rate"`
	Change float64 `json:"change24"`
	Vol24  uint64  `json:"vol24"`
}

// Route implements Note.
func (*SpotsNote) Route() string { return SpotsRoute }

// envelope is the outer frame shape: a route naming the payload type plus the
// raw payload bytes.
type envelope struct {
	Route   string          `json:"route"`
	Payload json.RawMessage `json:"payload"`
}

// ParseNote decodes a raw feed frame into its typed note. Unknown routes
// return ErrUnknownRoute; malformed payloads and validation failures return a
// wrapped error.
func ParseNote(raw []byte) (Note, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bad note envelope: %w", err)
	}

	var note Note
	switch env.Route {
	case BookRoute:
		note = new(BookNote)
	case BookOrderRoute:
		note = new(BookOrderNote)
	case UnbookOrderRoute:
		note = new(UnbookOrderNote)
	case UpdateRemainingRoute:
		note = new(UpdateRemainingNote)
	case EpochOrderRoute:
		note = new(EpochOrderNote)
	case NewEpochRoute:
		note = new(NewEpochNote)
	case CandlesRoute:
		note = new(CandlesNote)
	case CandleUpdateRoute:
		note = new(CandleUpdateNote)
	case SpotsRoute:
		note = new(SpotsNote)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, env.Route)
	}

	if err := json.Unmarshal(env.Payload, note); err != nil {
		return nil, fmt.Errorf("bad %s payload: %w", env.Route, err)
	}
	if err := validateNote.Struct(note); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.Route, err)
	}
	return note, nil
}

// Request is a client-originating message: a subscription, unsubscription, or
// candle-snapshot request.
type Request struct {
	Route   string      `json:"route"`
	Payload interface{} `json:"payload,omitempty"`
}

// SubscribePayload identifies the market for subscribe and unsubscribe
// requests.
type SubscribePayload struct {
	Host     string `json:"host"`
	MarketID string `json:"marketID"`
}

// LoadCandlesPayload requests a candle snapshot for one duration.
type LoadCandlesPayload struct {
	Host     string `json:"host"`
	MarketID string `json:"marketID"`
	DurMs    uint64 `json:"durMs"`
}
