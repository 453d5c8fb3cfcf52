// Package book maintains the in-memory order book for one market.
//
// The book holds two sorted sequences of orders, buys and sells, plus the
// active epoch number. Sort order is total: sells ascending by rate, buys
// descending by rate (best price first on both sides), and at equal rate
// booked orders precede epoch-queued orders. Every mutation preserves the
// sort, so consumers may scan a side front-to-back for display or best-price
// queries at any time.
//
// Market orders (message rate 0) are never stored here. They are visible only
// for their epoch and are handled entirely by the row-aggregation layer.
package book

import (
	"github.com/shopspring/decimal"

	"marketview/internal/model"
)

// Book is the order book for one market. It is not safe for concurrent use;
// the session controller serializes all mutations on its event loop.
type Book struct {
	buys  []*model.Order
	sells []*model.Order

	// epoch is the active batch-auction round number.
	epoch uint64
}

// New creates an empty Book.
func New() *Book {
	return &Book{}
}

// orderPrecedes reports whether a sorts strictly before b within one side.
// Sells ascend by rate, buys descend, and at equal rate booked orders come
// before epoch-queued ones.
func orderPrecedes(a, b *model.Order) bool {
	if a.MsgRate != b.MsgRate {
		if a.Side == model.Sell {
			return a.MsgRate < b.MsgRate
		}
		return a.MsgRate > b.MsgRate
	}
	return !a.EpochQueued() && b.EpochQueued()
}

// Add inserts an order into its side, preserving sort order. Market orders
// (rate 0) are ignored: the book tracks limit orders only. An order whose ID
// is already present on the side is ignored, keeping the at-most-once
// invariant against duplicate feed deliveries.
func (b *Book) Add(ord *model.Order) {
	if ord.MsgRate == 0 {
		return
	}

	side := b.side(ord.Side)
	for _, existing := range *side {
		if existing.ID == ord.ID {
			return
		}
	}

	// Insert before the first order that sorts after the new one.
	at := len(*side)
	for i, existing := range *side {
		if orderPrecedes(ord, existing) {
			at = i
			break
		}
	}

	*side = append(*side, nil)
	copy((*side)[at+1:], (*side)[at:])
	(*side)[at] = ord
}

// Remove deletes the order with the given identifier from whichever side
// holds it, returning the removed order. A miss returns nil and is not an
// error: the order may have been a market order, which the book never stores.
func (b *Book) Remove(id string) *model.Order {
	for _, side := range []*[]*model.Order{&b.buys, &b.sells} {
		for i, ord := range *side {
			if ord.ID == id {
				*side = append((*side)[:i], (*side)[i+1:]...)
				return ord
			}
		}
	}
	return nil
}

// UpdateRemaining replaces the remaining-quantity fields of the identified
// order in place, returning the updated order or nil if absent. Quantity
// changes never move an order within its side, so the sort is untouched.
func (b *Book) UpdateRemaining(id string, qty decimal.Decimal, qtyAtomic uint64) *model.Order {
	for _, side := range [][]*model.Order{b.buys, b.sells} {
		for _, ord := range side {
			if ord.ID == id {
				ord.Qty = qty
				ord.QtyAtomic = qtyAtomic
				return ord
			}
		}
	}
	return nil
}

// SetEpoch records the new active epoch number. Purging stale epoch-queued
// orders from the display is the row-aggregation layer's job.
func (b *Book) SetEpoch(epoch uint64) {
	b.epoch = epoch
}

// Epoch returns the active epoch number.
func (b *Book) Epoch() uint64 {
	return b.epoch
}

// Clear drops all orders from both sides, used when a fresh snapshot is
// loaded.
func (b *Book) Clear() {
	b.buys = nil
	b.sells = nil
}

// Buys returns the buy side, best rate first. The returned slice is the
// book's own storage and must not be mutated by callers.
func (b *Book) Buys() []*model.Order {
	return b.buys
}

// Sells returns the sell side, best rate first. The returned slice is the
// book's own storage and must not be mutated by callers.
func (b *Book) Sells() []*model.Order {
	return b.sells
}

// BestBuy returns the highest-rate booked buy order, skipping epoch-queued
// entries, or nil if the side has none.
func (b *Book) BestBuy() *model.Order {
	return firstBooked(b.buys)
}

// BestSell returns the lowest-rate booked sell order, skipping epoch-queued
// entries, or nil if the side has none.
func (b *Book) BestSell() *model.Order {
	return firstBooked(b.sells)
}

func firstBooked(side []*model.Order) *model.Order {
	for _, ord := range side {
		if !ord.EpochQueued() {
			return ord
		}
	}
	return nil
}

// MidGapRate returns the midpoint between the best booked bid and ask rates.
// With only one side populated the best rate of that side is returned; an
// empty book reports ok = false.
func (b *Book) MidGapRate() (rate uint64, ok bool) {
	bestBuy, bestSell := b.BestBuy(), b.BestSell()
	switch {
	case bestBuy == nil && bestSell == nil:
		return 0, false
	case bestBuy == nil:
		return bestSell.MsgRate, true
	case bestSell == nil:
		return bestBuy.MsgRate, true
	}
	return (bestBuy.MsgRate + bestSell.MsgRate) / 2, true
}

func (b *Book) side(s model.Side) *[]*model.Order {
	if s == model.Buy {
		return &b.buys
	}
	return &b.sells
}
