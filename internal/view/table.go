// Package view aggregates the order book into display rows and keeps a
// renderer incrementally synchronized with book mutations.
//
// One row represents all orders sharing a (side, rate, epoch-membership)
// group. Rows are ephemeral view-model objects: created when the first order
// of their group arrives, destroyed when the last one leaves. Rendering is
// bound through an explicit Renderer interface invoked on every mutation, so
// a full-table redraw happens only on a book reload.
package view

import (
	"github.com/shopspring/decimal"

	"marketview/internal/book"
	"marketview/internal/model"
)

// Renderer receives incremental row mutations. Implementations own the
// display tree (DOM, terminal table, test recorder); the Table guarantees
// calls arrive in display order and never concurrently.
type Renderer interface {
	// InsertRow places a new row immediately before the given row, or at the
	// end of the side when before is nil.
	InsertRow(side model.Side, row *Row, before *Row)

	// UpdateRow re-renders a row whose aggregate quantity, order count, or
	// own-order marking changed.
	UpdateRow(side model.Side, row *Row)

	// RemoveRow destroys a row's display element.
	RemoveRow(side model.Side, row *Row)

	// ClearSide removes every row from one side, used on book reload.
	ClearSide(side model.Side)
}

// Row is the view model for one price level (or the single market-order
// level) on one side of the table. Multiple orders coexist in a row only when
// they share both rate and epoch-membership.
type Row struct {
	// Side is which table the row lives in.
	Side model.Side

	// MsgRate is the group's message-encoded rate, 0 for the market-order row.
	MsgRate uint64

	// EpochQueued marks a row binning epoch-queue orders rather than booked
	// ones. Always true for the market-order row.
	EpochQueued bool

	// Orders is the bin of orders sharing this (rate, epoch-membership) pair.
	Orders []*model.Order

	// Own is set when any order in the bin belongs to the user.
	Own bool
}

// QtyAtomic returns the row's aggregate remaining quantity in atomic units.
func (r *Row) QtyAtomic() uint64 {
	var sum uint64
	for _, ord := range r.Orders {
		sum += ord.QtyAtomic
	}
	return sum
}

// Qty returns the row's aggregate remaining quantity in conventional units.
func (r *Row) Qty() decimal.Decimal {
	sum := decimal.Zero
	for _, ord := range r.Orders {
		sum = sum.Add(ord.Qty)
	}
	return sum
}

// Count returns the number of orders binned in the row.
func (r *Row) Count() int {
	return len(r.Orders)
}

// contains reports whether the bin holds the identified order.
func (r *Row) contains(id string) bool {
	for _, ord := range r.Orders {
		if ord.ID == id {
			return true
		}
	}
	return false
}

// Compare locates an incoming order relative to an existing row. It returns 0
// when the order belongs in the row (same rate, same epoch-membership),
// a negative value when the row sorts before the order, and a positive value
// when the row sorts after it. Sell rows ascend by rate, buy rows descend,
// and at equal rate epoch rows sort after booked rows.
func Compare(row *Row, ord *model.Order) int {
	if row.MsgRate != ord.MsgRate {
		if row.Side == model.Sell {
			if row.MsgRate < ord.MsgRate {
				return -1
			}
			return 1
		}
		if row.MsgRate > ord.MsgRate {
			return -1
		}
		return 1
	}

	switch {
	case row.EpochQueued == ord.EpochQueued():
		return 0
	case row.EpochQueued:
		// Epoch rows sort after booked rows at equal rate.
		return 1
	default:
		return -1
	}
}

// Table keeps one display table per side synchronized with the order book.
// Not safe for concurrent use; the session controller serializes mutations.
type Table struct {
	renderer Renderer
	buys     []*Row
	sells    []*Row
}

// NewTable creates an empty Table bound to the given renderer.
func NewTable(renderer Renderer) *Table {
	return &Table{renderer: renderer}
}

// Buys returns the buy-side rows in display order.
func (t *Table) Buys() []*Row { return t.buys }

// Sells returns the sell-side rows in display order.
func (t *Table) Sells() []*Row { return t.sells }

// AddOrder places an order into the table.
//
// Market orders (rate 0) with nonzero quantity merge into the side's leading
// market-order row, creating and prepending it when absent. A rate-0 order
// with zero quantity is a cancel of a market order and is ignored for
// display. Limit orders are absorbed by a matching (rate, epoch-membership)
// row, or a new row is created immediately before the first row that sorts
// after the order, or appended at the end.
//
// An order whose ID is already binned on the side is ignored, keeping the
// at-most-once invariant against duplicate feed deliveries in step with the
// book.
func (t *Table) AddOrder(ord *model.Order) {
	side := t.side(ord.Side)

	for _, row := range *side {
		if row.contains(ord.ID) {
			return
		}
	}

	if ord.MsgRate == 0 {
		if ord.QtyAtomic == 0 {
			return
		}
		if len(*side) > 0 && (*side)[0].MsgRate == 0 {
			lead := (*side)[0]
			lead.Orders = append(lead.Orders, ord)
			t.renderer.UpdateRow(ord.Side, lead)
			return
		}
		row := &Row{Side: ord.Side, EpochQueued: true, Orders: []*model.Order{ord}}
		var before *Row
		if len(*side) > 0 {
			before = (*side)[0]
		}
		*side = append([]*Row{row}, *side...)
		t.renderer.InsertRow(ord.Side, row, before)
		return
	}

	// Ordered scan, skipping the leading market-order row.
	start := 0
	if len(*side) > 0 && (*side)[0].MsgRate == 0 {
		start = 1
	}

	at := len(*side)
	for i := start; i < len(*side); i++ {
		cmp := Compare((*side)[i], ord)
		if cmp == 0 {
			row := (*side)[i]
			row.Orders = append(row.Orders, ord)
			t.renderer.UpdateRow(ord.Side, row)
			return
		}
		if cmp > 0 {
			at = i
			break
		}
	}

	row := &Row{
		Side:        ord.Side,
		MsgRate:     ord.MsgRate,
		EpochQueued: ord.EpochQueued(),
		Orders:      []*model.Order{ord},
	}
	var before *Row
	if at < len(*side) {
		before = (*side)[at]
	}
	*side = append(*side, nil)
	copy((*side)[at+1:], (*side)[at:])
	(*side)[at] = row
	t.renderer.InsertRow(ord.Side, row, before)
}

// RemoveOrder scans both side tables for the first row binning the
// identifier, removes the order from the bin, and destroys the row if the
// bin becomes empty. It reports whether an order was found.
func (t *Table) RemoveOrder(id string) bool {
	for _, s := range []model.Side{model.Buy, model.Sell} {
		side := t.side(s)
		for i, row := range *side {
			if !row.contains(id) {
				continue
			}
			for j, ord := range row.Orders {
				if ord.ID == id {
					row.Orders = append(row.Orders[:j], row.Orders[j+1:]...)
					break
				}
			}
			if len(row.Orders) == 0 {
				*side = append((*side)[:i], (*side)[i+1:]...)
				t.renderer.RemoveRow(s, row)
			} else {
				t.renderer.UpdateRow(s, row)
			}
			return true
		}
	}
	return false
}

// UpdateRemaining locates the identified order in either side table, replaces
// its remaining-quantity fields, and re-renders the row's aggregate. It
// reports whether the order was found.
func (t *Table) UpdateRemaining(id string, qty decimal.Decimal, qtyAtomic uint64) bool {
	for _, s := range []model.Side{model.Buy, model.Sell} {
		for _, row := range *t.side(s) {
			for _, ord := range row.Orders {
				if ord.ID == id {
					ord.Qty = qty
					ord.QtyAtomic = qtyAtomic
					t.renderer.UpdateRow(s, row)
					return true
				}
			}
		}
	}
	return false
}

// ClearEpoch purges, from every row, bin entries whose epoch field is set and
// does not equal the new epoch number. Rows left empty are destroyed. Called
// on each epoch-transition notification.
func (t *Table) ClearEpoch(newEpoch uint64) {
	for _, s := range []model.Side{model.Buy, model.Sell} {
		side := t.side(s)
		kept := (*side)[:0]
		for _, row := range *side {
			changed := false
			bin := row.Orders[:0]
			for _, ord := range row.Orders {
				if ord.Epoch != nil && *ord.Epoch != newEpoch {
					changed = true
					continue
				}
				bin = append(bin, ord)
			}
			row.Orders = bin
			if len(row.Orders) == 0 {
				t.renderer.RemoveRow(s, row)
				continue
			}
			kept = append(kept, row)
			if changed {
				t.renderer.UpdateRow(s, row)
			}
		}
		*side = kept
	}
}

// Reload rebuilds both side tables from a book snapshot. This is the only
// operation that redraws the whole table.
func (t *Table) Reload(b *book.Book) {
	t.buys, t.sells = nil, nil
	t.renderer.ClearSide(model.Buy)
	t.renderer.ClearSide(model.Sell)
	for _, ord := range b.Buys() {
		t.AddOrder(ord)
	}
	for _, ord := range b.Sells() {
		t.AddOrder(ord)
	}
}

// MarkOwnOrders re-evaluates every row's own-order marking against the user's
// active order identifiers, re-rendering rows whose marking changed. The book
// feed and the user-order feed carry no cross-feed ordering guarantee, so the
// session invokes this twice per redraw, after a short and a longer delay, as
// a best-effort reconciliation.
func (t *Table) MarkOwnOrders(ownIDs map[string]struct{}) {
	for _, s := range []model.Side{model.Buy, model.Sell} {
		for _, row := range *t.side(s) {
			own := false
			for _, ord := range row.Orders {
				if _, ok := ownIDs[ord.ID]; ok {
					own = true
					break
				}
			}
			if own != row.Own {
				row.Own = own
				t.renderer.UpdateRow(s, row)
			}
		}
	}
}

func (t *Table) side(s model.Side) *[]*Row {
	if s == model.Buy {
		return &t.buys
	}
	return &t.sells
}
