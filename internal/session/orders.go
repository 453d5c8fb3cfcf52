package session

import "marketview/internal/model"

// UserOrder is one of the user's orders as shown in the order-history panel:
// either an active order from the live user-order feed or an archived one
// from a paginated history fetch.
type UserOrder struct {
	ID        string
	Side      model.Side
	MsgRate   uint64
	QtyAtomic uint64
	Active    bool
}

// MergeOrderHistory combines the active order set with a paginated history
// backfill fetched to fill a fixed display count. Orders are deduplicated by
// identifier with active orders taking precedence, so an order that appears
// both live and in the archived page is counted once, in its live form.
// Active orders lead the result; archived orders follow in their fetched
// order.
func MergeOrderHistory(active, archived []UserOrder) []UserOrder {
	merged := make([]UserOrder, 0, len(active)+len(archived))
	seen := make(map[string]struct{}, len(active))

	for _, ord := range active {
		if _, ok := seen[ord.ID]; ok {
			continue
		}
		seen[ord.ID] = struct{}{}
		merged = append(merged, ord)
	}
	for _, ord := range archived {
		if _, ok := seen[ord.ID]; ok {
			continue
		}
		seen[ord.ID] = struct{}{}
		merged = append(merged, ord)
	}
	return merged
}
