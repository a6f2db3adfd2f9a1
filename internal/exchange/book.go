package exchange

import (
	"math"
	"time"

	"github.com/google/btree"

	"github.com/ccqtrade/engine/internal/models"
)

// scoreScale is the factor used in the reported priority score.
const scoreScale = 1e6

// btreeDegree for the book sides; books are small, a low degree is fine.
const btreeDegree = 16

// bookEntry is one resting order on a book side.
type bookEntry struct {
	order *models.Order
	seq   uint64 // monotonic admission sequence, per book
}

// buyEntry orders the buy side so Ascend walks it in matching priority:
// highest price first, then earliest admission.
type buyEntry struct{ bookEntry }

func (e *buyEntry) Less(than btree.Item) bool {
	o := than.(*buyEntry)
	if e.order.Price != o.order.Price {
		return e.order.Price > o.order.Price
	}
	return e.seq < o.seq
}

// sellEntry orders the sell side: lowest price first, then earliest admission.
type sellEntry struct{ bookEntry }

func (e *sellEntry) Less(than btree.Item) bool {
	o := than.(*sellEntry)
	if e.order.Price != o.order.Price {
		return e.order.Price < o.order.Price
	}
	return e.seq < o.seq
}

// priorityScore is the scored form of the ordering, exposed on snapshots.
// Comparison never goes through this value: the float subtraction could
// collapse ties that the (price, sequence) comparison keeps distinct.
func priorityScore(o *models.Order, seq uint64) float64 {
	if o.Side == models.SideBuy {
		return o.Price*scoreScale - float64(seq)
	}
	return (scoreScale - o.Price*scoreScale) - float64(seq)
}

// fundBook holds the pending orders of a single fund. All access is
// serialized by the owning engine; the book itself has no locking.
type fundBook struct {
	fundID string
	buys   *btree.BTree
	sells  *btree.BTree
	byID   map[int64]btree.Item
	seq    uint64
}

func newFundBook(fundID string) *fundBook {
	return &fundBook{
		fundID: fundID,
		buys:   btree.New(btreeDegree),
		sells:  btree.New(btreeDegree),
		byID:   make(map[int64]btree.Item),
	}
}

// admit places an order on its side of the book. Rejections are silent
// no-ops: wrong fund, non-pending status, or nothing left to fill.
func (b *fundBook) admit(o *models.Order) bool {
	if o == nil || o.FundID != b.fundID {
		return false
	}
	if o.Status != models.OrderStatusPending || o.Remaining() <= 0 {
		return false
	}
	if _, ok := b.byID[o.ID]; ok {
		return false
	}
	b.seq++
	var item btree.Item
	if o.Side == models.SideBuy {
		item = &buyEntry{bookEntry{order: o, seq: b.seq}}
		b.buys.ReplaceOrInsert(item)
	} else {
		item = &sellEntry{bookEntry{order: o, seq: b.seq}}
		b.sells.ReplaceOrInsert(item)
	}
	b.byID[o.ID] = item
	return true
}

// remove takes an order off the book. Returns the order, or nil if absent.
func (b *fundBook) remove(orderID int64) *models.Order {
	item, ok := b.byID[orderID]
	if !ok {
		return nil
	}
	delete(b.byID, orderID)
	switch e := item.(type) {
	case *buyEntry:
		b.buys.Delete(item)
		return e.order
	case *sellEntry:
		b.sells.Delete(item)
		return e.order
	}
	return nil
}

func (b *fundBook) buyOrders() []*models.Order {
	out := make([]*models.Order, 0, b.buys.Len())
	b.buys.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*buyEntry).order)
		return true
	})
	return out
}

func (b *fundBook) sellOrders() []*models.Order {
	out := make([]*models.Order, 0, b.sells.Len())
	b.sells.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*sellEntry).order)
		return true
	})
	return out
}

// matchIncoming crosses a just-admitted order against the opposite side of
// the book. The resting book is already quiescent (any resting pair either
// does not cross, shares an owner, or sits below the minimum quantity, and
// remaining quantities only shrink), so only pairs involving the incoming
// order can execute: one walk of the opposite side in priority order restores
// quiescence. Pairs trade at the sell price. Completed orders leave the book.
// Returns the pairs in execution order plus every order whose fill or status
// changed.
func (b *fundBook) matchIncoming(o *models.Order, minQty float64, now time.Time) ([]models.MatchedPair, []*models.Order) {
	var pairs []models.MatchedPair
	var touched []*models.Order
	seen := make(map[int64]bool)

	touch := func(o *models.Order) {
		if !seen[o.ID] {
			seen[o.ID] = true
			touched = append(touched, o)
		}
	}

	var resting []*models.Order
	if o.Side == models.SideBuy {
		resting = b.sellOrders()
	} else {
		resting = b.buyOrders()
	}

	for _, r := range resting {
		if o.Remaining() <= 0 {
			break
		}
		if r.Remaining() <= 0 || r.OwnerID == o.OwnerID {
			continue
		}
		buy, sell := o, r
		if o.Side == models.SideSell {
			buy, sell = r, o
		}
		if buy.Price < sell.Price {
			// The opposite side is in priority order; nothing further crosses.
			break
		}
		qty := math.Min(buy.Remaining(), sell.Remaining())
		if qty < minQty {
			continue
		}

		pairs = append(pairs, models.MatchedPair{
			FundID:      b.fundID,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Quantity:    qty,
			Price:       sell.Price,
			BuyParty:    buy.Source,
			SellParty:   sell.Source,
			ExecutedAt:  now,
		})
		buy.FilledQuantity += qty
		sell.FilledQuantity += qty
		if buy.Remaining() <= 0 {
			buy.Status = models.OrderStatusCompleted
		}
		if sell.Remaining() <= 0 {
			sell.Status = models.OrderStatusCompleted
		}
		touch(buy)
		touch(sell)
	}

	for _, t := range touched {
		if t.Status == models.OrderStatusCompleted {
			b.remove(t.ID)
		}
	}
	return pairs, touched
}

// matchAll runs the crossing loop over the whole book, used when rebuilding
// from persisted orders whose crossings never executed.
func (b *fundBook) matchAll(minQty float64, now time.Time) ([]models.MatchedPair, []*models.Order) {
	var pairs []models.MatchedPair
	var touched []*models.Order
	seen := make(map[int64]bool)

	for _, buy := range b.buyOrders() {
		p, t := b.matchIncoming(buy, minQty, now)
		pairs = append(pairs, p...)
		for _, o := range t {
			if !seen[o.ID] {
				seen[o.ID] = true
				touched = append(touched, o)
			}
		}
	}
	return pairs, touched
}
