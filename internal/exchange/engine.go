// Package exchange implements the continuous matching core: per-fund order
// books with price-time priority, partial fills, and market-maker absorption
// of unmatched remainders.
package exchange

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ccqtrade/engine/internal/models"
)

// Config carries the engine's tunables.
type Config struct {
	// MinMatchQuantity is the smallest fill a candidate pair may produce;
	// smaller crossings are skipped, not errors.
	MinMatchQuantity float64
	// MarketMakerOwner is the owner id counter orders are booked under.
	MarketMakerOwner int64
}

// Result is the outcome of one admit-and-match pass. Everything in it is a
// value copy taken while the fund lock was still held: the resting orders keep
// mutating under later passes, so live book pointers must never escape.
type Result struct {
	// Accepted is false when the order was silently rejected (wrong fund,
	// non-pending status, nothing left to fill, duplicate id).
	Accepted bool
	// Order is the submitted order as it stood when the pass finished.
	Order models.Order
	// Pairs are the fills produced by this pass, in execution order.
	Pairs []models.MatchedPair
	// Updated holds every order whose fill or status changed, the submitted
	// order included; callers persist these before broadcasting.
	Updated []models.Order
}

func snapshotOrders(touched []*models.Order) []models.Order {
	out := make([]models.Order, len(touched))
	for i, o := range touched {
		out[i] = *o
	}
	return out
}

// Engine owns one book per fund. Each book is guarded by its own mutex held
// across the entire admit-and-match section, so mutation of a fund's queue is
// single-writer while distinct funds run fully in parallel.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu    sync.RWMutex
	books map[string]*fundBook
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates an engine with empty books.
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:   cfg,
		log:   log,
		books: make(map[string]*fundBook),
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// book returns the fund's book and its lock, creating both on first use.
func (e *Engine) book(fundID string) (*fundBook, *sync.Mutex) {
	e.mu.RLock()
	b, ok := e.books[fundID]
	l := e.locks[fundID]
	e.mu.RUnlock()
	if ok {
		return b, l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[fundID]; ok {
		return b, e.locks[fundID]
	}
	b = newFundBook(fundID)
	l = &sync.Mutex{}
	e.books[fundID] = b
	e.locks[fundID] = l
	return b, l
}

// Submit admits an order and runs the match loop to quiescence, atomically
// for the order's fund. No I/O happens under the lock; callers persist the
// returned pairs and updated orders afterwards.
func (e *Engine) Submit(order *models.Order) Result {
	if order == nil || order.FundID == "" {
		return Result{}
	}
	b, lock := e.book(order.FundID)

	lock.Lock()
	defer lock.Unlock()

	if !b.admit(order) {
		return Result{Order: *order}
	}
	pairs, touched := b.matchIncoming(order, e.cfg.MinMatchQuantity, e.clock())
	if len(pairs) > 0 {
		e.log.Debug("orders matched",
			zap.String("fund", order.FundID),
			zap.Int64("order", order.ID),
			zap.Int("pairs", len(pairs)))
	}
	return Result{Accepted: true, Order: *order, Pairs: pairs, Updated: snapshotOrders(touched)}
}

// Cancel takes a pending order off its book and marks it cancelled. Already
// produced fills stay valid. Returns a copy of the order for persistence;
// reports false if it is not resting on the book.
func (e *Engine) Cancel(fundID string, orderID int64) (models.Order, bool) {
	b, lock := e.book(fundID)

	lock.Lock()
	defer lock.Unlock()

	o := b.remove(orderID)
	if o == nil {
		return models.Order{}, false
	}
	o.Status = models.OrderStatusCancelled
	return *o, true
}

// BookOrder is a snapshot row of a resting order with its priority score.
type BookOrder struct {
	models.Order
	PriorityScore float64 `json:"priority_score"`
}

// Snapshot returns copies of the fund's resting orders, each side in
// matching priority order.
func (e *Engine) Snapshot(fundID string) (buys, sells []BookOrder) {
	b, lock := e.book(fundID)

	lock.Lock()
	defer lock.Unlock()

	snap := func(orders []*models.Order) []BookOrder {
		out := make([]BookOrder, 0, len(orders))
		for _, o := range orders {
			item := b.byID[o.ID]
			var seq uint64
			switch en := item.(type) {
			case *buyEntry:
				seq = en.seq
			case *sellEntry:
				seq = en.seq
			}
			out = append(out, BookOrder{Order: *o, PriorityScore: priorityScore(o, seq)})
		}
		return out
	}
	return snap(b.buyOrders()), snap(b.sellOrders())
}

// Funds lists the funds with a book, sorted for stable iteration.
func (e *Engine) Funds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for id := range e.books {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Load rebuilds books from persisted pending orders on startup, in slice
// order, then runs one match pass per touched fund. Fills produced here are
// returned so the caller can persist them; they can only appear if rows were
// written mid-match before a crash.
func (e *Engine) Load(orders []*models.Order) []Result {
	funds := make(map[string]bool)
	for _, o := range orders {
		if o == nil || o.FundID == "" {
			continue
		}
		b, lock := e.book(o.FundID)
		lock.Lock()
		b.admit(o)
		lock.Unlock()
		funds[o.FundID] = true
	}

	var results []Result
	for fundID := range funds {
		b, lock := e.book(fundID)
		lock.Lock()
		pairs, touched := b.matchAll(e.cfg.MinMatchQuantity, e.clock())
		updated := snapshotOrders(touched)
		lock.Unlock()
		if len(pairs) > 0 {
			results = append(results, Result{Accepted: true, Pairs: pairs, Updated: updated})
		}
	}
	return results
}
