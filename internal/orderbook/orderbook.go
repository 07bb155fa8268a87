package orderbook

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/solinex/clearmatch/common/errors"
	"github.com/solinex/clearmatch/pkg/models"
)

// MaxDepth is the hard cap on aggregated snapshot depth.
const MaxDepth = 1000

// Entry is a resting order. The book owns it exclusively; callers get
// copies or read-only views.
type Entry struct {
	OrderID   uuid.UUID
	Owner     uuid.UUID
	Side      string
	Price     uint64
	Remaining uint64
	Sequence  uint64
}

// Fill is one planned execution against a resting maker order. The
// price is always the maker's price.
type Fill struct {
	MakerOrderID uuid.UUID
	Maker        uuid.UUID
	Price        uint64
	Quantity     uint64
}

// Plan is the outcome of matching an incoming order without mutating
// the book: the fills it would take and the quantity left over.
type Plan struct {
	Fills     []Fill
	Remaining uint64
}

// priceLevel holds resting orders at one price in FIFO order.
type priceLevel struct {
	price    uint64
	entries  []*Entry
	totalQty uint64
}

// Book is a single market's order book. Bids iterate descending,
// asks ascending; ties within a level break by insertion sequence.
// Invariant: after a committed match no bid price crosses any resting
// ask price.
type Book struct {
	symbol string

	mu      sync.RWMutex
	bids    *btree.Map[uint64, *priceLevel]
	asks    *btree.Map[uint64, *priceLevel]
	index   map[uuid.UUID]*Entry
	nextSeq uint64
}

// NewBook creates an empty book for a market symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   btree.NewMap[uint64, *priceLevel](32),
		asks:   btree.NewMap[uint64, *priceLevel](32),
		index:  make(map[uuid.UUID]*Entry),
	}
}

// Symbol returns the market this book belongs to.
func (b *Book) Symbol() string { return b.symbol }

// Match plans the crossing of an incoming order against the resting
// opposite side using price-time priority. It is pure: the book is not
// mutated, so a plan can be validated and then either committed or
// discarded. The price bound applies to every order; a fill can never
// execute past it, so funds locked at the bound always cover the plan.
// Market and limit orders differ only in what Commit does with the
// remainder.
func (b *Book) Match(side string, price, quantity uint64) Plan {
	b.mu.RLock()
	defer b.mu.RUnlock()

	plan := Plan{Remaining: quantity}

	take := func(level *priceLevel) bool {
		for _, e := range level.entries {
			if plan.Remaining == 0 {
				return false
			}
			qty := min(plan.Remaining, e.Remaining)
			plan.Fills = append(plan.Fills, Fill{
				MakerOrderID: e.OrderID,
				Maker:        e.Owner,
				Price:        e.Price,
				Quantity:     qty,
			})
			plan.Remaining -= qty
		}
		return plan.Remaining > 0
	}

	if side == models.OrderSideBuy {
		b.asks.Scan(func(p uint64, level *priceLevel) bool {
			if p > price {
				return false
			}
			return take(level)
		})
	} else {
		b.bids.Reverse(func(p uint64, level *priceLevel) bool {
			if p < price {
				return false
			}
			return take(level)
		})
	}
	return plan
}

// Commit applies a previously planned match: decrements maker
// remainders, removes exhausted entries and empty levels, and rests the
// remainder of a limit order as a new entry. The plan must have been
// produced against the current book state; a stale plan is rejected
// whole and nothing is applied.
func (b *Book) Commit(o *models.Order, plan Plan) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range plan.Fills {
		e, ok := b.index[f.MakerOrderID]
		if !ok || e.Remaining < f.Quantity {
			return errors.Newf(errors.CodeInvalidOrder,
				"stale match plan for %s on maker %s", b.symbol, f.MakerOrderID)
		}
	}

	for _, f := range plan.Fills {
		e := b.index[f.MakerOrderID]
		e.Remaining -= f.Quantity
		level, _ := b.tree(e.Side).Get(e.Price)
		level.totalQty -= f.Quantity
		if e.Remaining == 0 {
			level.pop(e.OrderID)
			delete(b.index, e.OrderID)
			if len(level.entries) == 0 {
				b.tree(e.Side).Delete(e.Price)
			}
		}
	}

	if plan.Remaining > 0 && o.Type == models.OrderTypeLimit {
		b.rest(o, plan.Remaining)
	}
	return nil
}

// rest inserts a new resting entry; caller holds the write lock.
func (b *Book) rest(o *models.Order, remaining uint64) {
	b.nextSeq++
	e := &Entry{
		OrderID:   o.ID,
		Owner:     o.Sender,
		Side:      o.Side,
		Price:     o.Price,
		Remaining: remaining,
		Sequence:  b.nextSeq,
	}
	tree := b.tree(o.Side)
	level, ok := tree.Get(o.Price)
	if !ok {
		level = &priceLevel{price: o.Price}
		tree.Set(o.Price, level)
	}
	level.entries = append(level.entries, e)
	level.totalQty += remaining
	b.index[o.ID] = e
}

// Cancel removes a resting order. The returned entry reports the
// remaining quantity whose funds the caller must release.
func (b *Book) Cancel(orderID uuid.UUID) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.index[orderID]
	if !ok {
		return Entry{}, errors.Newf(errors.CodeOrderNotFound, "order %s not resting on %s", orderID, b.symbol)
	}
	level, _ := b.tree(e.Side).Get(e.Price)
	level.pop(orderID)
	level.totalQty -= e.Remaining
	if len(level.entries) == 0 {
		b.tree(e.Side).Delete(e.Price)
	}
	delete(b.index, orderID)
	return *e, nil
}

// Lookup returns a copy of a resting entry.
func (b *Book) Lookup(orderID uuid.UUID) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.index[orderID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Depth returns up to levels aggregated price levels per side,
// best-first. An empty book yields empty slices, never an error.
func (b *Book) Depth(levels int) models.Depth {
	if levels <= 0 || levels > MaxDepth {
		levels = MaxDepth
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	d := models.Depth{
		Market: b.symbol,
		Bids:   make([]models.DepthLevel, 0, levels),
		Asks:   make([]models.DepthLevel, 0, levels),
	}
	b.bids.Reverse(func(p uint64, level *priceLevel) bool {
		d.Bids = append(d.Bids, models.DepthLevel{Price: p, Quantity: level.totalQty})
		return len(d.Bids) < levels
	})
	b.asks.Scan(func(p uint64, level *priceLevel) bool {
		d.Asks = append(d.Asks, models.DepthLevel{Price: p, Quantity: level.totalQty})
		return len(d.Asks) < levels
	})
	return d
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, _, ok := b.bids.Max()
	return p, ok
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, _, ok := b.asks.Min()
	return p, ok
}

func (b *Book) tree(side string) *btree.Map[uint64, *priceLevel] {
	if side == models.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// pop removes one entry by id preserving FIFO order of the rest.
func (l *priceLevel) pop(orderID uuid.UUID) {
	for i, e := range l.entries {
		if e.OrderID == orderID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
