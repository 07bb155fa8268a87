package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/common/errors"
	"github.com/solinex/clearmatch/internal/journal"
	"github.com/solinex/clearmatch/internal/orderbook"
	"github.com/solinex/clearmatch/pkg/metrics"
	"github.com/solinex/clearmatch/pkg/models"
)

// Ledger is the balance surface the engine needs: locking funds ahead
// of matching and atomically settling each fill.
type Ledger interface {
	LockFunds(id uuid.UUID, currency string, amount uint64) error
	UnlockFunds(id uuid.UUID, currency string, amount uint64) error
	SettleFill(buyer, seller uuid.UUID, base, quote string, baseQty, quoteQty uint64) error
}

// ClaimFunc lets an optimistic scheduler reserve conflict keys that
// matching discovered at run time (the resting makers an incoming order
// would touch). Returning an error aborts the placement before any
// state is mutated.
type ClaimFunc func(keys ...string) error

// MarketConfig identifies a market and its settlement currencies.
type MarketConfig struct {
	Symbol        string
	BaseCurrency  string
	QuoteCurrency string
}

// Receipt reports the outcome of a placement.
type Receipt struct {
	OrderID uuid.UUID      `json:"order_id"`
	Status  string         `json:"status"`
	Fills   []models.Trade `json:"fills"`
}

type market struct {
	cfg   MarketConfig
	mu    sync.RWMutex
	book  *orderbook.Book
	stats marketStats
}

// Engine is the matching engine: it owns every market's order book and
// stats. Orders must be verified before they reach it. A single match
// step runs to completion under the market lock; the engine has no
// internal concurrency of its own.
type Engine struct {
	logger  *zap.Logger
	ledger  Ledger
	journal *journal.Journal
	now     func() time.Time

	mu      sync.RWMutex
	markets map[string]*market
}

// New creates an engine. The journal may be nil when recovery is not
// wanted (tests).
func New(logger *zap.Logger, ledger Ledger, jrn *journal.Journal) *Engine {
	return &Engine{
		logger:  logger,
		ledger:  ledger,
		journal: jrn,
		now:     time.Now,
		markets: make(map[string]*market),
	}
}

// WithClock overrides the time source. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// InitializeMarket registers a market and opens it.
func (e *Engine) InitializeMarket(cfg MarketConfig) error {
	if cfg.Symbol == "" || cfg.BaseCurrency == "" || cfg.QuoteCurrency == "" {
		return errors.New(errors.CodeInvalidOrder, "market config incomplete")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[cfg.Symbol]; ok {
		return errors.Newf(errors.CodeInvalidOrder, "market %s already initialized", cfg.Symbol)
	}
	m := &market{cfg: cfg, book: orderbook.NewBook(cfg.Symbol)}
	m.stats.open = true
	e.markets[cfg.Symbol] = m
	e.logger.Info("market initialized",
		zap.String("symbol", cfg.Symbol),
		zap.String("base", cfg.BaseCurrency),
		zap.String("quote", cfg.QuoteCurrency))
	return nil
}

// SetMarketStatus pauses or resumes a market. Idempotent; authorization
// happens at the exchange seam.
func (e *Engine) SetMarketStatus(symbol string, open bool) error {
	m, err := e.market(symbol)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.stats.open = open
	m.mu.Unlock()
	if e.journal != nil {
		_ = e.journal.Append(journal.EventTypeMarketStatus, symbol, map[string]bool{"open": open})
	}
	e.logger.Info("market status changed", zap.String("symbol", symbol), zap.Bool("open", open))
	return nil
}

// PlaceOrder crosses a verified order against the book and settles the
// resulting fills. Fills never execute past the order's price bound, so
// the funds locked up front always cover them. Limit remainders rest;
// market remainders are discarded and their locked funds released.
func (e *Engine) PlaceOrder(o *models.Order) (*Receipt, error) {
	return e.place(o, nil)
}

// PlaceOrderClaimed is PlaceOrder with an optimistic-scheduler claim
// step between match planning and commit; a claim failure aborts the
// placement with no state change.
func (e *Engine) PlaceOrderClaimed(o *models.Order, claim ClaimFunc) (*Receipt, error) {
	return e.place(o, claim)
}

func (e *Engine) place(o *models.Order, claim ClaimFunc) (*Receipt, error) {
	m, err := e.market(o.Market)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.stats.open {
		return nil, errors.Newf(errors.CodeMarketPaused, "market %s is paused", o.Market)
	}

	// Lock the funds the order may spend. Buys lock quote at the
	// order's price bound, sells lock base quantity.
	lockCurrency, lockAmount, err := m.orderLock(o)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.LockFunds(o.Sender, lockCurrency, lockAmount); err != nil {
		return nil, err
	}

	plan := m.book.Match(o.Side, o.Price, o.Quantity)

	if claim != nil && len(plan.Fills) > 0 {
		keys := makerKeys(plan.Fills)
		if err := claim(keys...); err != nil {
			// Conflict with another group: roll back the lock and
			// leave the book untouched.
			if uerr := e.ledger.UnlockFunds(o.Sender, lockCurrency, lockAmount); uerr != nil {
				e.logger.Error("failed to roll back fund lock", zap.Error(uerr))
			}
			return nil, err
		}
	}

	if err := m.book.Commit(o, plan); err != nil {
		if uerr := e.ledger.UnlockFunds(o.Sender, lockCurrency, lockAmount); uerr != nil {
			e.logger.Error("failed to roll back fund lock", zap.Error(uerr))
		}
		return nil, err
	}

	now := e.now()
	receipt := &Receipt{OrderID: o.ID}
	for _, f := range plan.Fills {
		trade, err := e.settle(m, o, f, now)
		if err != nil {
			// Locked funds guarantee settlement; a failure here means
			// ledger corruption, not a rejectable order.
			e.logger.Error("fill settlement failed",
				zap.String("market", o.Market),
				zap.String("maker", f.Maker.String()),
				zap.Error(err))
			return receipt, err
		}
		receipt.Fills = append(receipt.Fills, trade)
	}

	if plan.Remaining > 0 && o.Type == models.OrderTypeMarket {
		// Market remainder is discarded; release what it would have spent.
		amount := plan.Remaining
		if o.Side == models.OrderSideBuy {
			amount = plan.Remaining * o.Price
		}
		if err := e.ledger.UnlockFunds(o.Sender, lockCurrency, amount); err != nil {
			e.logger.Error("failed to release market-order remainder", zap.Error(err))
		}
	}

	receipt.Status = placementStatus(o, plan)
	metrics.OrdersProcessed.WithLabelValues("accepted").Inc()
	if e.journal != nil {
		_ = e.journal.Append(journal.EventTypeOrderAccepted, o.Market, o)
	}
	return receipt, nil
}

// settle executes one fill: moves funds, updates stats, journals, and
// emits the trade.
func (e *Engine) settle(m *market, o *models.Order, f orderbook.Fill, now time.Time) (models.Trade, error) {
	buyer, seller := o.Sender, f.Maker
	if o.Side == models.OrderSideSell {
		buyer, seller = f.Maker, o.Sender
	}
	quoteQty := f.Price * f.Quantity
	if err := e.ledger.SettleFill(buyer, seller, m.cfg.BaseCurrency, m.cfg.QuoteCurrency, f.Quantity, quoteQty); err != nil {
		return models.Trade{}, err
	}

	// A taker buy locked quote at its own price bound; fills execute at
	// the maker price, so release the difference.
	if o.Side == models.OrderSideBuy && o.Price > f.Price {
		refund := (o.Price - f.Price) * f.Quantity
		if err := e.ledger.UnlockFunds(o.Sender, m.cfg.QuoteCurrency, refund); err != nil {
			e.logger.Error("failed to refund price improvement", zap.Error(err))
		}
	}

	m.stats.recordTrade(now, f.Price, f.Quantity)
	trade := models.Trade{
		ID:        uuid.New(),
		Market:    m.cfg.Symbol,
		Price:     f.Price,
		Quantity:  f.Quantity,
		Buyer:     buyer,
		Seller:    seller,
		TakerSide: o.Side,
		CreatedAt: now,
	}
	metrics.TradesExecuted.WithLabelValues(m.cfg.Symbol).Inc()
	metrics.VolumeTraded.WithLabelValues(m.cfg.Symbol).Add(float64(f.Quantity))
	if e.journal != nil {
		_ = e.journal.Append(journal.EventTypeTradeExecuted, m.cfg.Symbol, trade)
	}
	return trade, nil
}

// CancelOrder removes a resting order owned by the requester and
// releases its locked funds.
func (e *Engine) CancelOrder(requester uuid.UUID, symbol string, orderID uuid.UUID) error {
	m, err := e.market(symbol)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.book.Lookup(orderID)
	if !ok {
		return errors.Newf(errors.CodeOrderNotFound, "order %s not resting on %s", orderID, symbol)
	}
	if entry.Owner != requester {
		return errors.Newf(errors.CodeUnauthorized, "order %s does not belong to %s", orderID, requester)
	}
	entry, err = m.book.Cancel(orderID)
	if err != nil {
		return err
	}

	currency := m.cfg.BaseCurrency
	amount := entry.Remaining
	if entry.Side == models.OrderSideBuy {
		currency = m.cfg.QuoteCurrency
		amount = entry.Remaining * entry.Price
	}
	if err := e.ledger.UnlockFunds(requester, currency, amount); err != nil {
		e.logger.Error("failed to release cancelled order funds", zap.Error(err))
		return err
	}
	if e.journal != nil {
		_ = e.journal.Append(journal.EventTypeOrderCancelled, symbol, map[string]string{"order_id": orderID.String()})
	}
	return nil
}

// GetOrderBookDepth returns up to levels aggregated price levels per
// side, best-first. Pure read.
func (e *Engine) GetOrderBookDepth(symbol string, levels int) (models.Depth, error) {
	m, err := e.market(symbol)
	if err != nil {
		return models.Depth{}, err
	}
	return m.book.Depth(levels), nil
}

// GetMarketStats returns the market rollup. Pure read; repeated calls
// return identical values absent intervening trades.
func (e *Engine) GetMarketStats(symbol string) (models.MarketStats, error) {
	m, err := e.market(symbol)
	if err != nil {
		return models.MarketStats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.snapshot(symbol, e.now()), nil
}

// Markets lists the initialized market symbols.
func (e *Engine) Markets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.markets))
	for s := range e.markets {
		out = append(out, s)
	}
	return out
}

func (e *Engine) market(symbol string) (*market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[symbol]
	if !ok {
		return nil, errors.Newf(errors.CodeMarketNotFound, "market %s not initialized", symbol)
	}
	return m, nil
}

// orderLock computes the currency and amount a placement must lock,
// guarding the quote-cost multiplication against overflow.
func (m *market) orderLock(o *models.Order) (string, uint64, error) {
	if o.Side == models.OrderSideSell {
		return m.cfg.BaseCurrency, o.Quantity, nil
	}
	cost := o.Price * o.Quantity
	if o.Price != 0 && cost/o.Price != o.Quantity {
		return "", 0, errors.New(errors.CodeInvalidOrder, "order notional overflows")
	}
	return m.cfg.QuoteCurrency, cost, nil
}

func placementStatus(o *models.Order, plan orderbook.Plan) string {
	switch {
	case plan.Remaining == 0:
		return models.OrderStatusFilled
	case len(plan.Fills) > 0 && o.Type == models.OrderTypeLimit:
		return models.OrderStatusPartiallyFilled
	case len(plan.Fills) > 0:
		// Market order with a discarded remainder.
		return models.OrderStatusPartiallyFilled
	case o.Type == models.OrderTypeLimit:
		return models.OrderStatusOpen
	default:
		return models.OrderStatusCancelled
	}
}

func makerKeys(fills []orderbook.Fill) []string {
	seen := make(map[uuid.UUID]struct{}, len(fills))
	keys := make([]string, 0, len(fills))
	for _, f := range fills {
		if _, ok := seen[f.Maker]; ok {
			continue
		}
		seen[f.Maker] = struct{}{}
		keys = append(keys, models.ConflictKeyAccount(f.Maker))
	}
	return keys
}
