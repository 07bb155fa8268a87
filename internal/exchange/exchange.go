package exchange

import (
	"context"
	"crypto/ed25519"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/common/errors"
	"github.com/solinex/clearmatch/internal/engine"
	"github.com/solinex/clearmatch/internal/ledger"
	"github.com/solinex/clearmatch/internal/liquidation"
	"github.com/solinex/clearmatch/internal/scheduler"
	"github.com/solinex/clearmatch/internal/verify"
	"github.com/solinex/clearmatch/pkg/metrics"
	"github.com/solinex/clearmatch/pkg/models"
)

// Authorizer answers whether a caller is the configured admin.
type Authorizer interface {
	IsAdmin(id uuid.UUID) bool
}

// SingleAdmin authorizes exactly one configured account.
type SingleAdmin struct {
	Admin uuid.UUID
}

func (a SingleAdmin) IsAdmin(id uuid.UUID) bool { return id == a.Admin }

// Exchange is the only seam outer layers may cross: it wires order
// verification, the scheduler, the matching engine, the ledger, and the
// liquidation guard behind submit/read/admin entry points. Outer layers
// never reach into book or ledger structures directly.
type Exchange struct {
	logger    *zap.Logger
	ledger    *ledger.Service
	verifier  *verify.Verifier
	engine    *engine.Engine
	guard     *liquidation.Guard
	scheduler *scheduler.Scheduler
	auth      Authorizer

	submitSeq atomic.Uint64
}

// New wires an exchange from its subsystems.
func New(
	logger *zap.Logger,
	led *ledger.Service,
	ver *verify.Verifier,
	eng *engine.Engine,
	guard *liquidation.Guard,
	sched *scheduler.Scheduler,
	auth Authorizer,
) *Exchange {
	return &Exchange{
		logger:    logger,
		ledger:    led,
		verifier:  ver,
		engine:    eng,
		guard:     guard,
		scheduler: sched,
		auth:      auth,
	}
}

// ===================== submission =====================

// SubmitOrder verifies and places a single order, returning a receipt
// or the specific rejection code.
func (e *Exchange) SubmitOrder(ctx context.Context, o *models.Order) (*engine.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.prepare(o)
	if err := e.verifier.Verify(o); err != nil {
		e.reject(o, err)
		return nil, err
	}
	receipt, err := e.engine.PlaceOrder(o)
	if err != nil {
		e.reject(o, err)
		return nil, err
	}
	return receipt, nil
}

// SubmitBatch verifies orders in submission order, then hands the
// verified ones to the conflict-partitioning scheduler. Results are
// returned in submission order with per-order error codes.
func (e *Exchange) SubmitBatch(ctx context.Context, orders []*models.Order) []scheduler.Result {
	results := make([]scheduler.Result, len(orders))
	if err := ctx.Err(); err != nil {
		for i, o := range orders {
			results[i] = scheduler.Result{Index: i, OrderID: orderID(o), Err: err}
		}
		return results
	}

	verified := make([]*models.Order, 0, len(orders))
	verifiedIdx := make([]int, 0, len(orders))
	for i, o := range orders {
		e.prepare(o)
		if err := e.verifier.Verify(o); err != nil {
			e.reject(o, err)
			results[i] = scheduler.Result{Index: i, OrderID: orderID(o), Err: err}
			continue
		}
		verified = append(verified, o)
		verifiedIdx = append(verifiedIdx, i)
	}

	for j, r := range e.scheduler.ExecuteBatch(engineExecutor{e.engine}, verified) {
		i := verifiedIdx[j]
		r.Index = i
		results[i] = r
		if r.Err != nil {
			e.reject(orders[i], r.Err)
		}
	}
	return results
}

// prepare assigns the identity and ordering the core adds on top of the
// signed payload.
func (e *Exchange) prepare(o *models.Order) {
	if o == nil {
		return
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Type == "" {
		o.Type = models.OrderTypeLimit
	}
	o.SubmitSeq = e.submitSeq.Add(1)
}

func (e *Exchange) reject(o *models.Order, err error) {
	code := errors.CodeOf(err)
	if code == "" {
		code = "internal"
	}
	metrics.OrdersProcessed.WithLabelValues(string(code)).Inc()
	e.logger.Debug("order rejected",
		zap.String("order_id", orderID(o).String()),
		zap.String("code", string(code)))
}

// orderID tolerates nil orders so a malformed submission is rejected
// with a code instead of a panic.
func orderID(o *models.Order) uuid.UUID {
	if o == nil {
		return uuid.Nil
	}
	return o.ID
}

type engineExecutor struct {
	e *engine.Engine
}

func (x engineExecutor) Execute(o *models.Order, claim engine.ClaimFunc) (*engine.Receipt, error) {
	if claim == nil {
		return x.e.PlaceOrder(o)
	}
	return x.e.PlaceOrderClaimed(o, claim)
}

// ===================== queries =====================

// CancelOrder removes a resting order owned by the requester.
func (e *Exchange) CancelOrder(requester uuid.UUID, market string, orderID uuid.UUID) error {
	return e.engine.CancelOrder(requester, market, orderID)
}

// GetOrderBookDepth returns aggregated book depth, best-first.
func (e *Exchange) GetOrderBookDepth(market string, levels int) (models.Depth, error) {
	return e.engine.GetOrderBookDepth(market, levels)
}

// GetMarketStats returns the per-market rollup.
func (e *Exchange) GetMarketStats(market string) (models.MarketStats, error) {
	return e.engine.GetMarketStats(market)
}

// GetUserBalance returns every balance an account holds; a
// never-initialized account yields an empty map, not an error.
func (e *Exchange) GetUserBalance(account uuid.UUID) map[string]models.Balance {
	return e.ledger.GetUserBalance(account)
}

// GetPositionDetails returns the account's borrowing position.
func (e *Exchange) GetPositionDetails(account uuid.UUID) (models.Position, error) {
	return e.guard.GetPositionDetails(account)
}

// GetCollateralizationRatio returns the position's current ratio in
// percent, valued at the price feed.
func (e *Exchange) GetCollateralizationRatio(account uuid.UUID) (uint64, error) {
	return e.guard.GetCollateralizationRatio(account)
}

// GetLiquidationCooldownRemaining returns seconds until the position is
// eligible for liquidation again.
func (e *Exchange) GetLiquidationCooldownRemaining(account uuid.UUID) (int64, error) {
	return e.guard.GetLiquidationCooldownRemaining(account)
}

// ===================== positions =====================

// CreatePosition opens a collateralized borrowing position.
func (e *Exchange) CreatePosition(owner uuid.UUID, collateral, borrowed uint64) (models.Position, error) {
	return e.guard.CreatePosition(owner, collateral, borrowed)
}

// DepositCollateral adds collateral to an existing position.
func (e *Exchange) DepositCollateral(owner uuid.UUID, amount uint64) error {
	return e.guard.DepositCollateral(owner, amount)
}

// Borrow increases a position's debt if the creation ratio still holds.
func (e *Exchange) Borrow(owner uuid.UUID, amount uint64) error {
	return e.guard.Borrow(owner, amount)
}

// Liquidate executes a liquidation on behalf of the liquidator.
func (e *Exchange) Liquidate(liquidator, owner uuid.UUID) (liquidation.Result, error) {
	return e.guard.Liquidate(liquidator, owner)
}

// IsPositionLiquidatable reports current eligibility.
func (e *Exchange) IsPositionLiquidatable(owner uuid.UUID) (bool, error) {
	return e.guard.IsPositionLiquidatable(owner)
}

// ===================== admin =====================

func (e *Exchange) requireAdmin(caller uuid.UUID) error {
	if !e.auth.IsAdmin(caller) {
		return errors.Newf(errors.CodeUnauthorized, "caller %s is not the configured admin", caller)
	}
	return nil
}

// InitializeMarket registers a market. Admin only.
func (e *Exchange) InitializeMarket(caller uuid.UUID, cfg engine.MarketConfig) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.engine.InitializeMarket(cfg)
}

// SetMarketStatus pauses or resumes a market. Admin only; idempotent.
func (e *Exchange) SetMarketStatus(caller uuid.UUID, market string, open bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.engine.SetMarketStatus(market, open)
}

// RegisterPublicKey sets an account's signing key. Admin only.
func (e *Exchange) RegisterPublicKey(caller, account uuid.UUID, pub ed25519.PublicKey) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.ledger.RegisterPublicKey(account, pub)
	return nil
}

// Deposit credits available funds to an account. Admin only; the
// custody pipeline that feeds it lives outside this core.
func (e *Exchange) Deposit(caller, account uuid.UUID, currency string, amount uint64) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.ledger.Deposit(account, currency, amount)
	return nil
}

// InitializeLiquidationGuard replaces the liquidation policy. Admin only.
func (e *Exchange) InitializeLiquidationGuard(caller uuid.UUID, cfg liquidation.Config) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.guard.Configure(cfg)
}

// UpdatePriceFeed sets the collateral valuation price. Admin only.
func (e *Exchange) UpdatePriceFeed(caller uuid.UUID, price decimal.Decimal) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.guard.UpdatePriceFeed(price)
}

// EnableLiquidations re-enables the guard. Admin only.
func (e *Exchange) EnableLiquidations(caller uuid.UUID) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.guard.SetEnabled(true)
	return nil
}

// EmergencyDisableLiquidations is the global kill switch. Admin only.
func (e *Exchange) EmergencyDisableLiquidations(caller uuid.UUID) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.guard.SetEnabled(false)
	return nil
}

// PruneNonces drops an account's consumed nonces below a bound. Admin
// escape hatch for unbounded nonce growth.
func (e *Exchange) PruneNonces(caller, account uuid.UUID, below uint64) (int, error) {
	if err := e.requireAdmin(caller); err != nil {
		return 0, err
	}
	return e.ledger.PruneNonces(account, below), nil
}
