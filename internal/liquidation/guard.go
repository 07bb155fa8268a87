package liquidation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/common/errors"
	"github.com/solinex/clearmatch/internal/journal"
	"github.com/solinex/clearmatch/pkg/metrics"
	"github.com/solinex/clearmatch/pkg/models"
)

// Crediter is the ledger surface the guard needs: crediting seized
// collateral to a liquidator.
type Crediter interface {
	Deposit(id uuid.UUID, currency string, amount uint64)
}

// Config is the process-wide liquidation policy. Mutated only through
// admin entry points at the exchange seam.
type Config struct {
	Enabled                 bool
	MinCreationRatioPct     uint64
	LiquidationThresholdPct uint64
	CooldownSeconds         int64
	LiquidationDiscountPct  uint64
	CloseFactorPct          uint64
	CollateralCurrency      string
}

// Result reports what a liquidation moved.
type Result struct {
	Owner  uuid.UUID `json:"owner"`
	Repaid uint64    `json:"repaid"`
	Seized uint64    `json:"seized"`
}

// Guard tracks collateralized borrowing positions and executes
// liquidations under cooldown and emergency-disable controls. It owns
// Position records and the liquidation config exclusively.
type Guard struct {
	logger  *zap.Logger
	ledger  Crediter
	journal *journal.Journal

	mu        sync.Mutex
	cfg       Config
	price     decimal.Decimal
	positions map[uuid.UUID]*models.Position
	nextID    uint64
	now       func() time.Time
}

// NewGuard creates a guard with the given policy. The price feed
// starts at 1 (collateral and debt in the same unit of account).
func NewGuard(logger *zap.Logger, ledger Crediter, jrn *journal.Journal, cfg Config) *Guard {
	return &Guard{
		logger:    logger,
		ledger:    ledger,
		journal:   jrn,
		cfg:       cfg,
		price:     decimal.NewFromInt(1),
		positions: make(map[uuid.UUID]*models.Position),
		now:       time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// CreatePosition opens a position for an owner. The creation ratio is
// floor(collateral × 100 / borrowed) and must reach the policy minimum;
// zero collateral always fails that check.
func (g *Guard) CreatePosition(owner uuid.UUID, collateral, borrowed uint64) (models.Position, error) {
	if borrowed == 0 {
		return models.Position{}, errors.New(errors.CodeInvalidQuantity, "borrowed must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.positions[owner]; ok {
		return models.Position{}, errors.Newf(errors.CodeInvalidOrder, "position already exists for %s", owner)
	}
	ratio := ratioPct(collateral, borrowed, decimal.NewFromInt(1))
	if ratio < g.cfg.MinCreationRatioPct {
		return models.Position{}, errors.Newf(errors.CodeInsufficientCollateral,
			"ratio %d%% below creation minimum %d%%", ratio, g.cfg.MinCreationRatioPct)
	}

	g.nextID++
	pos := &models.Position{
		Owner:      owner,
		Collateral: collateral,
		Borrowed:   borrowed,
		PositionID: g.nextID,
	}
	g.positions[owner] = pos
	g.logger.Info("position created",
		zap.String("owner", owner.String()),
		zap.Uint64("position_id", pos.PositionID),
		zap.Uint64("ratio_pct", ratio))
	return *pos, nil
}

// DepositCollateral adds collateral to an existing position.
func (g *Guard) DepositCollateral(owner uuid.UUID, amount uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[owner]
	if !ok {
		return errors.Newf(errors.CodePositionNotFound, "no position for %s", owner)
	}
	pos.Collateral += amount
	return nil
}

// Borrow increases a position's debt, re-checking the creation ratio
// against the increased amount.
func (g *Guard) Borrow(owner uuid.UUID, amount uint64) error {
	if amount == 0 {
		return errors.New(errors.CodeInvalidQuantity, "borrow amount must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[owner]
	if !ok {
		return errors.Newf(errors.CodePositionNotFound, "no position for %s", owner)
	}
	ratio := ratioPct(pos.Collateral, pos.Borrowed+amount, decimal.NewFromInt(1))
	if ratio < g.cfg.MinCreationRatioPct {
		return errors.Newf(errors.CodeInsufficientCollateral,
			"borrow would drop ratio to %d%%, minimum is %d%%", ratio, g.cfg.MinCreationRatioPct)
	}
	pos.Borrowed += amount
	return nil
}

// GetPositionDetails returns the position for an owner.
func (g *Guard) GetPositionDetails(owner uuid.UUID) (models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[owner]
	if !ok {
		return models.Position{}, errors.Newf(errors.CodePositionNotFound, "no position for %s", owner)
	}
	return *pos, nil
}

// GetCollateralizationRatio values collateral at the current price feed
// and returns floor(value × 100 / borrowed).
func (g *Guard) GetCollateralizationRatio(owner uuid.UUID) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[owner]
	if !ok {
		return 0, errors.Newf(errors.CodePositionNotFound, "no position for %s", owner)
	}
	return ratioPct(pos.Collateral, pos.Borrowed, g.price), nil
}

// IsPositionLiquidatable reports whether a liquidation would currently
// be accepted: ratio below threshold, liquidations enabled, cooldown
// elapsed.
func (g *Guard) IsPositionLiquidatable(owner uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[owner]
	if !ok {
		return false, errors.Newf(errors.CodePositionNotFound, "no position for %s", owner)
	}
	return g.liquidatable(pos) == nil, nil
}

// liquidatable reports why a position cannot be liquidated, or nil.
// Caller holds the lock.
func (g *Guard) liquidatable(pos *models.Position) error {
	if !g.cfg.Enabled {
		return errors.New(errors.CodeLiquidationDisabled, "liquidations are disabled")
	}
	ratio := ratioPct(pos.Collateral, pos.Borrowed, g.price)
	if ratio >= g.cfg.LiquidationThresholdPct {
		return errors.Newf(errors.CodeNotLiquidatable,
			"ratio %d%% at or above threshold %d%%", ratio, g.cfg.LiquidationThresholdPct)
	}
	if pos.LastLiquidationTime > 0 {
		elapsed := g.now().Unix() - pos.LastLiquidationTime
		if elapsed < g.cfg.CooldownSeconds {
			return errors.Newf(errors.CodeNotLiquidatable,
				"cooldown: %ds of %ds elapsed", elapsed, g.cfg.CooldownSeconds)
		}
	}
	return nil
}

// GetLiquidationCooldownRemaining returns seconds until the position
// may be liquidated again; 0 when eligible or never liquidated.
func (g *Guard) GetLiquidationCooldownRemaining(owner uuid.UUID) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[owner]
	if !ok {
		return 0, errors.Newf(errors.CodePositionNotFound, "no position for %s", owner)
	}
	if pos.LastLiquidationTime == 0 {
		return 0, nil
	}
	remaining := g.cfg.CooldownSeconds - (g.now().Unix() - pos.LastLiquidationTime)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Liquidate repays a close-factor portion of the debt and transfers the
// discount-adjusted collateral to the liquidator. The full transfer and
// bookkeeping happen atomically or not at all.
func (g *Guard) Liquidate(liquidator, owner uuid.UUID) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.positions[owner]
	if !ok {
		return Result{}, errors.Newf(errors.CodePositionNotFound, "no position for %s", owner)
	}
	if err := g.liquidatable(pos); err != nil {
		return Result{}, err
	}

	// Close-factor portion of the debt, in decimal: raw uint64
	// multiplication wraps for large positions.
	repay := decimalToUint64(decimal.NewFromUint64(pos.Borrowed).
		Mul(decimal.NewFromUint64(g.cfg.CloseFactorPct)).
		Div(decimal.NewFromInt(100)).
		Floor())
	if repay == 0 || repay > pos.Borrowed {
		repay = pos.Borrowed
	}
	// Value the repaid debt in collateral units at the current price,
	// plus the liquidation discount, capped at what the position holds.
	seizeDec := decimal.NewFromUint64(repay).
		Mul(decimal.NewFromUint64(100 + g.cfg.LiquidationDiscountPct)).
		Div(decimal.NewFromInt(100)).
		Div(g.price).
		Floor()
	seized := decimalToUint64(seizeDec)
	if seized > pos.Collateral {
		seized = pos.Collateral
	}

	pos.Collateral -= seized
	pos.Borrowed -= repay
	pos.LastLiquidationTime = g.now().Unix()
	g.ledger.Deposit(liquidator, g.cfg.CollateralCurrency, seized)

	res := Result{Owner: owner, Repaid: repay, Seized: seized}
	metrics.LiquidationsExecuted.Inc()
	if g.journal != nil {
		_ = g.journal.Append(journal.EventTypePositionLiquidated, "", res)
	}
	g.logger.Info("position liquidated",
		zap.String("owner", owner.String()),
		zap.String("liquidator", liquidator.String()),
		zap.Uint64("repaid", repay),
		zap.Uint64("seized", seized))
	return res, nil
}

// UpdatePriceFeed sets the collateral valuation price. Admin-gated at
// the exchange seam.
func (g *Guard) UpdatePriceFeed(price decimal.Decimal) error {
	if price.Sign() <= 0 {
		return errors.New(errors.CodeInvalidPrice, "price feed value must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.price = price
	return nil
}

// Configure replaces the guard policy after validating it. The price
// feed and existing positions are untouched.
func (g *Guard) Configure(cfg Config) error {
	if cfg.CloseFactorPct == 0 || cfg.CloseFactorPct > 100 {
		return fmt.Errorf("invalid liquidation policy: close factor %d%% outside (0, 100]", cfg.CloseFactorPct)
	}
	if cfg.LiquidationThresholdPct >= cfg.MinCreationRatioPct {
		return fmt.Errorf("invalid liquidation policy: threshold %d%% must be below creation minimum %d%%",
			cfg.LiquidationThresholdPct, cfg.MinCreationRatioPct)
	}
	if cfg.CooldownSeconds < 0 {
		return fmt.Errorf("invalid liquidation policy: negative cooldown %d", cfg.CooldownSeconds)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.logger.Info("liquidation guard configured",
		zap.Bool("enabled", cfg.Enabled),
		zap.Uint64("min_creation_ratio_pct", cfg.MinCreationRatioPct),
		zap.Uint64("liquidation_threshold_pct", cfg.LiquidationThresholdPct),
		zap.Int64("cooldown_seconds", cfg.CooldownSeconds))
	return nil
}

// SetEnabled flips the global kill switch.
func (g *Guard) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.Enabled = enabled
	g.logger.Warn("liquidation switch changed", zap.Bool("enabled", enabled))
}

// Enabled reports the kill switch state.
func (g *Guard) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Enabled
}

// ratioPct computes floor(collateral × price × 100 / borrowed). A fully
// repaid position has no meaningful ratio; report it as maximal.
func ratioPct(collateral, borrowed uint64, price decimal.Decimal) uint64 {
	if borrowed == 0 {
		return math.MaxUint64
	}
	r := decimal.NewFromUint64(collateral).
		Mul(price).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromUint64(borrowed)).
		Floor()
	return decimalToUint64(r)
}

func decimalToUint64(d decimal.Decimal) uint64 {
	if d.Sign() <= 0 {
		return 0
	}
	v := d.BigInt()
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}
