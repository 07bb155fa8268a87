package models

import (
	"time"

	"github.com/google/uuid"
)

// Constants for order sides, types, and statuses
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	// Order statuses
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

// SignatureSize is the exact length of an order signature (ed25519).
const SignatureSize = 64

// Order is a signed instruction to trade. It is immutable once created;
// the book never mutates a submitted Order, it tracks remaining quantity
// on its own resting entries. Price and Quantity are in smallest units.
type Order struct {
	ID        uuid.UUID `json:"id"`
	Sender    uuid.UUID `json:"sender" validate:"required"`
	Market    string    `json:"market" validate:"required"`
	Side      string    `json:"side" validate:"required,oneof=BUY SELL"`
	Type      string    `json:"type" validate:"required,oneof=LIMIT MARKET"`
	Price     uint64    `json:"price" validate:"gt=0"`
	Quantity  uint64    `json:"quantity" validate:"gt=0"`
	Expiry    int64     `json:"expiry"`
	Nonce     uint64    `json:"nonce"`
	Signature []byte    `json:"signature"`

	// SubmitSeq is assigned at the submission seam and orders all
	// processing; it never appears in the signed payload.
	SubmitSeq uint64 `json:"submit_seq"`
}

// Trade is a single fill. Append-only, immutable.
type Trade struct {
	ID        uuid.UUID `json:"id"`
	Market    string    `json:"market"`
	Price     uint64    `json:"price"`
	Quantity  uint64    `json:"quantity"`
	Buyer     uuid.UUID `json:"buyer"`
	Seller    uuid.UUID `json:"seller"`
	TakerSide string    `json:"taker_side"`
	CreatedAt time.Time `json:"created_at"`
}

// MarketStats is the per-market rollup mutated only by the matching
// engine after each trade or admin pause/resume.
type MarketStats struct {
	Market      string `json:"market"`
	TotalTrades uint64 `json:"total_trades"`
	TotalVolume uint64 `json:"total_volume"`
	LastPrice   uint64 `json:"last_price"`
	High24h     uint64 `json:"high_24h"`
	Low24h      uint64 `json:"low_24h"`
	Volume24h   uint64 `json:"volume_24h"`
	MarketOpen  bool   `json:"market_open"`
}

// Balance is a per-currency holding in smallest units.
type Balance struct {
	Currency  string `json:"currency"`
	Available uint64 `json:"available"`
	Locked    uint64 `json:"locked"`
}

// Total returns available plus locked funds.
func (b Balance) Total() uint64 {
	return b.Available + b.Locked
}

// Position is a collateralized borrowing position. Created once per
// owner; PositionID is assigned at creation and immutable.
type Position struct {
	Owner               uuid.UUID `json:"owner"`
	Collateral          uint64    `json:"collateral"`
	Borrowed            uint64    `json:"borrowed"`
	LastLiquidationTime int64     `json:"last_liquidation_time"`
	PositionID          uint64    `json:"position_id"`
}

// DepthLevel is one aggregated price level of the book.
type DepthLevel struct {
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
}

// Depth is an aggregated order book snapshot, best levels first.
type Depth struct {
	Market string       `json:"market"`
	Bids   []DepthLevel `json:"bids"`
	Asks   []DepthLevel `json:"asks"`
}
