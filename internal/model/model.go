// Package model defines the core domain types shared across the trading game.
// All monetary values use shopspring/decimal — never float64 for money.
// Share quantities are whole units and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind distinguishes tradable stocks from (non-tradable) indexes.
type InstrumentKind string

const (
	KindStock InstrumentKind = "stock"
	KindIndex InstrumentKind = "index"
)

// Instrument is a catalog entry for a stock or index with its own price
// time series.
type Instrument struct {
	ID     int64          `json:"id" db:"id"`
	Symbol string         `json:"symbol" db:"symbol"`
	Name   string         `json:"name" db:"name"`
	Kind   InstrumentKind `json:"kind" db:"kind"`
}

// PriceTick is one point of an instrument's append-only price series.
// Timestamps are monotonically increasing per instrument; rows are never
// mutated.
type PriceTick struct {
	ID           int64           `json:"id" db:"id"`
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// CashEntry is one row of the append-only cash ledger. The current balance
// for a user is the entry with the greatest sequence number; entries are
// never updated in place.
type CashEntry struct {
	ID           int64           `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	PriorBalance decimal.Decimal `json:"prior_balance" db:"prior_balance"`
	NewBalance   decimal.Decimal `json:"new_balance" db:"new_balance"`
}

// HoldingUnit represents exactly one share-equivalent unit acquired at a
// specific cost and time. A user's live position in an instrument equals the
// count of its HoldingUnits; a sell deletes the N oldest units (FIFO), which
// is what establishes realized cost basis.
type HoldingUnit struct {
	ID           int64           `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	PriceTickID  int64           `json:"price_tick_id" db:"price_tick_id"`
	UnitCost     decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	AcquiredAt   time.Time       `json:"acquired_at" db:"acquired_at"`
}

// TradeSide is the direction of a transaction or order.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TransactionRecord is the immutable event log entry for one executed
// buy or sell. Position-at-time-T is always derivable from these records
// alone, independent of HoldingUnit state.
type TransactionRecord struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	PriceTickID  int64           `json:"price_tick_id" db:"price_tick_id"`
	Side         TradeSide       `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price" db:"unit_price"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// OrderType selects the trigger semantics of a deferred order.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

// Order is a deferred trade intent. Lifecycle: Pending (ExecutedAt nil) →
// Executed (ExecutedAt set, immutable thereafter), or deleted while still
// Pending. Exactly one of Quantity/Amount is non-zero; exactly one of
// LimitPrice/StopPrice is set for LIMIT/STOP orders, neither for MARKET.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	InstrumentID   int64           `json:"instrument_id" db:"instrument_id"`
	Side           TradeSide       `json:"side" db:"side"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Type           OrderType       `json:"type" db:"type"`
	LimitPrice     decimal.Decimal `json:"limit_price" db:"limit_price"`
	StopPrice      decimal.Decimal `json:"stop_price" db:"stop_price"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	ExecutedTickID int64           `json:"executed_tick_id,omitempty" db:"executed_tick_id"`
	ExecutedPrice  decimal.Decimal `json:"executed_price" db:"executed_price"`
}

// Pending reports whether the order is still open for execution or
// cancellation.
func (o *Order) Pending() bool { return o.ExecutedAt == nil }

// Season is a bounded competition period. Exactly one season is active at a
// time; the core only reads StartBalance for account provisioning.
type Season struct {
	ID           int64           `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	StartDate    time.Time       `json:"start_date" db:"start_date"`
	EndDate      time.Time       `json:"end_date" db:"end_date"`
	Active       bool            `json:"active" db:"active"`
	StartBalance decimal.Decimal `json:"start_balance" db:"start_balance"`
}

// Snapshot is the total portfolio value (holdings + cash) at one instant.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// TradeMutation is the unit of work applied atomically by the store for one
// buy or sell: the cash entry, either new holding units (buy) or a FIFO
// liquidation count (sell), and the transaction record. All writes succeed
// together or not at all.
type TradeMutation struct {
	Cash        CashEntry
	Units       []HoldingUnit
	Liquidate   int64
	Transaction TransactionRecord
}
