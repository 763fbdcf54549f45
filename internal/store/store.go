// Package store defines the persistence interface for the trading game.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The cash ledger, holding ledger, and transaction log are append-only;
// the only destructive operation is the FIFO liquidation of holding units
// inside ApplyTrade, and that runs atomically with the appends of the same
// trade.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist, including
	// "no price history at or before the requested time".
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientHoldings is returned by ApplyTrade when a liquidation
	// would remove more holding units than the user owns. The whole mutation
	// is rolled back; no ledger row is written.
	ErrInsufficientHoldings = errors.New("store: insufficient holdings for liquidation")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for reference data.
type Store interface {
	// --- Instrument catalog ---

	// CreateInstrument persists a new catalog entry.
	CreateInstrument(ctx context.Context, ins *model.Instrument) error

	// GetInstrument retrieves a catalog entry by id.
	GetInstrument(ctx context.Context, id int64) (*model.Instrument, error)

	// ListInstruments returns the whole catalog.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// --- Price ticks (append-only) ---

	// InsertPriceTick appends one tick to an instrument's series.
	InsertPriceTick(ctx context.Context, tick *model.PriceTick) error

	// LatestPrice returns the most recent tick for an instrument.
	LatestPrice(ctx context.Context, instrumentID int64) (*model.PriceTick, error)

	// PriceAsOf returns the most recent tick with timestamp <= ts.
	PriceAsOf(ctx context.Context, instrumentID int64, ts time.Time) (*model.PriceTick, error)

	// PriceHistory returns all ticks with timestamp <= until, ascending.
	PriceHistory(ctx context.Context, instrumentID int64, until time.Time) ([]model.PriceTick, error)

	// --- Cash ledger ---

	// CurrentBalance returns the NewBalance of the user's latest cash entry.
	// ErrNotFound means the user has no entries yet (not yet provisioned).
	CurrentBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// AppendCashEntry appends a cash ledger row outside of a trade
	// (account provisioning).
	AppendCashEntry(ctx context.Context, entry *model.CashEntry) error

	// CashEntries returns all cash entries for a user in insertion order.
	CashEntries(ctx context.Context, userID string) ([]model.CashEntry, error)

	// --- Holding ledger ---

	// HoldingCount returns the number of live holding units for
	// (user, instrument).
	HoldingCount(ctx context.Context, userID string, instrumentID int64) (int64, error)

	// HoldingsByUser returns all live holding units for a user, oldest first.
	HoldingsByUser(ctx context.Context, userID string) ([]model.HoldingUnit, error)

	// --- Transaction log ---

	// TransactionsByUser returns all transaction records for a user in
	// insertion order.
	TransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error)

	// --- Atomic trade application ---

	// ApplyTrade applies one buy or sell as a single unit of work: the FIFO
	// liquidation (sells), the cash entry, the holding units (buys), and the
	// transaction record all commit together or not at all. Returns
	// ErrInsufficientHoldings, without writing anything, when fewer than
	// Liquidate units are live.
	ApplyTrade(ctx context.Context, m *model.TradeMutation) error

	// --- Orders ---

	// InsertOrder persists a new pending order with its price condition.
	InsertOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrdersByUser returns all orders for a user, newest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// MarkOrderExecuted stamps execution metadata on a pending order.
	// Reports ErrNotFound when the order is missing or already executed.
	MarkOrderExecuted(ctx context.Context, id string, tickID int64, price decimal.Decimal, at time.Time) error

	// DeleteOrder removes an order and its condition. Only pending orders
	// are ever deleted; the caller enforces that.
	DeleteOrder(ctx context.Context, id string) error

	// --- Season ---

	// ActiveSeason returns the currently active season.
	ActiveSeason(ctx context.Context) (*model.Season, error)

	// CreateSeason persists a season row. Season lifecycle management lives
	// outside this service; this exists for seeding and tests.
	CreateSeason(ctx context.Context, season *model.Season) error
}
