// Package trading implements the buy/sell transaction processor: the single
// primitive that moves cash, holding units, and the transaction log together.
// Both direct trades and deferred order execution go through it.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/metrics"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/store"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/stream"
)

var (
	// ErrInstrumentUnavailable is returned when the instrument does not
	// exist or has no price history.
	ErrInstrumentUnavailable = errors.New("trading: instrument unavailable")

	// ErrInsufficientFunds is returned when a buy would leave the balance
	// at or below zero. An exact-zero remainder is rejected too.
	ErrInsufficientFunds = errors.New("trading: insufficient funds")

	// ErrOverSell is returned when a sell requests more units than held.
	// The whole operation aborts; no ledger row is written.
	ErrOverSell = errors.New("trading: attempted to sell more shares than held")

	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("trading: quantity must be a positive whole number")
)

// Processor executes buys and sells atomically. Trades for the same user
// are serialized with a per-user mutex so concurrent balance reads cannot
// produce lost updates; trades for different users proceed in parallel.
type Processor struct {
	store store.Store
	hub   *stream.Hub // optional; nil disables broadcasting

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewProcessor creates a transaction processor.
// Pass nil for hub if trade broadcasting is not needed.
func NewProcessor(st store.Store, hub *stream.Hub) *Processor {
	return &Processor{
		store: st,
		hub:   hub,
		users: make(map[string]*sync.Mutex),
	}
}

func (p *Processor) userLock(userID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.users[userID]
	if !ok {
		l = &sync.Mutex{}
		p.users[userID] = l
	}
	return l
}

// Balance returns the user's current cash balance, provisioning the account
// from the active season's start balance on first touch.
func (p *Processor) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	l := p.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return p.balanceLocked(ctx, userID)
}

func (p *Processor) balanceLocked(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := p.store.CurrentBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, err
	}

	// First touch: seed the cash ledger from the active season.
	start := decimal.Zero
	if season, err := p.store.ActiveSeason(ctx); err == nil {
		start = season.StartBalance
	}
	entry := &model.CashEntry{
		UserID:       userID,
		PriorBalance: decimal.Zero,
		NewBalance:   start,
	}
	if err := p.store.AppendCashEntry(ctx, entry); err != nil {
		return decimal.Zero, fmt.Errorf("provision account: %w", err)
	}
	slog.Info("account provisioned", "user", userID, "start_balance", start.String())
	return start, nil
}

// Buy purchases quantity whole units of an instrument at its latest price.
// The cash entry, one holding unit per purchased unit, and the transaction
// record are written atomically.
func (p *Processor) Buy(ctx context.Context, userID string, instrumentID int64, quantity int64) (*model.TransactionRecord, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	l := p.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tick, err := p.latestTick(ctx, instrumentID)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("instrument_unavailable").Inc()
		return nil, err
	}

	balance, err := p.balanceLocked(ctx, userID)
	if err != nil {
		return nil, err
	}

	cost := tick.Price.Mul(decimal.NewFromInt(quantity))
	newBalance := balance.Sub(cost)
	// Landing exactly at zero is rejected as well.
	if newBalance.LessThanOrEqual(decimal.Zero) {
		metrics.TradeRejections.WithLabelValues("insufficient_funds").Inc()
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	units := make([]model.HoldingUnit, quantity)
	for i := range units {
		units[i] = model.HoldingUnit{
			UserID:       userID,
			InstrumentID: instrumentID,
			PriceTickID:  tick.ID,
			UnitCost:     tick.Price,
			AcquiredAt:   now,
		}
	}

	m := &model.TradeMutation{
		Cash: model.CashEntry{
			UserID:       userID,
			PriorBalance: balance,
			NewBalance:   newBalance,
		},
		Units: units,
		Transaction: model.TransactionRecord{
			ID:           uuid.New().String(),
			UserID:       userID,
			InstrumentID: instrumentID,
			PriceTickID:  tick.ID,
			Side:         model.SideBuy,
			Quantity:     quantity,
			UnitPrice:    tick.Price,
			Timestamp:    now,
		},
	}

	if err := p.store.ApplyTrade(ctx, m); err != nil {
		return nil, fmt.Errorf("apply buy: %w", err)
	}

	p.finish(&m.Transaction, newBalance)
	return &m.Transaction, nil
}

// Sell liquidates quantity whole units at the latest price, FIFO. The
// holdings check happens before any write and the store re-validates it
// inside the same transaction, so an oversell leaves all three ledgers
// untouched.
func (p *Processor) Sell(ctx context.Context, userID string, instrumentID int64, quantity int64) (*model.TransactionRecord, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	l := p.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tick, err := p.latestTick(ctx, instrumentID)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("instrument_unavailable").Inc()
		return nil, err
	}

	held, err := p.store.HoldingCount(ctx, userID, instrumentID)
	if err != nil {
		return nil, err
	}
	if held < quantity {
		metrics.TradeRejections.WithLabelValues("oversell").Inc()
		return nil, ErrOverSell
	}

	balance, err := p.balanceLocked(ctx, userID)
	if err != nil {
		return nil, err
	}

	proceeds := tick.Price.Mul(decimal.NewFromInt(quantity))
	now := time.Now().UTC()

	m := &model.TradeMutation{
		Cash: model.CashEntry{
			UserID:       userID,
			PriorBalance: balance,
			NewBalance:   balance.Add(proceeds),
		},
		Liquidate: quantity,
		Transaction: model.TransactionRecord{
			ID:           uuid.New().String(),
			UserID:       userID,
			InstrumentID: instrumentID,
			PriceTickID:  tick.ID,
			Side:         model.SideSell,
			Quantity:     quantity,
			UnitPrice:    tick.Price,
			Timestamp:    now,
		},
	}

	if err := p.store.ApplyTrade(ctx, m); err != nil {
		if errors.Is(err, store.ErrInsufficientHoldings) {
			metrics.TradeRejections.WithLabelValues("oversell").Inc()
			return nil, ErrOverSell
		}
		return nil, fmt.Errorf("apply sell: %w", err)
	}

	p.finish(&m.Transaction, m.Cash.NewBalance)
	return &m.Transaction, nil
}

// latestTick fetches the instrument's newest tick, verifying the instrument
// exists in the catalog first.
func (p *Processor) latestTick(ctx context.Context, instrumentID int64) (*model.PriceTick, error) {
	if _, err := p.store.GetInstrument(ctx, instrumentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown instrument %d", ErrInstrumentUnavailable, instrumentID)
		}
		return nil, err
	}
	tick, err := p.store.LatestPrice(ctx, instrumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no price history for instrument %d", ErrInstrumentUnavailable, instrumentID)
		}
		return nil, err
	}
	return tick, nil
}

func (p *Processor) finish(t *model.TransactionRecord, newBalance decimal.Decimal) {
	metrics.TradesTotal.WithLabelValues(string(t.Side)).Inc()
	slog.Info("trade executed",
		"transaction_id", t.ID,
		"user", t.UserID,
		"instrument", t.InstrumentID,
		"side", t.Side,
		"quantity", t.Quantity,
		"unit_price", t.UnitPrice.String(),
		"new_balance", newBalance.String(),
	)
	p.hub.Broadcast(stream.Event{
		Type:         "trade_executed",
		InstrumentID: t.InstrumentID,
		Price:        t.UnitPrice.String(),
		Side:         string(t.Side),
		Quantity:     t.Quantity,
		Timestamp:    t.Timestamp.Format(time.RFC3339),
	})
}
