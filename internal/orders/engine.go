// Package orders implements deferred trade instructions: market, limit,
// and stop orders placed now and executed later against the then-current
// price. Execution delegates to the trading processor, so a failed trade
// leaves the order pending and the ledgers untouched.
package orders

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
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/trading"
)

var (
	// ErrInvalidOrderSpec is returned when an order fails structural
	// validation at placement time.
	ErrInvalidOrderSpec = errors.New("orders: invalid order specification")

	// ErrConditionNotMet is returned when a limit or stop trigger does not
	// hold against the current price. The order remains pending.
	ErrConditionNotMet = errors.New("orders: execution condition not met")

	// ErrExecutionFailed wraps a trade failure during execution. The order
	// remains pending and can be retried.
	ErrExecutionFailed = errors.New("orders: execution failed")

	// ErrForbidden is returned when a user acts on another user's order.
	ErrForbidden = errors.New("orders: order belongs to another user")

	// ErrOrderExecuted is returned on attempts to execute or cancel an
	// already-executed order. Executed orders are immutable.
	ErrOrderExecuted = errors.New("orders: order already executed")
)

// Engine places, lists, executes, and cancels orders.
type Engine struct {
	store     store.Store
	processor *trading.Processor

	mu     sync.Mutex
	locked map[string]*sync.Mutex
}

func NewEngine(st store.Store, proc *trading.Processor) *Engine {
	return &Engine{
		store:     st,
		processor: proc,
		locked:    make(map[string]*sync.Mutex),
	}
}

// orderLock serializes execute and cancel per order. Without it two
// concurrent executions of the same order both see it pending and both
// trade before either marks it.
func (e *Engine) orderLock(orderID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locked[orderID]
	if !ok {
		l = &sync.Mutex{}
		e.locked[orderID] = l
	}
	return l
}

// PlaceRequest describes a new order. Exactly one of Quantity and Amount
// must be positive; price fields must match the order type.
type PlaceRequest struct {
	InstrumentID int64
	Side         model.TradeSide
	Type         model.OrderType
	Quantity     int64
	Amount       decimal.Decimal
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
}

func validate(req *PlaceRequest) error {
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrderSpec)
	}
	if req.Quantity < 0 || req.Amount.IsNegative() {
		return fmt.Errorf("%w: quantity and amount must not be negative", ErrInvalidOrderSpec)
	}
	hasQty := req.Quantity > 0
	hasAmt := req.Amount.IsPositive()
	if hasQty == hasAmt {
		return fmt.Errorf("%w: exactly one of quantity and amount must be set", ErrInvalidOrderSpec)
	}

	switch req.Type {
	case model.OrderMarket:
		if !req.LimitPrice.IsZero() || !req.StopPrice.IsZero() {
			return fmt.Errorf("%w: market orders must not carry price conditions", ErrInvalidOrderSpec)
		}
	case model.OrderLimit:
		if !req.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit orders require a positive limit price", ErrInvalidOrderSpec)
		}
		if !req.StopPrice.IsZero() {
			return fmt.Errorf("%w: limit orders must not carry a stop price", ErrInvalidOrderSpec)
		}
	case model.OrderStop:
		if !req.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop orders require a positive stop price", ErrInvalidOrderSpec)
		}
		if !req.LimitPrice.IsZero() {
			return fmt.Errorf("%w: stop orders must not carry a limit price", ErrInvalidOrderSpec)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrderSpec, req.Type)
	}
	return nil
}

// Place validates and persists a pending order. No price lookup and no
// ledger write happens here.
func (e *Engine) Place(ctx context.Context, userID string, req *PlaceRequest) (*model.Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if _, err := e.store.GetInstrument(ctx, req.InstrumentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown instrument %d", ErrInvalidOrderSpec, req.InstrumentID)
		}
		return nil, err
	}

	now := time.Now().UTC()
	o := &model.Order{
		ID:           uuid.New().String(),
		UserID:       userID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Amount:       req.Amount,
		Type:         req.Type,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	slog.Info("order placed", "order_id", o.ID, "user", userID, "type", o.Type, "side", o.Side)
	return o, nil
}

// Get returns an order, enforcing ownership.
func (e *Engine) Get(ctx context.Context, orderID, userID string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrForbidden
	}
	return o, nil
}

// List returns the user's orders, newest first.
func (e *Engine) List(ctx context.Context, userID string) ([]model.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID)
}

// Execute attempts to fill a pending order at the instrument's latest
// price. Limit and stop conditions are checked against that price; a
// failed condition or a failed trade leaves the order pending.
func (e *Engine) Execute(ctx context.Context, orderID, userID string) (*model.Order, error) {
	l := e.orderLock(orderID)
	l.Lock()
	defer l.Unlock()

	o, err := e.Get(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if !o.Pending() {
		return nil, ErrOrderExecuted
	}

	tick, err := e.store.LatestPrice(ctx, o.InstrumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no price for instrument %d", ErrExecutionFailed, o.InstrumentID)
		}
		return nil, err
	}

	if err := checkTrigger(o, tick.Price); err != nil {
		return nil, err
	}

	quantity := o.Quantity
	if quantity == 0 {
		// Amount-based order: buy as many whole units as the amount covers.
		quantity = o.Amount.Div(tick.Price).IntPart()
		if quantity <= 0 {
			return nil, fmt.Errorf("%w: amount %s buys no whole unit at price %s",
				ErrExecutionFailed, o.Amount.String(), tick.Price.String())
		}
	}

	if o.Side == model.SideSell {
		held, err := e.store.HoldingCount(ctx, o.UserID, o.InstrumentID)
		if err != nil {
			return nil, err
		}
		if held == 0 {
			return nil, fmt.Errorf("%w: no units held", ErrExecutionFailed)
		}
		if quantity > held {
			quantity = held
		}
	}

	var txn *model.TransactionRecord
	if o.Side == model.SideBuy {
		txn, err = e.processor.Buy(ctx, o.UserID, o.InstrumentID, quantity)
	} else {
		txn, err = e.processor.Sell(ctx, o.UserID, o.InstrumentID, quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}

	if err := e.store.MarkOrderExecuted(ctx, o.ID, txn.PriceTickID, txn.UnitPrice, txn.Timestamp); err != nil {
		// The trade went through; surface the bookkeeping failure loudly.
		slog.Error("order executed but could not be marked", "order_id", o.ID, "error", err)
		return nil, fmt.Errorf("mark order executed: %w", err)
	}

	metrics.OrdersExecuted.WithLabelValues(string(o.Type)).Inc()
	slog.Info("order executed", "order_id", o.ID, "user", userID,
		"quantity", quantity, "price", txn.UnitPrice.String())
	return e.store.GetOrder(ctx, o.ID)
}

// checkTrigger enforces the limit/stop condition against the current price.
func checkTrigger(o *model.Order, price decimal.Decimal) error {
	switch o.Type {
	case model.OrderLimit:
		if o.Side == model.SideBuy && price.GreaterThan(o.LimitPrice) {
			return fmt.Errorf("%w: price %s above buy limit %s", ErrConditionNotMet, price, o.LimitPrice)
		}
		if o.Side == model.SideSell && price.LessThan(o.LimitPrice) {
			return fmt.Errorf("%w: price %s below sell limit %s", ErrConditionNotMet, price, o.LimitPrice)
		}
	case model.OrderStop:
		if o.Side == model.SideBuy && price.LessThan(o.StopPrice) {
			return fmt.Errorf("%w: price %s below buy stop %s", ErrConditionNotMet, price, o.StopPrice)
		}
		if o.Side == model.SideSell && price.GreaterThan(o.StopPrice) {
			return fmt.Errorf("%w: price %s above sell stop %s", ErrConditionNotMet, price, o.StopPrice)
		}
	}
	return nil
}

// Cancel deletes a pending order. Executed orders cannot be canceled.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) error {
	l := e.orderLock(orderID)
	l.Lock()
	defer l.Unlock()

	o, err := e.Get(ctx, orderID, userID)
	if err != nil {
		return err
	}
	if !o.Pending() {
		return ErrOrderExecuted
	}
	if err := e.store.DeleteOrder(ctx, orderID); err != nil {
		return err
	}
	slog.Info("order canceled", "order_id", orderID, "user", userID)
	return nil
}
