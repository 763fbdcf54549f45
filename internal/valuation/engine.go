// Package valuation computes point-in-time portfolio values by replaying
// the transaction log and cash ledger against historical prices. Nothing
// here writes; the ledgers are the single source of truth and any past
// valuation is reproducible from them.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/marketcal"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/metrics"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/pricing"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/store"
)

// ErrInvalidRange is returned for a malformed series request: a
// non-positive step or a stop after the start.
var ErrInvalidRange = errors.New("valuation: invalid series range")

// Engine reconstructs portfolio state at arbitrary points in time.
type Engine struct {
	store store.Store
}

func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// Holding is the current-portfolio view of one instrument.
type Holding struct {
	Instrument  model.Instrument `json:"instrument"`
	Count       int64            `json:"count"`
	AverageCost decimal.Decimal  `json:"average_cost"`
	LatestPrice decimal.Decimal  `json:"latest_price"`
	Value       decimal.Decimal  `json:"value"`
}

// ledger bundles everything needed to value one user at any time,
// loaded once per request.
type ledger struct {
	transactions []model.TransactionRecord
	cash         []cashPoint
	prices       map[int64][]model.PriceTick
}

// cashPoint is a cash ledger entry paired with the moment it took effect.
type cashPoint struct {
	effective time.Time
	balance   decimal.Decimal
}

// load reads the user's full transaction log and cash ledger and the price
// history of every instrument they ever touched, up to horizon.
func (e *Engine) load(ctx context.Context, userID string, horizon time.Time) (*ledger, error) {
	txns, err := e.store.TransactionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	entries, err := e.store.CashEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load cash ledger: %w", err)
	}

	l := &ledger{
		transactions: txns,
		cash:         e.pairCash(ctx, entries, txns),
		prices:       make(map[int64][]model.PriceTick),
	}
	for _, t := range txns {
		if _, ok := l.prices[t.InstrumentID]; ok {
			continue
		}
		hist, err := e.store.PriceHistory(ctx, t.InstrumentID, horizon)
		if err != nil {
			return nil, fmt.Errorf("load price history for instrument %d: %w", t.InstrumentID, err)
		}
		l.prices[t.InstrumentID] = hist
	}
	return l, nil
}

// pairCash assigns each cash entry the timestamp at which it took effect.
// The cash ledger carries no timestamps of its own; entry n was written by
// transaction n-1, so its effective time is that transaction's timestamp.
// The first entry (account provisioning) is effective from the season start,
// or from the epoch when no season is active.
func (e *Engine) pairCash(ctx context.Context, entries []model.CashEntry, txns []model.TransactionRecord) []cashPoint {
	first := time.Unix(0, 0).UTC()
	if season, err := e.store.ActiveSeason(ctx); err == nil {
		first = season.StartDate
	}

	// Every trade writes exactly one cash entry on top of the provisioning
	// entry. A mismatch means the ledgers desynchronized and every later
	// effective time below would be wrong.
	if len(entries) > 0 && len(entries) != len(txns)+1 {
		slog.Warn("cash ledger out of step with transaction log",
			"cash_entries", len(entries), "transactions", len(txns))
	}

	points := make([]cashPoint, 0, len(entries))
	for i, entry := range entries {
		eff := first
		if i > 0 && i-1 < len(txns) {
			eff = txns[i-1].Timestamp
		}
		points = append(points, cashPoint{effective: eff, balance: entry.NewBalance})
	}
	return points
}

// balanceAsOf returns the cash balance in force at ts: the balance of the
// last entry whose effective time is not after ts.
func (l *ledger) balanceAsOf(ts time.Time) decimal.Decimal {
	balance := decimal.Zero
	for _, p := range l.cash {
		if p.effective.After(ts) {
			break
		}
		balance = p.balance
	}
	return balance
}

// positionsAsOf replays the transaction log up to ts and returns net
// units held per instrument.
func (l *ledger) positionsAsOf(ts time.Time) map[int64]int64 {
	positions := make(map[int64]int64)
	for _, t := range l.transactions {
		if t.Timestamp.After(ts) {
			break
		}
		if t.Side == model.SideBuy {
			positions[t.InstrumentID] += t.Quantity
		} else {
			positions[t.InstrumentID] -= t.Quantity
		}
	}
	return positions
}

// priceAsOf returns the latest known price for an instrument at ts, using
// binary search over the preloaded ascending history. ok is false when the
// instrument had no tick at or before ts.
func (l *ledger) priceAsOf(instrumentID int64, ts time.Time) (decimal.Decimal, bool) {
	ticks := l.prices[instrumentID]
	n := sort.Search(len(ticks), func(i int) bool {
		return ticks[i].Timestamp.After(ts)
	})
	if n == 0 {
		return decimal.Zero, false
	}
	return ticks[n-1].Price, true
}

// valueAt computes total portfolio value (positions at then-known prices
// plus cash) at ts.
func (l *ledger) valueAt(ts time.Time) decimal.Decimal {
	total := l.balanceAsOf(ts)
	for id, count := range l.positionsAsOf(ts) {
		if count <= 0 {
			continue
		}
		price, ok := l.priceAsOf(id, ts)
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(count)))
	}
	return total
}

// PositionAsOf returns the net units of an instrument a user held at ts,
// derived purely from the transaction log.
func (e *Engine) PositionAsOf(ctx context.Context, userID string, instrumentID int64, ts time.Time) (int64, error) {
	txns, err := e.store.TransactionsByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load transactions: %w", err)
	}
	l := &ledger{transactions: txns}
	return l.positionsAsOf(ts)[instrumentID], nil
}

// Snapshot values the user's whole portfolio as of ts.
func (e *Engine) Snapshot(ctx context.Context, userID string, ts time.Time) (*model.Snapshot, error) {
	started := time.Now()
	defer func() {
		metrics.SnapshotLatency.WithLabelValues("snapshot").Observe(time.Since(started).Seconds())
	}()

	l, err := e.load(ctx, userID, ts)
	if err != nil {
		return nil, err
	}
	return &model.Snapshot{Timestamp: ts, Value: l.valueAt(ts)}, nil
}

// Series values the portfolio on a time grid walking backwards from start
// in fixed steps, newest point first, until the whole range down to stop is
// covered. A span that is not a step multiple gets one extra point past
// stop. The ledgers and price histories are loaded once and reused for
// every grid point.
func (e *Engine) Series(ctx context.Context, userID string, start, stop time.Time, step time.Duration) ([]model.Snapshot, error) {
	started := time.Now()
	defer func() {
		metrics.SnapshotLatency.WithLabelValues("series").Observe(time.Since(started).Seconds())
	}()

	if err := checkGrid(start, stop, step); err != nil {
		return nil, err
	}

	l, err := e.load(ctx, userID, start)
	if err != nil {
		return nil, err
	}

	var out []model.Snapshot
	for ts := start; ; ts = ts.Add(-step) {
		out = append(out, model.Snapshot{Timestamp: ts, Value: l.valueAt(ts)})
		if !ts.After(stop) {
			break
		}
	}
	return out, nil
}

// RelativeSeries computes unrealized profit over time: for every grid
// point, each live holding unit acquired by then contributes the current
// price minus its acquisition cost. Sold units drop out entirely, so the
// curve reflects only what is still held.
func (e *Engine) RelativeSeries(ctx context.Context, userID string, start, stop time.Time, step time.Duration) ([]model.Snapshot, error) {
	started := time.Now()
	defer func() {
		metrics.SnapshotLatency.WithLabelValues("relative_series").Observe(time.Since(started).Seconds())
	}()

	if err := checkGrid(start, stop, step); err != nil {
		return nil, err
	}

	units, err := e.store.HoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	prices := make(map[int64][]model.PriceTick)
	for _, u := range units {
		if _, ok := prices[u.InstrumentID]; ok {
			continue
		}
		hist, err := e.store.PriceHistory(ctx, u.InstrumentID, start)
		if err != nil {
			return nil, fmt.Errorf("load price history for instrument %d: %w", u.InstrumentID, err)
		}
		prices[u.InstrumentID] = hist
	}
	l := &ledger{prices: prices}

	var out []model.Snapshot
	for ts := start; ; ts = ts.Add(-step) {
		total := decimal.Zero
		type agg struct {
			count int64
			cost  decimal.Decimal
		}
		byInstrument := make(map[int64]*agg)
		for _, u := range units {
			if u.AcquiredAt.After(ts) {
				continue
			}
			a, ok := byInstrument[u.InstrumentID]
			if !ok {
				a = &agg{}
				byInstrument[u.InstrumentID] = a
			}
			a.count++
			a.cost = a.cost.Add(u.UnitCost)
		}
		for id, a := range byInstrument {
			price, ok := l.priceAsOf(id, ts)
			if !ok {
				continue
			}
			avg := a.cost.Div(decimal.NewFromInt(a.count))
			total = total.Add(price.Sub(avg).Mul(decimal.NewFromInt(a.count)))
		}
		out = append(out, model.Snapshot{Timestamp: ts, Value: total})
		if !ts.After(stop) {
			break
		}
	}
	return out, nil
}

func checkGrid(start, stop time.Time, step time.Duration) error {
	if step <= 0 {
		return fmt.Errorf("%w: step must be positive", ErrInvalidRange)
	}
	if stop.After(start) {
		return fmt.Errorf("%w: stop must not be after start", ErrInvalidRange)
	}
	points := start.Sub(stop)/step + 1
	if start.Sub(stop)%step != 0 {
		points++
	}
	if points > pricing.MaxGridPoints {
		return fmt.Errorf("%w: %s to %s at step %s", pricing.ErrGridTooLarge, stop, start, step)
	}
	return nil
}

// Holdings returns the user's current portfolio grouped by instrument,
// with acquisition cost averaged over the live units.
func (e *Engine) Holdings(ctx context.Context, userID string) ([]Holding, error) {
	units, err := e.store.HoldingsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	type agg struct {
		count int64
		cost  decimal.Decimal
	}
	byInstrument := make(map[int64]*agg)
	var order []int64
	for _, u := range units {
		a, ok := byInstrument[u.InstrumentID]
		if !ok {
			a = &agg{}
			byInstrument[u.InstrumentID] = a
			order = append(order, u.InstrumentID)
		}
		a.count++
		a.cost = a.cost.Add(u.UnitCost)
	}

	out := make([]Holding, 0, len(order))
	for _, id := range order {
		a := byInstrument[id]
		ins, err := e.store.GetInstrument(ctx, id)
		if err != nil {
			return nil, err
		}
		h := Holding{
			Instrument:  *ins,
			Count:       a.count,
			AverageCost: a.cost.Div(decimal.NewFromInt(a.count)),
		}
		if tick, err := e.store.LatestPrice(ctx, id); err == nil {
			h.LatestPrice = tick.Price
			h.Value = tick.Price.Mul(decimal.NewFromInt(a.count))
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Growth reports an instrument's price change relative to the previous
// market close, in percent. Returns the as-of price, the reference close
// price, and the change.
func (e *Engine) Growth(ctx context.Context, instrumentID int64, asOf time.Time) (current, previous, percent decimal.Decimal, err error) {
	tick, err := e.store.PriceAsOf(ctx, instrumentID, asOf)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	ref := marketcal.PreviousClose(asOf, marketcal.Hour)
	prev, err := e.store.PriceAsOf(ctx, instrumentID, ref)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if prev.Price.IsZero() {
		return tick.Price, prev.Price, decimal.Zero, nil
	}
	percent = tick.Price.Sub(prev.Price).Div(prev.Price).Mul(decimal.NewFromInt(100))
	return tick.Price, prev.Price, percent, nil
}
