package valuation_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/pricing"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/store"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/trading"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*valuation.Engine, *trading.Processor, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	season := &model.Season{
		Name:         "test season",
		StartDate:    time.Now().UTC().Add(-24 * time.Hour),
		EndDate:      time.Now().UTC().Add(30 * 24 * time.Hour),
		Active:       true,
		StartBalance: d(10000),
	}
	if err := ms.CreateSeason(context.Background(), season); err != nil {
		t.Fatalf("failed to seed season: %v", err)
	}
	return valuation.NewEngine(ms), trading.NewProcessor(ms, nil), ms
}

func seedInstrument(t *testing.T, ms *store.MemoryStore) *model.Instrument {
	t.Helper()
	ins := &model.Instrument{Symbol: "SWFT", Name: "Swift", Kind: model.KindStock}
	if err := ms.CreateInstrument(context.Background(), ins); err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
	return ins
}

func seedTick(t *testing.T, ms *store.MemoryStore, instrumentID int64, price float64, ts time.Time) {
	t.Helper()
	tick := &model.PriceTick{InstrumentID: instrumentID, Price: d(price), Timestamp: ts}
	if err := ms.InsertPriceTick(context.Background(), tick); err != nil {
		t.Fatalf("failed to seed tick: %v", err)
	}
}

// Buy at 50, price rises to 60: the snapshot reflects the unrealized gain,
// and selling everything realizes it without changing the total.
func TestSnapshot_ValueTracksPriceMoves(t *testing.T) {
	engine, proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)
	ctx := context.Background()

	seedTick(t, ms, ins.ID, 50, time.Now().UTC().Add(-time.Hour))
	if _, err := proc.Buy(ctx, "user1", ins.ID, 100); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	seedTick(t, ms, ins.ID, 60, time.Now().UTC())

	snap, err := engine.Snapshot(ctx, "user1", time.Now().UTC())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	// Cash 5000 + 100 units at 60.
	if !snap.Value.Equal(d(11000)) {
		t.Errorf("expected value 11000 after price rise, got %s", snap.Value)
	}

	if _, err := proc.Sell(ctx, "user1", ins.ID, 100); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	snap, err = engine.Snapshot(ctx, "user1", time.Now().UTC())
	if err != nil {
		t.Fatalf("snapshot after sell failed: %v", err)
	}
	if !snap.Value.Equal(d(11000)) {
		t.Errorf("selling should not change total value, got %s", snap.Value)
	}
}

// A snapshot taken before a trade's timestamp must not see the trade.
func TestSnapshot_PointInTimeIgnoresLaterTrades(t *testing.T) {
	engine, proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)
	ctx := context.Background()

	seedTick(t, ms, ins.ID, 50, time.Now().UTC().Add(-time.Hour))
	before := time.Now().UTC().Add(-30 * time.Minute)

	if _, err := proc.Buy(ctx, "user1", ins.ID, 100); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	snap, err := engine.Snapshot(ctx, "user1", before)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	// Only the provisioned balance existed back then.
	if !snap.Value.Equal(d(10000)) {
		t.Errorf("expected pre-trade value 10000, got %s", snap.Value)
	}
}

func TestSeries_GridShape(t *testing.T) {
	engine, _, _ := newTestEnv(t)
	ctx := context.Background()

	start := time.Now().UTC()
	stop := start.Add(-4 * time.Hour)

	points, err := engine.Series(ctx, "user1", start, stop, time.Hour)
	if err != nil {
		t.Fatalf("series failed: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("expected 5 grid points over 4h at 1h steps, got %d", len(points))
	}
	if !points[0].Timestamp.Equal(start) {
		t.Errorf("expected newest point first, got %s", points[0].Timestamp)
	}
	for i := 1; i < len(points); i++ {
		if got := points[i-1].Timestamp.Sub(points[i].Timestamp); got != time.Hour {
			t.Errorf("grid gap %d: expected 1h, got %s", i, got)
		}
	}
}

// A span that is not a multiple of the step still covers the whole range:
// the grid gets one extra point past stop rather than cutting the range
// short.
func TestSeries_NonDivisibleSpan(t *testing.T) {
	engine, _, _ := newTestEnv(t)
	ctx := context.Background()

	start := time.Now().UTC()
	stop := start.Add(-4*time.Hour - 30*time.Minute)

	points, err := engine.Series(ctx, "user1", start, stop, time.Hour)
	if err != nil {
		t.Fatalf("series failed: %v", err)
	}
	if len(points) != 6 {
		t.Fatalf("expected 6 grid points over 4h30m at 1h steps, got %d", len(points))
	}
	if !points[0].Timestamp.Equal(start) {
		t.Errorf("expected newest point first, got %s", points[0].Timestamp)
	}
	if last := points[5].Timestamp; !last.Equal(start.Add(-5 * time.Hour)) {
		t.Errorf("expected final point one full step past stop, got %s", last)
	}
}

func TestSeries_GridTooLarge(t *testing.T) {
	engine, _, _ := newTestEnv(t)

	start := time.Now().UTC()
	stop := start.Add(-2000 * time.Hour)
	_, err := engine.Series(context.Background(), "user1", start, stop, time.Hour)
	if !errors.Is(err, pricing.ErrGridTooLarge) {
		t.Fatalf("expected ErrGridTooLarge, got %v", err)
	}
}

func TestSeries_InvalidRange(t *testing.T) {
	engine, _, _ := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := engine.Series(ctx, "user1", now, now.Add(-time.Hour), 0); !errors.Is(err, valuation.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for zero step, got %v", err)
	}
	if _, err := engine.Series(ctx, "user1", now, now.Add(time.Hour), time.Minute); !errors.Is(err, valuation.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for stop after start, got %v", err)
	}
}

// Unrealized profit: still-held units valued at current price minus their
// acquisition cost; sold units contribute nothing.
func TestRelativeSeries_UnrealizedProfit(t *testing.T) {
	engine, proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)
	ctx := context.Background()

	seedTick(t, ms, ins.ID, 50, time.Now().UTC().Add(-time.Hour))
	if _, err := proc.Buy(ctx, "user1", ins.ID, 10); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	seedTick(t, ms, ins.ID, 60, time.Now().UTC())

	now := time.Now().UTC()
	points, err := engine.RelativeSeries(ctx, "user1", now, now, time.Hour)
	if err != nil {
		t.Fatalf("relative series failed: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected a single point, got %d", len(points))
	}
	if !points[0].Value.Equal(d(100)) {
		t.Errorf("expected unrealized profit 10x(60-50)=100, got %s", points[0].Value)
	}

	// Selling half halves the remaining unrealized profit.
	if _, err := proc.Sell(ctx, "user1", ins.ID, 5); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	now = time.Now().UTC()
	points, err = engine.RelativeSeries(ctx, "user1", now, now, time.Hour)
	if err != nil {
		t.Fatalf("relative series after sell failed: %v", err)
	}
	if !points[0].Value.Equal(d(50)) {
		t.Errorf("expected unrealized profit 5x10=50 after selling half, got %s", points[0].Value)
	}
}

func TestHoldings_CurrentPortfolioView(t *testing.T) {
	engine, proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)
	ctx := context.Background()

	seedTick(t, ms, ins.ID, 50, time.Now().UTC().Add(-time.Hour))
	if _, err := proc.Buy(ctx, "user1", ins.ID, 2); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	seedTick(t, ms, ins.ID, 60, time.Now().UTC())

	holdings, err := engine.Holdings(ctx, "user1")
	if err != nil {
		t.Fatalf("holdings failed: %v", err)
	}
	if len(holdings) != 1 {
		t.Fatalf("expected 1 holding group, got %d", len(holdings))
	}
	h := holdings[0]
	if h.Count != 2 {
		t.Errorf("expected count 2, got %d", h.Count)
	}
	if !h.AverageCost.Equal(d(50)) {
		t.Errorf("expected average cost 50, got %s", h.AverageCost)
	}
	if !h.LatestPrice.Equal(d(60)) {
		t.Errorf("expected latest price 60, got %s", h.LatestPrice)
	}
	if !h.Value.Equal(d(120)) {
		t.Errorf("expected value 120, got %s", h.Value)
	}
	if h.Instrument.Symbol != "SWFT" {
		t.Errorf("expected instrument metadata on the holding, got %q", h.Instrument.Symbol)
	}
}

// Growth compares against the previous trading day's close: for a
// Wednesday evening reference that is Tuesday 22:01.
func TestGrowth_AgainstPreviousClose(t *testing.T) {
	engine, _, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)

	tuesday := time.Date(2025, 8, 12, 12, 0, 0, 0, time.UTC)
	wednesday := time.Date(2025, 8, 13, 10, 0, 0, 0, time.UTC)
	seedTick(t, ms, ins.ID, 100, tuesday)
	seedTick(t, ms, ins.ID, 110, wednesday)

	asOf := time.Date(2025, 8, 13, 18, 0, 0, 0, time.UTC)
	current, previous, percent, err := engine.Growth(context.Background(), ins.ID, asOf)
	if err != nil {
		t.Fatalf("growth failed: %v", err)
	}
	if !current.Equal(d(110)) {
		t.Errorf("expected current price 110, got %s", current)
	}
	if !previous.Equal(d(100)) {
		t.Errorf("expected previous close 100, got %s", previous)
	}
	if !percent.Equal(d(10)) {
		t.Errorf("expected growth 10%%, got %s", percent)
	}
}

// The log-derived position and the live holding count agree as long as no
// trade happened after the as-of time.
func TestPositionAsOf_MatchesHoldingCount(t *testing.T) {
	engine, proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)
	ctx := context.Background()

	seedTick(t, ms, ins.ID, 50, time.Now().UTC().Add(-time.Hour))
	if _, err := proc.Buy(ctx, "user1", ins.ID, 7); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := proc.Sell(ctx, "user1", ins.ID, 2); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	pos, err := engine.PositionAsOf(ctx, "user1", ins.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("position failed: %v", err)
	}
	held, _ := ms.HoldingCount(ctx, "user1", ins.ID)
	if pos != held || pos != 5 {
		t.Errorf("expected position 5 == holding count, got position %d, held %d", pos, held)
	}
}

func TestGrowth_NoHistory(t *testing.T) {
	engine, _, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)

	_, _, _, err := engine.Growth(context.Background(), ins.ID, time.Now().UTC())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without price history, got %v", err)
	}
}

// A cash entry written outside a trade desynchronizes the effective-time
// pairing; the engine still answers but warns about it.
func TestSnapshot_WarnsOnDesyncedCashLedger(t *testing.T) {
	engine, proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms)
	ctx := context.Background()

	seedTick(t, ms, ins.ID, 50, time.Now().UTC().Add(-time.Hour))
	if _, err := proc.Buy(ctx, "user1", ins.ID, 1); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	entry := &model.CashEntry{UserID: "user1", PriorBalance: d(9950), NewBalance: d(9000)}
	if err := ms.AppendCashEntry(ctx, entry); err != nil {
		t.Fatalf("append cash entry failed: %v", err)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	if _, err := engine.Snapshot(ctx, "user1", time.Now().UTC()); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !strings.Contains(buf.String(), "cash ledger out of step") {
		t.Error("expected a warning about the desynchronized cash ledger")
	}
}
