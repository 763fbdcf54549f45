package trading_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/store"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/trading"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a processor over an in-memory store with an active
// season starting yesterday with a 10,000 balance.
func newTestEnv(t *testing.T) (*trading.Processor, *store.MemoryStore) {
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
	return trading.NewProcessor(ms, nil), ms
}

// seedInstrument creates an instrument with one price tick.
func seedInstrument(t *testing.T, ms *store.MemoryStore, symbol string, price float64) *model.Instrument {
	t.Helper()
	ins := &model.Instrument{Symbol: symbol, Name: symbol, Kind: model.KindStock}
	if err := ms.CreateInstrument(context.Background(), ins); err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
	seedTick(t, ms, ins.ID, price, time.Now().UTC().Add(-time.Hour))
	return ins
}

func seedTick(t *testing.T, ms *store.MemoryStore, instrumentID int64, price float64, ts time.Time) {
	t.Helper()
	tick := &model.PriceTick{InstrumentID: instrumentID, Price: d(price), Timestamp: ts}
	if err := ms.InsertPriceTick(context.Background(), tick); err != nil {
		t.Fatalf("failed to seed tick: %v", err)
	}
}

func TestBuy_DebitsCashAndCreatesHoldings(t *testing.T) {
	proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms, "SWFT", 50)
	ctx := context.Background()

	txn, err := proc.Buy(ctx, "user1", ins.ID, 100)
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if txn.Side != model.SideBuy {
		t.Errorf("expected side=BUY, got %s", txn.Side)
	}
	if txn.Quantity != 100 {
		t.Errorf("expected quantity=100, got %d", txn.Quantity)
	}
	if !txn.UnitPrice.Equal(d(50)) {
		t.Errorf("expected unit price 50, got %s", txn.UnitPrice)
	}

	balance, err := ms.CurrentBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("failed to get balance: %v", err)
	}
	if !balance.Equal(d(5000)) {
		t.Errorf("expected balance 5000 after buying 100@50, got %s", balance)
	}

	count, _ := ms.HoldingCount(ctx, "user1", ins.ID)
	if count != 100 {
		t.Errorf("expected 100 holding units, got %d", count)
	}

	txns, _ := ms.TransactionsByUser(ctx, "user1")
	if len(txns) != 1 {
		t.Errorf("expected 1 transaction record, got %d", len(txns))
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms, "SWFT", 50)

	_, err := proc.Buy(context.Background(), "user1", ins.ID, 500)
	if !errors.Is(err, trading.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBuy_ExactZeroBalanceRejected(t *testing.T) {
	proc, ms := newTestEnv(t)
	// 200 units at 50 would land the balance exactly at zero.
	ins := seedInstrument(t, ms, "SWFT", 50)
	ctx := context.Background()

	_, err := proc.Buy(ctx, "user1", ins.ID, 200)
	if !errors.Is(err, trading.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for exact-zero balance, got %v", err)
	}

	// One unit fewer leaves 50 and succeeds.
	if _, err := proc.Buy(ctx, "user1", ins.ID, 199); err != nil {
		t.Fatalf("buy of 199 should succeed: %v", err)
	}
	balance, _ := ms.CurrentBalance(ctx, "user1")
	if !balance.Equal(d(50)) {
		t.Errorf("expected balance 50, got %s", balance)
	}
}

func TestBuy_UnknownInstrument(t *testing.T) {
	proc, _ := newTestEnv(t)

	_, err := proc.Buy(context.Background(), "user1", 999, 1)
	if !errors.Is(err, trading.ErrInstrumentUnavailable) {
		t.Fatalf("expected ErrInstrumentUnavailable, got %v", err)
	}
}

func TestBuy_NoPriceHistory(t *testing.T) {
	proc, ms := newTestEnv(t)
	ins := &model.Instrument{Symbol: "NEW", Kind: model.KindStock}
	if err := ms.CreateInstrument(context.Background(), ins); err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}

	_, err := proc.Buy(context.Background(), "user1", ins.ID, 1)
	if !errors.Is(err, trading.ErrInstrumentUnavailable) {
		t.Fatalf("expected ErrInstrumentUnavailable, got %v", err)
	}
}

func TestBuy_InvalidQuantity(t *testing.T) {
	proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms, "SWFT", 50)

	for _, qty := range []int64{0, -5} {
		if _, err := proc.Buy(context.Background(), "user1", ins.ID, qty); !errors.Is(err, trading.ErrInvalidQuantity) {
			t.Errorf("quantity %d: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
}

func TestSell_RoundTripRestoresBalance(t *testing.T) {
	proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms, "SWFT", 50)
	ctx := context.Background()

	if _, err := proc.Buy(ctx, "user1", ins.ID, 100); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := proc.Sell(ctx, "user1", ins.ID, 100); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	balance, _ := ms.CurrentBalance(ctx, "user1")
	if !balance.Equal(d(10000)) {
		t.Errorf("expected balance restored to 10000, got %s", balance)
	}
	count, _ := ms.HoldingCount(ctx, "user1", ins.ID)
	if count != 0 {
		t.Errorf("expected no holdings left, got %d", count)
	}
	txns, _ := ms.TransactionsByUser(ctx, "user1")
	if len(txns) != 2 {
		t.Errorf("expected 2 transaction records, got %d", len(txns))
	}
}

func TestSell_OverSellLeavesLedgersUntouched(t *testing.T) {
	proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms, "SWFT", 50)
	ctx := context.Background()

	if _, err := proc.Buy(ctx, "user1", ins.ID, 10); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	cashBefore, _ := ms.CashEntries(ctx, "user1")
	txnsBefore, _ := ms.TransactionsByUser(ctx, "user1")

	_, err := proc.Sell(ctx, "user1", ins.ID, 11)
	if !errors.Is(err, trading.ErrOverSell) {
		t.Fatalf("expected ErrOverSell, got %v", err)
	}

	cashAfter, _ := ms.CashEntries(ctx, "user1")
	if len(cashAfter) != len(cashBefore) {
		t.Errorf("cash ledger changed on rejected sell: %d -> %d entries", len(cashBefore), len(cashAfter))
	}
	txnsAfter, _ := ms.TransactionsByUser(ctx, "user1")
	if len(txnsAfter) != len(txnsBefore) {
		t.Errorf("transaction log changed on rejected sell: %d -> %d", len(txnsBefore), len(txnsAfter))
	}
	count, _ := ms.HoldingCount(ctx, "user1", ins.ID)
	if count != 10 {
		t.Errorf("holdings changed on rejected sell: expected 10, got %d", count)
	}
}

func TestSell_LiquidatesOldestUnitsFirst(t *testing.T) {
	proc, ms := newTestEnv(t)
	ins := seedInstrument(t, ms, "SWFT", 50)
	ctx := context.Background()

	if _, err := proc.Buy(ctx, "user1", ins.ID, 2); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	seedTick(t, ms, ins.ID, 80, time.Now().UTC())
	if _, err := proc.Buy(ctx, "user1", ins.ID, 2); err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	if _, err := proc.Sell(ctx, "user1", ins.ID, 2); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	units, _ := ms.HoldingsByUser(ctx, "user1")
	if len(units) != 2 {
		t.Fatalf("expected 2 units left, got %d", len(units))
	}
	for _, u := range units {
		if !u.UnitCost.Equal(d(80)) {
			t.Errorf("expected the units bought at 80 to survive, found unit cost %s", u.UnitCost)
		}
	}
}

func TestBalance_ProvisionsOnce(t *testing.T) {
	proc, ms := newTestEnv(t)
	ctx := context.Background()

	balance, err := proc.Balance(ctx, "fresh")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if !balance.Equal(d(10000)) {
		t.Errorf("expected season start balance 10000, got %s", balance)
	}

	// Second call must not append another entry.
	if _, err := proc.Balance(ctx, "fresh"); err != nil {
		t.Fatalf("second balance failed: %v", err)
	}
	entries, _ := ms.CashEntries(ctx, "fresh")
	if len(entries) != 1 {
		t.Errorf("expected exactly 1 provisioning entry, got %d", len(entries))
	}
	if !entries[0].PriorBalance.IsZero() {
		t.Errorf("provisioning entry should start from zero, got prior=%s", entries[0].PriorBalance)
	}
}

func TestBalance_NoActiveSeason(t *testing.T) {
	ms := store.NewMemoryStore()
	proc := trading.NewProcessor(ms, nil)

	balance, err := proc.Balance(context.Background(), "user1")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if !balance.IsZero() {
		t.Errorf("expected zero balance without a season, got %s", balance)
	}
}
