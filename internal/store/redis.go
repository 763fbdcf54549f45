package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: instrument catalog entries and each
// instrument's latest tick. Ledger reads and writes always hit the primary;
// tick ingestion refreshes the latest-price key so trades price against
// fresh data.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Instrument catalog (read-through) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, ins *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, ins); err != nil {
		return err
	}
	s.cacheInstrument(ctx, ins)
	return nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var ins model.Instrument
		if json.Unmarshal(data, &ins) == nil {
			return &ins, nil
		}
	}

	ins, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, ins)
	return ins, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

// --- Price ticks ---

func (s *CachedStore) InsertPriceTick(ctx context.Context, tick *model.PriceTick) error {
	if err := s.primary.InsertPriceTick(ctx, tick); err != nil {
		return err
	}
	// Refresh rather than invalidate: a fresh tick is by definition the
	// latest for its instrument.
	if data, err := json.Marshal(tick); err == nil {
		s.rdb.Set(ctx, latestPriceKey(tick.InstrumentID), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) LatestPrice(ctx context.Context, instrumentID int64) (*model.PriceTick, error) {
	data, err := s.rdb.Get(ctx, latestPriceKey(instrumentID)).Bytes()
	if err == nil {
		var t model.PriceTick
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.LatestPrice(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, latestPriceKey(instrumentID), data, s.ttl)
	}
	return t, nil
}

// --- Passthrough (point-in-time and ledger reads, atomic writes) ---

func (s *CachedStore) PriceAsOf(ctx context.Context, instrumentID int64, ts time.Time) (*model.PriceTick, error) {
	return s.primary.PriceAsOf(ctx, instrumentID, ts)
}

func (s *CachedStore) PriceHistory(ctx context.Context, instrumentID int64, until time.Time) ([]model.PriceTick, error) {
	return s.primary.PriceHistory(ctx, instrumentID, until)
}

func (s *CachedStore) CurrentBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.CurrentBalance(ctx, userID)
}

func (s *CachedStore) AppendCashEntry(ctx context.Context, entry *model.CashEntry) error {
	return s.primary.AppendCashEntry(ctx, entry)
}

func (s *CachedStore) CashEntries(ctx context.Context, userID string) ([]model.CashEntry, error) {
	return s.primary.CashEntries(ctx, userID)
}

func (s *CachedStore) HoldingCount(ctx context.Context, userID string, instrumentID int64) (int64, error) {
	return s.primary.HoldingCount(ctx, userID, instrumentID)
}

func (s *CachedStore) HoldingsByUser(ctx context.Context, userID string) ([]model.HoldingUnit, error) {
	return s.primary.HoldingsByUser(ctx, userID)
}

func (s *CachedStore) TransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	return s.primary.TransactionsByUser(ctx, userID)
}

func (s *CachedStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	return s.primary.ApplyTrade(ctx, m)
}

func (s *CachedStore) InsertOrder(ctx context.Context, order *model.Order) error {
	return s.primary.InsertOrder(ctx, order)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID)
}

func (s *CachedStore) MarkOrderExecuted(ctx context.Context, id string, tickID int64, price decimal.Decimal, at time.Time) error {
	return s.primary.MarkOrderExecuted(ctx, id, tickID, price, at)
}

func (s *CachedStore) DeleteOrder(ctx context.Context, id string) error {
	return s.primary.DeleteOrder(ctx, id)
}

func (s *CachedStore) ActiveSeason(ctx context.Context) (*model.Season, error) {
	return s.primary.ActiveSeason(ctx)
}

func (s *CachedStore) CreateSeason(ctx context.Context, season *model.Season) error {
	return s.primary.CreateSeason(ctx, season)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, ins *model.Instrument) {
	if data, err := json.Marshal(ins); err == nil {
		s.rdb.Set(ctx, instrumentKey(ins.ID), data, s.ttl)
	}
}

func instrumentKey(id int64) string  { return fmt.Sprintf("instrument:%d", id) }
func latestPriceKey(id int64) string { return fmt.Sprintf("price:latest:%d", id) }
