package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
)

// MemoryStore implements Store with in-memory slices and maps. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[int64]*model.Instrument
	ticks       []model.PriceTick
	cash        []model.CashEntry
	holdings    []model.HoldingUnit
	txns        []model.TransactionRecord
	orders      map[string]*model.Order
	orderSeq    []string
	seasons     []model.Season
	nextID      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[int64]*model.Instrument),
		orders:      make(map[string]*model.Order),
	}
}

func (s *MemoryStore) seq() int64 {
	s.nextID++
	return s.nextID
}

// --- Instrument catalog ---

func (s *MemoryStore) CreateInstrument(_ context.Context, ins *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ins.ID == 0 {
		ins.ID = s.seq()
	}
	copy := *ins
	s.instruments[ins.ID] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id int64) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ins, ok := s.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *ins
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, ins := range s.instruments {
		out = append(out, *ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Price ticks ---

func (s *MemoryStore) InsertPriceTick(_ context.Context, tick *model.PriceTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tick.ID == 0 {
		tick.ID = s.seq()
	}
	s.ticks = append(s.ticks, *tick)
	return nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, instrumentID int64) (*model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestAt(instrumentID, time.Time{})
}

func (s *MemoryStore) PriceAsOf(_ context.Context, instrumentID int64, ts time.Time) (*model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestAt(instrumentID, ts)
}

// latestAt returns the newest tick for the instrument, bounded by ts when
// ts is non-zero. Caller holds the lock.
func (s *MemoryStore) latestAt(instrumentID int64, ts time.Time) (*model.PriceTick, error) {
	var best *model.PriceTick
	for i := range s.ticks {
		t := &s.ticks[i]
		if t.InstrumentID != instrumentID {
			continue
		}
		if !ts.IsZero() && t.Timestamp.After(ts) {
			continue
		}
		if best == nil || t.Timestamp.After(best.Timestamp) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copy := *best
	return &copy, nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, instrumentID int64, until time.Time) ([]model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PriceTick
	for _, t := range s.ticks {
		if t.InstrumentID == instrumentID && !t.Timestamp.After(until) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Cash ledger ---

func (s *MemoryStore) CurrentBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBalanceLocked(userID)
}

func (s *MemoryStore) currentBalanceLocked(userID string) (decimal.Decimal, error) {
	for i := len(s.cash) - 1; i >= 0; i-- {
		if s.cash[i].UserID == userID {
			return s.cash[i].NewBalance, nil
		}
	}
	return decimal.Zero, ErrNotFound
}

func (s *MemoryStore) AppendCashEntry(_ context.Context, entry *model.CashEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.seq()
	s.cash = append(s.cash, *entry)
	return nil
}

func (s *MemoryStore) CashEntries(_ context.Context, userID string) ([]model.CashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CashEntry
	for _, e := range s.cash {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Holding ledger ---

func (s *MemoryStore) HoldingCount(_ context.Context, userID string, instrumentID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdingCountLocked(userID, instrumentID), nil
}

func (s *MemoryStore) holdingCountLocked(userID string, instrumentID int64) int64 {
	var n int64
	for _, h := range s.holdings {
		if h.UserID == userID && h.InstrumentID == instrumentID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) HoldingsByUser(_ context.Context, userID string) ([]model.HoldingUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HoldingUnit
	for _, h := range s.holdings {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, nil
}

// --- Transaction log ---

func (s *MemoryStore) TransactionsByUser(_ context.Context, userID string) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TransactionRecord
	for _, t := range s.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- Atomic trade application ---

// ApplyTrade validates the liquidation first, then applies all writes under
// one lock. Nothing is written on shortfall, mirroring the transactional
// behavior of the PostgreSQL implementation.
func (s *MemoryStore) ApplyTrade(_ context.Context, m *model.TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Liquidate > 0 {
		instrumentID := m.Transaction.InstrumentID
		live := s.holdingCountLocked(m.Transaction.UserID, instrumentID)
		if live < m.Liquidate {
			return ErrInsufficientHoldings
		}

		// Delete the Liquidate oldest units for (user, instrument).
		type ref struct {
			idx int
			at  time.Time
			id  int64
		}
		var refs []ref
		for i, h := range s.holdings {
			if h.UserID == m.Transaction.UserID && h.InstrumentID == instrumentID {
				refs = append(refs, ref{i, h.AcquiredAt, h.ID})
			}
		}
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].at.Equal(refs[j].at) {
				return refs[i].id < refs[j].id
			}
			return refs[i].at.Before(refs[j].at)
		})
		drop := make(map[int]bool, m.Liquidate)
		for _, r := range refs[:m.Liquidate] {
			drop[r.idx] = true
		}
		kept := s.holdings[:0]
		for i, h := range s.holdings {
			if !drop[i] {
				kept = append(kept, h)
			}
		}
		s.holdings = kept
	}

	for i := range m.Units {
		m.Units[i].ID = s.seq()
		s.holdings = append(s.holdings, m.Units[i])
	}

	m.Cash.ID = s.seq()
	s.cash = append(s.cash, m.Cash)
	s.txns = append(s.txns, m.Transaction)
	return nil
}

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *order
	s.orders[order.ID] = &copy
	s.orderSeq = append(s.orderSeq, order.ID)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for i := len(s.orderSeq) - 1; i >= 0; i-- {
		if o, ok := s.orders[s.orderSeq[i]]; ok && o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkOrderExecuted(_ context.Context, id string, tickID int64, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.ExecutedAt != nil {
		return ErrNotFound
	}
	o.ExecutedAt = &at
	o.ExecutedTickID = tickID
	o.ExecutedPrice = price
	o.UpdatedAt = at
	return nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

// --- Season ---

func (s *MemoryStore) ActiveSeason(_ context.Context) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.seasons {
		if s.seasons[i].Active {
			copy := s.seasons[i]
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateSeason(_ context.Context, season *model.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if season.ID == 0 {
		season.ID = s.seq()
	}
	s.seasons = append(s.seasons, *season)
	return nil
}
