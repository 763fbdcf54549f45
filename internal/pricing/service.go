// Package pricing exposes the price store operations: latest price, price
// as of a timestamp, and stepped series over a window. Series lookups for
// daily and coarser steps are pinned to end-of-day so charts show closing
// prices instead of arbitrary intraday ticks.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/marketcal"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/metrics"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/store"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/stream"
)

// ErrGridTooLarge is returned when a series request would produce more grid
// points than MaxGridPoints.
var ErrGridTooLarge = errors.New("pricing: series grid too large")

// MaxGridPoints bounds the number of grid points a single series request
// may produce.
const MaxGridPoints = 1000

// Service answers price queries and ingests new ticks.
type Service struct {
	store store.Store
	hub   *stream.Hub // optional; nil disables broadcasting
}

// NewService creates a pricing service. Pass nil for hub if tick
// broadcasting is not needed.
func NewService(st store.Store, hub *stream.Hub) *Service {
	return &Service{store: st, hub: hub}
}

// Latest returns the most recent tick for an instrument.
func (s *Service) Latest(ctx context.Context, instrumentID int64) (*model.PriceTick, error) {
	return s.store.LatestPrice(ctx, instrumentID)
}

// AsOf returns the most recent tick with timestamp at or before ts.
func (s *Service) AsOf(ctx context.Context, instrumentID int64, ts time.Time) (*model.PriceTick, error) {
	return s.store.PriceAsOf(ctx, instrumentID, ts)
}

// Ingest appends a tick to an instrument's series and broadcasts it.
// The instrument must exist in the catalog.
func (s *Service) Ingest(ctx context.Context, tick *model.PriceTick) error {
	if _, err := s.store.GetInstrument(ctx, tick.InstrumentID); err != nil {
		return err
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now().UTC()
	}
	if err := s.store.InsertPriceTick(ctx, tick); err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}

	metrics.PriceTicksIngested.Inc()
	s.hub.Broadcast(stream.Event{
		Type:         "price_tick",
		InstrumentID: tick.InstrumentID,
		Price:        tick.Price.String(),
		Timestamp:    tick.Timestamp.Format(time.RFC3339),
	})
	slog.Debug("tick ingested", "instrument", tick.InstrumentID, "price", tick.Price.String())
	return nil
}

// Series returns one tick per grid point over [start, end] at the given
// step, ascending. Each point resolves with as-of semantics at an adjusted
// lookup time: for steps of a day or longer, every grid point except the
// most recent looks up at 23:59:59 of its calendar day, so daily and weekly
// views report closing prices. Grid points with no price history are
// omitted.
func (s *Service) Series(ctx context.Context, instrumentID int64, start, end time.Time, step time.Duration) ([]model.PriceTick, error) {
	if step <= 0 {
		return nil, fmt.Errorf("pricing: step must be positive")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("pricing: end before start")
	}
	if gridSize(start, end, step) > MaxGridPoints {
		return nil, ErrGridTooLarge
	}

	history, err := s.store.PriceHistory(ctx, instrumentID, end)
	if err != nil {
		return nil, err
	}
	res := newResolver(history)

	var out []model.PriceTick
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		lookup := ts
		if step >= 24*time.Hour && !ts.Add(step).After(end) {
			lookup = endOfDay(ts)
		}
		if tick, ok := res.asOf(lookup); ok {
			point := tick
			point.Timestamp = ts
			out = append(out, point)
		}
	}
	return out, nil
}

// WindowedSeries resolves the reference time through the market calendar
// and returns the series over the window ending there. Hour-granularity
// windows step sub-day; day-granularity windows step daily.
func (s *Service) WindowedSeries(ctx context.Context, instrumentID int64, ref time.Time, window, step time.Duration) ([]model.PriceTick, error) {
	g := marketcal.Hour
	if step >= 24*time.Hour {
		g = marketcal.Day
	}
	end := marketcal.LastKnown(ref, g)
	return s.Series(ctx, instrumentID, end.Add(-window), end, step)
}

func gridSize(start, end time.Time, step time.Duration) int64 {
	return int64(end.Sub(start)/step) + 1
}

/// endOfDay returns 23:59:59 on ts's calendar day.
func endOfDay(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, ts.Location())
}

// resolver answers repeated as-of lookups against one instrument's tick
// history with a binary search instead of per-point store queries.
type resolver struct {
	ticks []model.PriceTick // ascending by timestamp
}

func newResolver(history []model.PriceTick) *resolver {
	return &resolver{ticks: history}
}

func (r *resolver) asOf(ts time.Time) (model.PriceTick, bool) {
	// First index with timestamp > ts; the tick before it is the answer.
	i := sort.Search(len(r.ticks), func(i int) bool {
		return r.ticks[i].Timestamp.After(ts)
	})
	if i == 0 {
		return model.PriceTick{}, false
	}
	return r.ticks[i-1], true
}
