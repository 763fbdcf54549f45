// Package api exposes the trading game over HTTP: instrument catalog and
// price views, direct trades, deferred orders, and portfolio valuation.
// Handlers decode and validate input, call the services, and translate
// service errors to status codes; no business rule lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/orders"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/pricing"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/store"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/stream"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/trading"
	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/valuation"
)

// Handler bundles the services behind the HTTP surface.
type Handler struct {
	store     store.Store
	pricing   *pricing.Service
	trading   *trading.Processor
	orders    *orders.Engine
	valuation *valuation.Engine
	hub       *stream.Hub
}

func NewHandler(st store.Store, pr *pricing.Service, tr *trading.Processor, or *orders.Engine, val *valuation.Engine, hub *stream.Hub) *Handler {
	return &Handler{store: st, pricing: pr, trading: tr, orders: or, valuation: val, hub: hub}
}

// Mount registers all routes on the given router.
func (h *Handler) Mount(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/instruments", h.ListInstruments)
	r.Post("/instruments", h.CreateInstrument)
	r.Get("/instruments/{id}", h.GetInstrument)
	r.Post("/instruments/{id}/ticks", h.IngestTick)
	r.Get("/instruments/{id}/price", h.GetPrice)
	r.Get("/instruments/{id}/history", h.GetHistory)
	r.Get("/instruments/{id}/growth", h.GetGrowth)

	r.Post("/trade/buy", h.Buy)
	r.Post("/trade/sell", h.Sell)
	r.Get("/balance", h.GetBalance)

	r.Get("/portfolio", h.GetPortfolio)
	r.Get("/portfolio/snapshot", h.GetSnapshot)
	r.Get("/portfolio/series", h.GetSeries)
	r.Get("/portfolio/series/relative", h.GetRelativeSeries)

	r.Post("/orders", h.PlaceOrder)
	r.Get("/orders", h.ListOrders)
	r.Post("/orders/{id}/execute", h.ExecuteOrder)
	r.Delete("/orders/{id}", h.CancelOrder)
}

// --- Request/Response types ---

// CreateInstrumentRequest is the JSON body for POST /instruments.
type CreateInstrumentRequest struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Kind   string `json:"kind"` // "stock" or "index"
}

// IngestTickRequest is the JSON body for POST /instruments/{id}/ticks.
type IngestTickRequest struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp string          `json:"timestamp"` // RFC 3339; empty = now
}

// TradeRequest is the JSON body for POST /trade/buy and /trade/sell.
type TradeRequest struct {
	InstrumentID int64 `json:"instrument_id"`
	Quantity     int64 `json:"quantity"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	InstrumentID int64           `json:"instrument_id"`
	Side         string          `json:"side"`  // "BUY" or "SELL"
	Type         string          `json:"type"`  // "MARKET", "LIMIT", "STOP"
	Quantity     int64           `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
}

// GrowthResponse is the JSON body for GET /instruments/{id}/growth.
type GrowthResponse struct {
	InstrumentID  int64           `json:"instrument_id"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	GrowthPercent decimal.Decimal `json:"growth_percent"`
}

// --- Handlers ---

// CreateInstrument handles POST /api/v1/instruments
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	kind := model.InstrumentKind(req.Kind)
	if kind == "" {
		kind = model.KindStock
	}
	if kind != model.KindStock && kind != model.KindIndex {
		writeError(w, "kind must be stock or index", http.StatusBadRequest)
		return
	}

	ins := &model.Instrument{Symbol: req.Symbol, Name: req.Name, Kind: kind}
	if err := h.store.CreateInstrument(r.Context(), ins); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ins)
}

// ListInstruments handles GET /api/v1/instruments
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListInstruments(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetInstrument handles GET /api/v1/instruments/{id}
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	id, ok := instrumentID(w, r)
	if !ok {
		return
	}
	ins, err := h.store.GetInstrument(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

// IngestTick handles POST /api/v1/instruments/{id}/ticks
func (h *Handler) IngestTick(w http.ResponseWriter, r *http.Request) {
	id, ok := instrumentID(w, r)
	if !ok {
		return
	}
	var req IngestTickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	tick := &model.PriceTick{InstrumentID: id, Price: req.Price}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(w, "timestamp must be RFC 3339", http.StatusBadRequest)
			return
		}
		tick.Timestamp = ts.UTC()
	}

	if err := h.pricing.Ingest(r.Context(), tick); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tick)
}

// GetPrice handles GET /api/v1/instruments/{id}/price
// Optional ?at= returns the price as of that time instead of the latest.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := instrumentID(w, r)
	if !ok {
		return
	}

	var tick *model.PriceTick
	var err error
	if at := r.URL.Query().Get("at"); at != "" {
		ts, perr := time.Parse(time.RFC3339, at)
		if perr != nil {
			writeError(w, "at must be RFC 3339", http.StatusBadRequest)
			return
		}
		tick, err = h.pricing.AsOf(r.Context(), id, ts)
	} else {
		tick, err = h.pricing.Latest(r.Context(), id)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

// GetHistory handles GET /api/v1/instruments/{id}/history
// Either ?start=&end=&step= for an explicit grid, or ?window=&step= for a
// window ending at the last known market time.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := instrumentID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	step, err := time.ParseDuration(q.Get("step"))
	if err != nil || step <= 0 {
		writeError(w, "step must be a positive duration", http.StatusBadRequest)
		return
	}

	var ticks []model.PriceTick
	if window := q.Get("window"); window != "" {
		wd, err := time.ParseDuration(window)
		if err != nil || wd <= 0 {
			writeError(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		ticks, err = h.pricing.WindowedSeries(r.Context(), id, time.Now().UTC(), wd, step)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	} else {
		start, err := time.Parse(time.RFC3339, q.Get("start"))
		if err != nil {
			writeError(w, "start must be RFC 3339", http.StatusBadRequest)
			return
		}
		end, err := time.Parse(time.RFC3339, q.Get("end"))
		if err != nil {
			writeError(w, "end must be RFC 3339", http.StatusBadRequest)
			return
		}
		ticks, err = h.pricing.Series(r.Context(), id, start, end, step)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if ticks == nil {
		ticks = []model.PriceTick{}
	}
	writeJSON(w, http.StatusOK, ticks)
}

// GetGrowth handles GET /api/v1/instruments/{id}/growth
// Reports price change against the previous market close. ?at= defaults
// to now.
func (h *Handler) GetGrowth(w http.ResponseWriter, r *http.Request) {
	id, ok := instrumentID(w, r)
	if !ok {
		return
	}
	at := time.Now().UTC()
	if v := r.URL.Query().Get("at"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "at must be RFC 3339", http.StatusBadRequest)
			return
		}
		at = ts
	}

	current, previous, percent, err := h.valuation.Growth(r.Context(), id, at)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GrowthResponse{
		InstrumentID:  id,
		Price:         current,
		PreviousClose: previous,
		GrowthPercent: percent,
	})
}

// Buy handles POST /api/v1/trade/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.trading.Buy)
}

// Sell handles POST /api/v1/trade/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.trading.Sell)
}

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, exec func(ctx context.Context, userID string, instrumentID, quantity int64) (*model.TransactionRecord, error)) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	txn, err := exec(r.Context(), userID, req.InstrumentID, req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// GetBalance handles GET /api/v1/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	balance, err := h.trading.Balance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

// GetPortfolio handles GET /api/v1/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	holdings, err := h.valuation.Holdings(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if holdings == nil {
		holdings = []valuation.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetSnapshot handles GET /api/v1/portfolio/snapshot
// ?at= defaults to now.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	at := time.Now().UTC()
	if v := r.URL.Query().Get("at"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "at must be RFC 3339", http.StatusBadRequest)
			return
		}
		at = ts
	}

	snap, err := h.valuation.Snapshot(r.Context(), userID, at)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetSeries handles GET /api/v1/portfolio/series
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	h.series(w, r, h.valuation.Series)
}

// GetRelativeSeries handles GET /api/v1/portfolio/series/relative
func (h *Handler) GetRelativeSeries(w http.ResponseWriter, r *http.Request) {
	h.series(w, r, h.valuation.RelativeSeries)
}

func (h *Handler) series(w http.ResponseWriter, r *http.Request, compute func(ctx context.Context, userID string, start, stop time.Time, step time.Duration) ([]model.Snapshot, error)) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	start := time.Now().UTC()
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "start must be RFC 3339", http.StatusBadRequest)
			return
		}
		start = ts
	}
	stop, err := time.Parse(time.RFC3339, q.Get("stop"))
	if err != nil {
		writeError(w, "stop must be RFC 3339", http.StatusBadRequest)
		return
	}
	step, err := time.ParseDuration(q.Get("step"))
	if err != nil {
		writeError(w, "step must be a duration", http.StatusBadRequest)
		return
	}

	points, err := compute(r.Context(), userID, start, stop, step)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if points == nil {
		points = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, points)
}

// PlaceOrder handles POST /api/v1/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := h.orders.Place(r.Context(), userID, &orders.PlaceRequest{
		InstrumentID: req.InstrumentID,
		Side:         model.TradeSide(req.Side),
		Type:         model.OrderType(req.Type),
		Quantity:     req.Quantity,
		Amount:       req.Amount,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	list, err := h.orders.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ExecuteOrder handles POST /api/v1/orders/{id}/execute
func (h *Handler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Execute(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /api/v1/orders/{id}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userID(w, r)
	if !ok {
		return
	}
	if err := h.orders.Cancel(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

// userID extracts the authenticated user from the X-User-ID header. The
// gateway upstream owns authentication; this service trusts the header.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeError(w, "X-User-ID header is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func instrumentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid instrument id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeServiceError maps a service error to its status code. Wrapping
// order matters: an execution failure keeps its 409 even when the wrapped
// cause would map elsewhere.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, orders.ErrOrderExecuted),
		errors.Is(err, orders.ErrConditionNotMet),
		errors.Is(err, orders.ErrExecutionFailed),
		errors.Is(err, trading.ErrInsufficientFunds),
		errors.Is(err, trading.ErrOverSell):
		status = http.StatusConflict
	case errors.Is(err, orders.ErrInvalidOrderSpec),
		errors.Is(err, trading.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrGridTooLarge),
		errors.Is(err, valuation.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, trading.ErrInstrumentUnavailable),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
