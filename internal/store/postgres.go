package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dbolatbek01/SWIFT---Trading-Game/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Instrument catalog ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, ins *model.Instrument) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO instruments (symbol, name, kind)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		ins.Symbol, ins.Name, ins.Kind,
	).Scan(&ins.ID)
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	var ins model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, kind FROM instruments WHERE id = $1`, id).
		Scan(&ins.ID, &ins.Symbol, &ins.Name, &ins.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %d: %w", id, err)
	}
	return &ins, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, kind FROM instruments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var ins model.Instrument
		if err := rows.Scan(&ins.ID, &ins.Symbol, &ins.Name, &ins.Kind); err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// --- Price ticks ---

func (s *PostgresStore) InsertPriceTick(ctx context.Context, tick *model.PriceTick) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO price_ticks (instrument_id, price, ts)
		 VALUES ($1, $2::NUMERIC, $3)
		 RETURNING id`,
		tick.InstrumentID, tick.Price.String(), tick.Timestamp,
	).Scan(&tick.ID)
}

func (s *PostgresStore) LatestPrice(ctx context.Context, instrumentID int64) (*model.PriceTick, error) {
	return s.scanTick(s.pool.QueryRow(ctx,
		`SELECT id, instrument_id, price::TEXT, ts
		 FROM price_ticks WHERE instrument_id = $1
		 ORDER BY ts DESC LIMIT 1`, instrumentID))
}

func (s *PostgresStore) PriceAsOf(ctx context.Context, instrumentID int64, ts time.Time) (*model.PriceTick, error) {
	return s.scanTick(s.pool.QueryRow(ctx,
		`SELECT id, instrument_id, price::TEXT, ts
		 FROM price_ticks WHERE instrument_id = $1 AND ts <= $2
		 ORDER BY ts DESC LIMIT 1`, instrumentID, ts))
}

func (s *PostgresStore) scanTick(row pgx.Row) (*model.PriceTick, error) {
	var t model.PriceTick
	var price string
	err := row.Scan(&t.ID, &t.InstrumentID, &price, &t.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Price, _ = decimal.NewFromString(price)
	return &t, nil
}

func (s *PostgresStore) PriceHistory(ctx context.Context, instrumentID int64, until time.Time) ([]model.PriceTick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instrument_id, price::TEXT, ts
		 FROM price_ticks WHERE instrument_id = $1 AND ts <= $2
		 ORDER BY ts`, instrumentID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceTick
	for rows.Next() {
		var t model.PriceTick
		var price string
		if err := rows.Scan(&t.ID, &t.InstrumentID, &price, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Cash ledger ---

func (s *PostgresStore) CurrentBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT new_balance::TEXT FROM cash_entries
		 WHERE user_id = $1 ORDER BY id DESC LIMIT 1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(bal)
	return d, nil
}

func (s *PostgresStore) AppendCashEntry(ctx context.Context, entry *model.CashEntry) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO cash_entries (user_id, prior_balance, new_balance)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 RETURNING id`,
		entry.UserID, entry.PriorBalance.String(), entry.NewBalance.String(),
	).Scan(&entry.ID)
}

func (s *PostgresStore) CashEntries(ctx context.Context, userID string) ([]model.CashEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, prior_balance::TEXT, new_balance::TEXT
		 FROM cash_entries WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CashEntry
	for rows.Next() {
		var e model.CashEntry
		var prior, next string
		if err := rows.Scan(&e.ID, &e.UserID, &prior, &next); err != nil {
			return nil, err
		}
		e.PriorBalance, _ = decimal.NewFromString(prior)
		e.NewBalance, _ = decimal.NewFromString(next)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Holding ledger ---

func (s *PostgresStore) HoldingCount(ctx context.Context, userID string, instrumentID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM holding_units WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID).Scan(&n)
	return n, err
}

func (s *PostgresStore) HoldingsByUser(ctx context.Context, userID string) ([]model.HoldingUnit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, price_tick_id, unit_cost::TEXT, acquired_at
		 FROM holding_units WHERE user_id = $1 ORDER BY acquired_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HoldingUnit
	for rows.Next() {
		var h model.HoldingUnit
		var cost string
		if err := rows.Scan(&h.ID, &h.UserID, &h.InstrumentID, &h.PriceTickID, &cost, &h.AcquiredAt); err != nil {
			return nil, err
		}
		h.UnitCost, _ = decimal.NewFromString(cost)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Transaction log ---

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, price_tick_id, side, quantity, unit_price::TEXT, ts
		 FROM transactions WHERE user_id = $1 ORDER BY ts`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransactionRecord
	for rows.Next() {
		var t model.TransactionRecord
		var price string
		if err := rows.Scan(&t.ID, &t.UserID, &t.InstrumentID, &t.PriceTickID,
			&t.Side, &t.Quantity, &price, &t.Timestamp); err != nil {
			return nil, err
		}
		t.UnitPrice, _ = decimal.NewFromString(price)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Atomic trade application ---

// ApplyTrade runs the whole trade in one database transaction. The FIFO
// liquidation executes first; a shortfall aborts before any append so a
// failed sell leaves zero ledger rows behind.
func (s *PostgresStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if m.Liquidate > 0 {
		// Oldest-first delete via materialized CTE, bounded by the
		// requested count.
		tag, err := tx.Exec(ctx,
			`WITH to_delete AS MATERIALIZED (
			     SELECT id FROM holding_units
			     WHERE user_id = $1 AND instrument_id = $2
			     ORDER BY acquired_at, id
			     LIMIT $3
			 )
			 DELETE FROM holding_units
			 WHERE id IN (SELECT id FROM to_delete)`,
			m.Transaction.UserID, m.Transaction.InstrumentID, m.Liquidate)
		if err != nil {
			return err
		}
		if tag.RowsAffected() < m.Liquidate {
			return ErrInsufficientHoldings
		}
	}

	for i := range m.Units {
		u := &m.Units[i]
		if err := tx.QueryRow(ctx,
			`INSERT INTO holding_units (user_id, instrument_id, price_tick_id, unit_cost, acquired_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 RETURNING id`,
			u.UserID, u.InstrumentID, u.PriceTickID, u.UnitCost.String(), u.AcquiredAt,
		).Scan(&u.ID); err != nil {
			return err
		}
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO cash_entries (user_id, prior_balance, new_balance)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 RETURNING id`,
		m.Cash.UserID, m.Cash.PriorBalance.String(), m.Cash.NewBalance.String(),
	).Scan(&m.Cash.ID); err != nil {
		return err
	}

	t := &m.Transaction
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, instrument_id, price_tick_id, side, quantity, unit_price, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		t.ID, t.UserID, t.InstrumentID, t.PriceTickID, t.Side, t.Quantity,
		t.UnitPrice.String(), t.Timestamp,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// --- Orders ---

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, instrument_id, side, quantity, amount, order_type,
		                     limit_price, stop_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		o.ID, o.UserID, o.InstrumentID, o.Side, o.Quantity, o.Amount.String(), o.Type,
		o.LimitPrice.String(), o.StopPrice.String(), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, orderSelect+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

const orderSelect = `SELECT id, user_id, instrument_id, side, quantity, amount::TEXT, order_type,
       limit_price::TEXT, stop_price::TEXT, created_at, updated_at,
       executed_at, executed_tick_id, executed_price::TEXT
  FROM orders`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var amount, limitPrice, stopPrice string
	// Execution columns are NULL while the order is pending.
	var executedTickID *int64
	var executedPrice *string
	err := row.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Side, &o.Quantity, &amount, &o.Type,
		&limitPrice, &stopPrice, &o.CreatedAt, &o.UpdatedAt,
		&o.ExecutedAt, &executedTickID, &executedPrice)
	if err != nil {
		return nil, err
	}
	o.Amount, _ = decimal.NewFromString(amount)
	o.LimitPrice, _ = decimal.NewFromString(limitPrice)
	o.StopPrice, _ = decimal.NewFromString(stopPrice)
	if executedTickID != nil {
		o.ExecutedTickID = *executedTickID
	}
	if executedPrice != nil {
		o.ExecutedPrice, _ = decimal.NewFromString(*executedPrice)
	}
	return &o, nil
}

func (s *PostgresStore) MarkOrderExecuted(ctx context.Context, id string, tickID int64, price decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET executed_at = $2, executed_tick_id = $3, executed_price = $4::NUMERIC, updated_at = $2
		 WHERE id = $1 AND executed_at IS NULL`,
		id, at, tickID, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Season ---

func (s *PostgresStore) ActiveSeason(ctx context.Context) (*model.Season, error) {
	var season model.Season
	var startBalance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, start_date, end_date, active, start_balance::TEXT
		 FROM seasons WHERE active = TRUE LIMIT 1`).
		Scan(&season.ID, &season.Name, &season.StartDate, &season.EndDate,
			&season.Active, &startBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	season.StartBalance, _ = decimal.NewFromString(startBalance)
	return &season, nil
}

func (s *PostgresStore) CreateSeason(ctx context.Context, season *model.Season) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO seasons (name, start_date, end_date, active, start_balance)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC)
		 RETURNING id`,
		season.Name, season.StartDate, season.EndDate, season.Active,
		season.StartBalance.String(),
	).Scan(&season.ID)
}
