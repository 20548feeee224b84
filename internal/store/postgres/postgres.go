// Package postgres implements store.Store on pgx. The schema enforces the
// invariants the engine relies on: a unique index on orders.client_order_id
// (idempotency), a unique index on fills.broker_fill_id (fill dedup), and
// foreign keys from slices and fills to their orders.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"execgw/internal/models"
	"execgw/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	broker_order_id TEXT,
	parent_order_id TEXT,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	price           DOUBLE PRECISION NOT NULL DEFAULT 0,
	qty             DOUBLE PRECISION NOT NULL,
	filled_qty      DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	time_in_force   TEXT NOT NULL,
	source          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	create_time     TIMESTAMPTZ NOT NULL,
	update_time     TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS orders_broker_id_idx ON orders (broker_order_id) WHERE broker_order_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS order_slices (
	slice_id        TEXT PRIMARY KEY,
	parent_order_id TEXT NOT NULL,
	idx             INT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	price           DOUBLE PRECISION NOT NULL,
	time_in_force   TEXT NOT NULL,
	qty             DOUBLE PRECISION NOT NULL,
	release_at      TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL,
	update_time     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS order_slices_parent ON order_slices (parent_order_id);

CREATE TABLE IF NOT EXISTS fills (
	broker_fill_id  TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL REFERENCES orders (client_order_id),
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	price           DOUBLE PRECISION NOT NULL,
	qty             DOUBLE PRECISION NOT NULL,
	ts              TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	symbol             TEXT PRIMARY KEY,
	qty                DOUBLE PRECISION NOT NULL,
	avg_entry_price    DOUBLE PRECISION NOT NULL,
	realized_pnl       DOUBLE PRECISION NOT NULL,
	unrealized_pnl     DOUBLE PRECISION NOT NULL,
	last_reconciled_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	matched     INT NOT NULL DEFAULT 0,
	mismatched  INT NOT NULL DEFAULT 0,
	orphaned    INT NOT NULL DEFAULT 0,
	position_mismatches INT NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS orphan_orders (
	quarantine_id   TEXT PRIMARY KEY,
	broker_order_id TEXT NOT NULL UNIQUE,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             DOUBLE PRECISION NOT NULL,
	seen_at         TIMESTAMPTZ NOT NULL,
	resolved        BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_by     TEXT NOT NULL DEFAULT '',
	note            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS safety_audit (
	id            TEXT PRIMARY KEY,
	flag          TEXT NOT NULL,
	action        TEXT NOT NULL,
	actor         TEXT NOT NULL,
	justification TEXT NOT NULL,
	at            TIMESTAMPTZ NOT NULL
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const orderColumns = `client_order_id, COALESCE(broker_order_id, ''), COALESCE(parent_order_id, ''),
	symbol, side, order_type, price, qty, filled_qty, status, time_in_force, source, reason,
	create_time, update_time`

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ClientOrderID, &o.BrokerOrderID, &o.ParentOrderID,
		&o.Symbol, &o.Side, &o.Type, &o.Price, &o.Qty, &o.FilledQty, &o.Status,
		&o.TimeInForce, &o.Source, &o.Reason, &o.CreateTime, &o.UpdateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, store.ErrNotFound
	}
	return o, err
}

func (s *Store) CreateOrder(ctx context.Context, order models.Order) (models.Order, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orders (client_order_id, broker_order_id, parent_order_id, symbol, side,
			order_type, price, qty, filled_qty, status, time_in_force, source, reason,
			create_time, update_time)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (client_order_id) DO NOTHING`,
		order.ClientOrderID, order.BrokerOrderID, order.ParentOrderID, order.Symbol, order.Side,
		order.Type, order.Price, order.Qty, order.FilledQty, order.Status, order.TimeInForce,
		order.Source, order.Reason, order.CreateTime, order.UpdateTime,
	)
	if err != nil {
		return models.Order{}, false, fmt.Errorf("insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetOrder(ctx, order.ClientOrderID)
		return existing, false, err
	}
	return order, true, nil
}

func (s *Store) GetOrder(ctx context.Context, clientOrderID string) (models.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1`, clientOrderID))
}

func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (models.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = $1`, brokerOrderID))
}

func (s *Store) OpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'FAILED')
		ORDER BY client_order_id`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *Store) UpdateOrderStatus(ctx context.Context, clientOrderID string, prev models.OrderStatus, upd store.OrderUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET
			status = $1,
			broker_order_id = COALESCE(NULLIF($2, ''), broker_order_id),
			filled_qty = GREATEST(filled_qty, $3),
			source = $4,
			reason = CASE WHEN $5 <> '' THEN $5 ELSE reason END,
			update_time = now()
		WHERE client_order_id = $6 AND status = $7`,
		upd.Status, upd.BrokerOrderID, upd.FilledQty, upd.Source, upd.Reason,
		clientOrderID, prev,
	)
	if err != nil {
		return false, fmt.Errorf("cas order update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SavePlan(ctx context.Context, slices []models.OrderSlice) error {
	batch := &pgx.Batch{}
	for _, sl := range slices {
		batch.Queue(`
			INSERT INTO order_slices (slice_id, parent_order_id, idx, symbol, side, order_type, price, time_in_force, qty, release_at, status, update_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (slice_id) DO NOTHING`,
			sl.SliceID, sl.ParentOrderID, sl.Index, sl.Symbol, sl.Side, sl.Type, sl.Price,
			sl.TimeInForce, sl.Qty, sl.ReleaseAt, sl.Status, sl.UpdateTime)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range slices {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("save slice plan: %w", err)
		}
	}
	return nil
}

func (s *Store) PlanForParent(ctx context.Context, parentOrderID string) ([]models.OrderSlice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slice_id, parent_order_id, idx, symbol, side, order_type, price, time_in_force, qty, release_at, status, update_time
		FROM order_slices WHERE parent_order_id = $1 ORDER BY idx`, parentOrderID)
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	defer rows.Close()
	return scanSlices(rows)
}

func (s *Store) DueSlices(ctx context.Context, now time.Time) ([]models.OrderSlice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slice_id, parent_order_id, idx, symbol, side, order_type, price, time_in_force, qty, release_at, status, update_time
		FROM order_slices WHERE status = 'SCHEDULED' AND release_at <= $1
		ORDER BY release_at`, now)
	if err != nil {
		return nil, fmt.Errorf("query due slices: %w", err)
	}
	defer rows.Close()
	return scanSlices(rows)
}

func scanSlices(rows pgx.Rows) ([]models.OrderSlice, error) {
	var slices []models.OrderSlice
	for rows.Next() {
		var sl models.OrderSlice
		if err := rows.Scan(&sl.SliceID, &sl.ParentOrderID, &sl.Index, &sl.Symbol, &sl.Side,
			&sl.Type, &sl.Price, &sl.TimeInForce, &sl.Qty,
			&sl.ReleaseAt, &sl.Status, &sl.UpdateTime); err != nil {
			return nil, err
		}
		slices = append(slices, sl)
	}
	return slices, rows.Err()
}

func (s *Store) UpdateSliceStatus(ctx context.Context, sliceID string, prev, next models.SliceStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_slices SET status = $1, update_time = now()
		WHERE slice_id = $2 AND status = $3`, next, sliceID, prev)
	if err != nil {
		return false, fmt.Errorf("cas slice update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertFill writes the fill and the recomputed position in one transaction so
// a partial failure cannot record one without the other.
func (s *Store) InsertFill(ctx context.Context, fill models.Fill, pos models.Position) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO fills (broker_fill_id, client_order_id, symbol, side, price, qty, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (broker_fill_id) DO NOTHING`,
		fill.BrokerFillID, fill.ClientOrderID, fill.Symbol, fill.Side, fill.Price, fill.Qty, fill.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, realized_pnl, unrealized_pnl, last_reconciled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			qty = EXCLUDED.qty,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			last_reconciled_at = EXCLUDED.last_reconciled_at`,
		pos.Symbol, pos.Qty, pos.AvgEntryPrice, pos.RealizedPnL, pos.UnrealizedPnL, pos.LastReconciledAt); err != nil {
		return false, fmt.Errorf("upsert position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit fill tx: %w", err)
	}
	return true, nil
}

func (s *Store) FillsForOrder(ctx context.Context, clientOrderID string) ([]models.Fill, error) {
	return s.queryFills(ctx, `SELECT broker_fill_id, client_order_id, symbol, side, price, qty, ts
		FROM fills WHERE client_order_id = $1 ORDER BY ts`, clientOrderID)
}

func (s *Store) FillsForSymbol(ctx context.Context, symbol string) ([]models.Fill, error) {
	return s.queryFills(ctx, `SELECT broker_fill_id, client_order_id, symbol, side, price, qty, ts
		FROM fills WHERE symbol = $1 ORDER BY ts`, symbol)
}

func (s *Store) queryFills(ctx context.Context, sql string, arg any) ([]models.Fill, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []models.Fill
	for rows.Next() {
		var f models.Fill
		if err := rows.Scan(&f.BrokerFillID, &f.ClientOrderID, &f.Symbol, &f.Side, &f.Price, &f.Qty, &f.Timestamp); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *Store) GetPosition(ctx context.Context, symbol string) (models.Position, error) {
	var p models.Position
	err := s.pool.QueryRow(ctx, `
		SELECT symbol, qty, avg_entry_price, realized_pnl, unrealized_pnl, last_reconciled_at
		FROM positions WHERE symbol = $1`, symbol).
		Scan(&p.Symbol, &p.Qty, &p.AvgEntryPrice, &p.RealizedPnL, &p.UnrealizedPnL, &p.LastReconciledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Position{}, store.ErrNotFound
	}
	return p, err
}

func (s *Store) Positions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, qty, avg_entry_price, realized_pnl, unrealized_pnl, last_reconciled_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.AvgEntryPrice, &p.RealizedPnL, &p.UnrealizedPnL, &p.LastReconciledAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *Store) UpsertPosition(ctx context.Context, pos models.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, realized_pnl, unrealized_pnl, last_reconciled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol) DO UPDATE SET
			qty = EXCLUDED.qty,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			last_reconciled_at = EXCLUDED.last_reconciled_at`,
		pos.Symbol, pos.Qty, pos.AvgEntryPrice, pos.RealizedPnL, pos.UnrealizedPnL, pos.LastReconciledAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run models.ReconciliationRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (run_id, started_at, finished_at, matched, mismatched, orphaned, position_mismatches, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			matched = EXCLUDED.matched,
			mismatched = EXCLUDED.mismatched,
			orphaned = EXCLUDED.orphaned,
			position_mismatches = EXCLUDED.position_mismatches,
			outcome = EXCLUDED.outcome`,
		run.RunID, run.StartedAt, nullableTime(run.FinishedAt), run.Matched, run.Mismatched, run.Orphaned, run.PositionMismatches, run.Outcome)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) Runs(ctx context.Context, limit int) ([]models.ReconciliationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, started_at, finished_at, matched, mismatched, orphaned, position_mismatches, outcome
		FROM reconciliation_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ReconciliationRun
	for rows.Next() {
		var r models.ReconciliationRun
		var finished *time.Time
		if err := rows.Scan(&r.RunID, &r.StartedAt, &finished, &r.Matched, &r.Mismatched, &r.Orphaned, &r.PositionMismatches, &r.Outcome); err != nil {
			return nil, err
		}
		if finished != nil {
			r.FinishedAt = *finished
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) LastCompletedRun(ctx context.Context) (models.ReconciliationRun, error) {
	var r models.ReconciliationRun
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, started_at, finished_at, matched, mismatched, orphaned, position_mismatches, outcome
		FROM reconciliation_runs WHERE finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`).
		Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.Matched, &r.Mismatched, &r.Orphaned, &r.PositionMismatches, &r.Outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReconciliationRun{}, store.ErrNotFound
	}
	return r, err
}

func (s *Store) QuarantineOrphan(ctx context.Context, orphan models.OrphanOrder) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orphan_orders (quarantine_id, broker_order_id, symbol, side, qty, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (broker_order_id) DO NOTHING`,
		orphan.QuarantineID, orphan.BrokerOrderID, orphan.Symbol, orphan.Side, orphan.Qty, orphan.SeenAt)
	if err != nil {
		return false, fmt.Errorf("quarantine orphan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Orphans(ctx context.Context, includeResolved bool) ([]models.OrphanOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT quarantine_id, broker_order_id, symbol, side, qty, seen_at, resolved, resolved_by, note
		FROM orphan_orders WHERE $1 OR NOT resolved ORDER BY seen_at`, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	defer rows.Close()

	var orphans []models.OrphanOrder
	for rows.Next() {
		var o models.OrphanOrder
		if err := rows.Scan(&o.QuarantineID, &o.BrokerOrderID, &o.Symbol, &o.Side, &o.Qty,
			&o.SeenAt, &o.Resolved, &o.ResolvedBy, &o.Note); err != nil {
			return nil, err
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

func (s *Store) ResolveOrphan(ctx context.Context, quarantineID, actor, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orphan_orders SET resolved = TRUE, resolved_by = $1, note = $2
		WHERE quarantine_id = $3`, actor, note, quarantineID)
	if err != nil {
		return fmt.Errorf("resolve orphan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO safety_audit (id, flag, action, actor, justification, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Flag, entry.Action, entry.Actor, entry.Justification, entry.At)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) AuditHistory(ctx context.Context, flag string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, flag, action, actor, justification, at
		FROM safety_audit WHERE $1 = '' OR flag = $1
		ORDER BY at DESC LIMIT $2`, flag, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Flag, &e.Action, &e.Actor, &e.Justification, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// nullableTime maps Go's zero time to SQL NULL. An open run record has no
// finish time yet; anything else round-trips as-is.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ store.Store = (*Store)(nil)
