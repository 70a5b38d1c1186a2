package costing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists costing data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the engine.
// The recalculation cascade writes through this interface directly so its
// own writes never re-trigger backdating checks.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, productID int64) (Product, error)
	SetFallbackCost(ctx context.Context, productID int64, cost decimal.Decimal, at time.Time) error

	InsertLot(ctx context.Context, lot StockLot) (int64, error)
	GetLot(ctx context.Context, lotID int64) (StockLot, error)
	LotsForConsumption(ctx context.Context, productID int64, asOf time.Time) ([]StockLot, error)
	AdjustLotRemaining(ctx context.Context, lotID int64, delta decimal.Decimal) error
	RetireLot(ctx context.Context, lotID int64, at time.Time) error
	DeleteLot(ctx context.Context, lotID int64) error
	CountLotConsumptions(ctx context.Context, lotID int64) (int64, error)

	InsertConsumption(ctx context.Context, c LotConsumption) (int64, error)
	ConsumptionsBySaleLine(ctx context.Context, saleLineID int64) ([]LotConsumption, error)
	DeleteConsumptionsBySaleLine(ctx context.Context, saleLineID int64) error
	HasConsumptionAfter(ctx context.Context, productID int64, date time.Time) (bool, error)

	GetSaleLine(ctx context.Context, saleLineID int64) (SaleLine, error)
	SaleLinesFrom(ctx context.Context, productID int64, from time.Time) ([]SaleLine, error)
	CountSaleLinesFrom(ctx context.Context, productID int64, from time.Time) (int64, error)
	UpdateSaleLineCost(ctx context.Context, saleLineID int64, cost decimal.Decimal) error
	EarliestZeroCostSaleLine(ctx context.Context, productID int64) (SaleLine, error)

	InsertCostAudit(ctx context.Context, entry costaudit.Entry) error
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithProductTx(ctx context.Context, productID int64, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, productID int64) (Product, error)
	ListLots(ctx context.Context, filter LotFilter) ([]StockLot, error)
	GetValuation(ctx context.Context, productID int64) (Valuation, error)
	ProductIDsWithZeroCostSales(ctx context.Context) ([]int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// advisoryLockClass namespaces costing advisory locks inside PostgreSQL.
const advisoryLockClass = 61407

// WithProductTx runs fn inside a repeatable-read transaction holding the
// product's advisory lock. The lock serialises every read-then-write of one
// product's lot timeline and releases automatically on commit or abort.
func (r *Repository) WithProductTx(ctx context.Context, productID int64, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("costing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, advisoryLockClass, int32(productID)); err != nil {
			return err
		}
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetProduct loads a product outside a mutating transaction.
func (r *Repository) GetProduct(ctx context.Context, productID int64) (Product, error) {
	return scanProduct(r.pool.QueryRow(ctx, `
		SELECT id, fallback_cost, fallback_cost_set_at
		FROM products
		WHERE id = $1
	`, productID))
}

// ListLots lists lots for the operator surface, oldest first.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]StockLot, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, source, source_ref, lot_date, unit_cost, initial_qty, remaining_qty, retired_at, created_at
		FROM stock_lots
		WHERE product_id = $1
		  AND ($2 OR retired_at IS NULL)
		ORDER BY lot_date, id
		LIMIT $3
	`, filter.ProductID, filter.IncludeRetired, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

// GetValuation sums the remaining value across a product's live lots.
func (r *Repository) GetValuation(ctx context.Context, productID int64) (Valuation, error) {
	var (
		qty   pgtype.Numeric
		value pgtype.Numeric
		count int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining_qty), 0),
		       COALESCE(SUM(remaining_qty * unit_cost), 0),
		       COUNT(*) FILTER (WHERE remaining_qty > 0)
		FROM stock_lots
		WHERE product_id = $1 AND retired_at IS NULL
	`, productID).Scan(&qty, &value, &count)
	if err != nil {
		return Valuation{}, err
	}
	return Valuation{
		ProductID:    productID,
		RemainingQty: numericToDecimal(qty),
		TotalValue:   numericToDecimal(value),
		LotCount:     int(count),
	}, nil
}

// ProductIDsWithZeroCostSales returns products carrying at least one sale
// line with zero cost, candidates for the repair sweep.
func (r *Repository) ProductIDsWithZeroCostSales(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT product_id
		FROM sale_lines
		WHERE cost_of_goods_sold = 0 AND qty > 0
		ORDER BY product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) GetProductForUpdate(ctx context.Context, productID int64) (Product, error) {
	return scanProduct(r.tx.QueryRow(ctx, `
		SELECT id, fallback_cost, fallback_cost_set_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID))
}

func (r *txRepository) SetFallbackCost(ctx context.Context, productID int64, cost decimal.Decimal, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE products
		SET fallback_cost = $2, fallback_cost_set_at = $3
		WHERE id = $1
	`, productID, decimalToNumeric(cost), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *txRepository) InsertLot(ctx context.Context, lot StockLot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO stock_lots (product_id, source, source_ref, lot_date, unit_cost, initial_qty, remaining_qty)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, lot.ProductID, string(lot.Source), lot.SourceRef, lot.LotDate,
		decimalToNumeric(lot.UnitCost), decimalToNumeric(lot.InitialQty), decimalToNumeric(lot.RemainingQty)).Scan(&id)
	return id, err
}

func (r *txRepository) GetLot(ctx context.Context, lotID int64) (StockLot, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, product_id, source, source_ref, lot_date, unit_cost, initial_qty, remaining_qty, retired_at, created_at
		FROM stock_lots
		WHERE id = $1
	`, lotID)
	if err != nil {
		return StockLot{}, err
	}
	defer rows.Close()
	lots, err := scanLots(rows)
	if err != nil {
		return StockLot{}, err
	}
	if len(lots) == 0 {
		return StockLot{}, ErrLotNotFound
	}
	return lots[0], nil
}

// LotsForConsumption returns the FIFO window for a sale dated asOf: live
// lots with stock, dated on or before the sale, oldest first. Rows are
// locked because the caller is about to decrement them.
func (r *txRepository) LotsForConsumption(ctx context.Context, productID int64, asOf time.Time) ([]StockLot, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, product_id, source, source_ref, lot_date, unit_cost, initial_qty, remaining_qty, retired_at, created_at
		FROM stock_lots
		WHERE product_id = $1
		  AND remaining_qty > 0
		  AND retired_at IS NULL
		  AND lot_date <= $2
		ORDER BY lot_date, id
		FOR UPDATE
	`, productID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (r *txRepository) AdjustLotRemaining(ctx context.Context, lotID int64, delta decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE stock_lots
		SET remaining_qty = remaining_qty + $2
		WHERE id = $1
		  AND remaining_qty + $2 >= 0
		  AND remaining_qty + $2 <= initial_qty
	`, lotID, decimalToNumeric(delta))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) RetireLot(ctx context.Context, lotID int64, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET retired_at = $2 WHERE id = $1 AND retired_at IS NULL`, lotID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) DeleteLot(ctx context.Context, lotID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_lots WHERE id = $1`, lotID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) CountLotConsumptions(ctx context.Context, lotID int64) (int64, error) {
	var count int64
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM lot_consumptions WHERE lot_id = $1`, lotID).Scan(&count)
	return count, err
}

func (r *txRepository) InsertConsumption(ctx context.Context, c LotConsumption) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO lot_consumptions (lot_id, sale_line_id, qty, unit_cost, total_cost)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, c.LotID, c.SaleLineID, decimalToNumeric(c.Qty), decimalToNumeric(c.UnitCost), decimalToNumeric(c.TotalCost)).Scan(&id)
	return id, err
}

func (r *txRepository) ConsumptionsBySaleLine(ctx context.Context, saleLineID int64) ([]LotConsumption, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, lot_id, sale_line_id, qty, unit_cost, total_cost, created_at
		FROM lot_consumptions
		WHERE sale_line_id = $1
		ORDER BY id
	`, saleLineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LotConsumption
	for rows.Next() {
		var (
			c         LotConsumption
			qty       pgtype.Numeric
			unitCost  pgtype.Numeric
			totalCost pgtype.Numeric
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&c.ID, &c.LotID, &c.SaleLineID, &qty, &unitCost, &totalCost, &createdAt); err != nil {
			return nil, err
		}
		c.Qty = numericToDecimal(qty)
		c.UnitCost = numericToDecimal(unitCost)
		c.TotalCost = numericToDecimal(totalCost)
		c.CreatedAt = createdAt.Time
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) DeleteConsumptionsBySaleLine(ctx context.Context, saleLineID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM lot_consumptions WHERE sale_line_id = $1`, saleLineID)
	return err
}

// HasConsumptionAfter reports whether any sale dated strictly after date has
// already drawn stock of the product. This is the backdating test.
func (r *txRepository) HasConsumptionAfter(ctx context.Context, productID int64, date time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM lot_consumptions c
			JOIN sale_lines s ON s.id = c.sale_line_id
			WHERE s.product_id = $1 AND s.sale_date > $2
		)
	`, productID, date).Scan(&exists)
	return exists, err
}

func (r *txRepository) GetSaleLine(ctx context.Context, saleLineID int64) (SaleLine, error) {
	return scanSaleLine(r.tx.QueryRow(ctx, `
		SELECT id, product_id, sale_date, qty, cost_of_goods_sold, created_at
		FROM sale_lines
		WHERE id = $1
	`, saleLineID))
}

// SaleLinesFrom returns the replay window ordered by (sale_date, id). The id
// tie-break preserves creation order so replay is stable.
func (r *txRepository) SaleLinesFrom(ctx context.Context, productID int64, from time.Time) ([]SaleLine, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, product_id, sale_date, qty, cost_of_goods_sold, created_at
		FROM sale_lines
		WHERE product_id = $1 AND sale_date >= $2
		ORDER BY sale_date, id
	`, productID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SaleLine
	for rows.Next() {
		line, err := scanSaleLineRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (r *txRepository) CountSaleLinesFrom(ctx context.Context, productID int64, from time.Time) (int64, error) {
	var count int64
	err := r.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM sale_lines WHERE product_id = $1 AND sale_date >= $2
	`, productID, from).Scan(&count)
	return count, err
}

func (r *txRepository) UpdateSaleLineCost(ctx context.Context, saleLineID int64, cost decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE sale_lines SET cost_of_goods_sold = $2 WHERE id = $1
	`, saleLineID, decimalToNumeric(cost))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSaleLineNotFound
	}
	return nil
}

func (r *txRepository) EarliestZeroCostSaleLine(ctx context.Context, productID int64) (SaleLine, error) {
	return scanSaleLine(r.tx.QueryRow(ctx, `
		SELECT id, product_id, sale_date, qty, cost_of_goods_sold, created_at
		FROM sale_lines
		WHERE product_id = $1 AND cost_of_goods_sold = 0 AND qty > 0
		ORDER BY sale_date, id
		LIMIT 1
	`, productID))
}

func (r *txRepository) InsertCostAudit(ctx context.Context, entry costaudit.Entry) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO cost_audit_entries (product_id, sale_line_id, old_cost, new_cost, delta, reason, trigger_note, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
	`, entry.ProductID, entry.SaleLineID, decimalToNumeric(entry.OldCost), decimalToNumeric(entry.NewCost),
		decimalToNumeric(entry.Delta), string(entry.Reason), entry.Trigger, entry.OccurredAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		p     Product
		cost  pgtype.Numeric
		setAt pgtype.Timestamptz
	)
	if err := row.Scan(&p.ID, &cost, &setAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	p.FallbackCost = numericToDecimal(cost)
	p.FallbackCostSetAt = setAt.Time
	return p, nil
}

func scanSaleLine(row rowScanner) (SaleLine, error) {
	line, err := scanSaleLineRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SaleLine{}, ErrSaleLineNotFound
		}
		return SaleLine{}, err
	}
	return line, nil
}

func scanSaleLineRow(row rowScanner) (SaleLine, error) {
	var (
		line      SaleLine
		saleDate  pgtype.Timestamptz
		qty       pgtype.Numeric
		cogs      pgtype.Numeric
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&line.ID, &line.ProductID, &saleDate, &qty, &cogs, &createdAt); err != nil {
		return SaleLine{}, err
	}
	line.SaleDate = saleDate.Time
	line.Qty = numericToDecimal(qty)
	line.CostOfGoodsSold = numericToDecimal(cogs)
	line.CreatedAt = createdAt.Time
	return line, nil
}

func scanLots(rows pgx.Rows) ([]StockLot, error) {
	var out []StockLot
	for rows.Next() {
		var (
			lot       StockLot
			source    string
			lotDate   pgtype.Timestamptz
			unitCost  pgtype.Numeric
			initial   pgtype.Numeric
			remaining pgtype.Numeric
			retiredAt pgtype.Timestamptz
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&lot.ID, &lot.ProductID, &source, &lot.SourceRef, &lotDate,
			&unitCost, &initial, &remaining, &retiredAt, &createdAt); err != nil {
			return nil, err
		}
		lot.Source = LotSource(source)
		lot.LotDate = lotDate.Time
		lot.UnitCost = numericToDecimal(unitCost)
		lot.InitialQty = numericToDecimal(initial)
		lot.RemainingQty = numericToDecimal(remaining)
		if retiredAt.Valid {
			t := retiredAt.Time
			lot.RetiredAt = &t
		}
		lot.CreatedAt = createdAt.Time
		out = append(out, lot)
	}
	return out, rows.Err()
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.String())
	return n
}
