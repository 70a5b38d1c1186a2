package costaudit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads and appends cost audit entries in PostgreSQL.
//
// The recalculation cascade appends entries through its own transaction so a
// failed replay leaves no partial trail; this repository's Insert covers the
// standalone path only (manual corrections recorded outside a cascade).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends a single entry.
func (r *Repository) Insert(ctx context.Context, entry Entry) error {
	if r == nil {
		return errors.New("costaudit repository not initialised")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cost_audit_entries (product_id, sale_line_id, old_cost, new_cost, delta, reason, trigger_note, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
	`, entry.ProductID, entry.SaleLineID, numericOf(entry.OldCost), numericOf(entry.NewCost),
		numericOf(entry.Delta), string(entry.Reason), entry.Trigger, entry.OccurredAt)
	return err
}

// List returns entries matching the filter, newest first, plus the total count.
func (r *Repository) List(ctx context.Context, filter Filter, limit, offset int) ([]Entry, int, error) {
	if r == nil {
		return nil, 0, errors.New("costaudit repository not initialised")
	}
	where := `
		WHERE ($1 = 0 OR product_id = $1)
		  AND ($2 = 0 OR sale_line_id = $2)
		  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		  AND ($4::timestamptz IS NULL OR occurred_at <= $4)
	`
	from := optionalTime(filter.From)
	to := optionalTime(filter.To)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cost_audit_entries`+where,
		filter.ProductID, filter.SaleLineID, from, to).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, sale_line_id, old_cost, new_cost, delta, reason, trigger_note, occurred_at
		FROM cost_audit_entries`+where+`
		ORDER BY occurred_at DESC, id DESC
		LIMIT $5 OFFSET $6
	`, filter.ProductID, filter.SaleLineID, from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			oldCost    pgtype.Numeric
			newCost    pgtype.Numeric
			delta      pgtype.Numeric
			reason     string
			occurredAt pgtype.Timestamptz
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &e.SaleLineID, &oldCost, &newCost, &delta, &reason, &e.Trigger, &occurredAt); err != nil {
			return nil, 0, err
		}
		e.OldCost = decimalOf(oldCost)
		e.NewCost = decimalOf(newCost)
		e.Delta = decimalOf(delta)
		e.Reason = Reason(reason)
		e.OccurredAt = occurredAt.Time
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func optionalTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func numericOf(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.String())
	return n
}

func decimalOf(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
