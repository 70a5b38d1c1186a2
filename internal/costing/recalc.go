package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
)

// recalcOutcome summarises one cascade run.
type recalcOutcome struct {
	LinesReplayed int
	Revisions     []CostRevisedEvent
}

// RecalculateFrom unwinds every costed sale of the product dated on or after
// fromDate, rebuilds the lot timeline, and replays the sales in chronological
// order. Cost changes discovered on the way are written to the cost audit
// ledger and back onto the sale lines, all inside one transaction: a failure
// anywhere leaves costs, lots and audit trail untouched.
//
// Running the cascade twice without intervening changes is a no-op; the
// second run finds every replayed cost equal to the stored one and writes
// nothing.
func (s *Service) RecalculateFrom(ctx context.Context, productID int64, fromDate time.Time, reason costaudit.Reason, trigger string) error {
	if s == nil || s.repo == nil {
		return errors.New("costing: service not configured")
	}
	if productID == 0 {
		return errors.New("costing: product required")
	}
	if !reason.Valid() {
		return costaudit.ErrInvalidReason
	}

	release, err := s.acquireLease(ctx, productID)
	if err != nil {
		return err
	}
	defer release()

	var outcome recalcOutcome
	err = s.repo.WithProductTx(ctx, productID, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		outcome, err = s.recalcLocked(ctx, tx, product, fromDate, reason, trigger, 0)
		return err
	})
	if err != nil {
		return err
	}
	return s.emitRevisions(ctx, outcome.Revisions)
}

// recalcLocked runs the cascade body. The caller holds the product's
// advisory lock and transaction. All writes go through the low-level tx
// repository, so nothing here re-enters the backdating checks that triggered
// the cascade in the first place.
//
// excludeSaleLineID, when non-zero, names a sale line being reversed: its
// consumptions are unwound with the rest but it is skipped during replay and
// its stored cost drops to zero.
func (s *Service) recalcLocked(ctx context.Context, tx TxRepository, product Product, fromDate time.Time, reason costaudit.Reason, trigger string, excludeSaleLineID int64) (recalcOutcome, error) {
	// A stock edit with no sales at or after it cannot change any cost;
	// skipping the replay here is what keeps routine lot maintenance cheap.
	count, err := tx.CountSaleLinesFrom(ctx, product.ID, fromDate)
	if err != nil {
		return recalcOutcome{}, err
	}
	if count == 0 {
		return recalcOutcome{}, nil
	}

	s.logger.Info("recalculation start",
		slog.Int64("product_id", product.ID),
		slog.Time("from", fromDate),
		slog.String("reason", string(reason)),
		slog.Int64("sale_lines", count))

	lines, err := tx.SaleLinesFrom(ctx, product.ID, fromDate)
	if err != nil {
		return recalcOutcome{}, err
	}

	// Unwind: after this loop the lots look as if none of these sales had
	// ever been costed.
	for _, line := range lines {
		if _, err := unwindSaleLine(ctx, tx, line.ID); err != nil {
			return recalcOutcome{}, err
		}
	}

	// Replay in (sale_date, id) order. The id tie-break preserves creation
	// order so that same-day sales always draw from the same lots run after run.
	outcome := recalcOutcome{}
	now := time.Now().UTC()
	for _, line := range lines {
		oldCost := line.CostOfGoodsSold
		var newCost decimal.Decimal

		if line.ID == excludeSaleLineID {
			newCost = decimal.Zero
		} else {
			result, err := consumeFIFO(ctx, tx, consumeParams{
				Product:    product,
				SaleLineID: line.ID,
				Qty:        line.Qty,
				AsOf:       line.SaleDate,
			})
			if err != nil {
				return recalcOutcome{}, err
			}
			newCost = result.TotalCost
			outcome.LinesReplayed++
		}

		if newCost.Equal(oldCost) {
			continue
		}
		if err := tx.UpdateSaleLineCost(ctx, line.ID, newCost); err != nil {
			return recalcOutcome{}, err
		}
		entry := costaudit.Entry{
			ProductID:  product.ID,
			SaleLineID: line.ID,
			OldCost:    oldCost,
			NewCost:    newCost,
			Delta:      newCost.Sub(oldCost),
			Reason:     reason,
			Trigger:    trigger,
			OccurredAt: now,
		}
		if err := tx.InsertCostAudit(ctx, entry); err != nil {
			return recalcOutcome{}, err
		}
		outcome.Revisions = append(outcome.Revisions, CostRevisedEvent{
			ProductID:  product.ID,
			SaleLineID: line.ID,
			OldCost:    oldCost,
			NewCost:    newCost,
			Delta:      entry.Delta,
			Reason:     reason,
			OccurredAt: now,
		})
	}

	if s.metrics != nil {
		s.metrics.RecalculationRun(string(reason))
		if len(outcome.Revisions) > 0 {
			s.metrics.AuditEntriesWritten(len(outcome.Revisions))
		}
	}
	s.logger.Info("recalculation end",
		slog.Int64("product_id", product.ID),
		slog.Int("replayed", outcome.LinesReplayed),
		slog.Int("revisions", len(outcome.Revisions)))

	return outcome, nil
}

// RepairZeroCostSales replays history for every product still carrying
// zero-cost sales. The worker runs it nightly so sales recorded before their
// stock arrived heal without operator action.
func (s *Service) RepairZeroCostSales(ctx context.Context, productID int64) (bool, error) {
	line, found, err := s.FindEarliestZeroCostSaleLine(ctx, productID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	trigger := fmt.Sprintf("zero cost sweep from sale line %d", line.ID)
	if err := s.RecalculateFrom(ctx, productID, line.SaleDate, costaudit.ReasonZeroCogsFix, trigger); err != nil {
		return false, err
	}
	return true, nil
}

// ProductsWithZeroCostSales lists sweep candidates.
func (s *Service) ProductsWithZeroCostSales(ctx context.Context) ([]int64, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("costing: service not configured")
	}
	return s.repo.ProductIDsWithZeroCostSales(ctx)
}

// ListLots exposes the lot timeline for the operator surface.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]StockLot, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("costing: service not configured")
	}
	if filter.ProductID == 0 {
		return nil, errors.New("costing: product required")
	}
	if _, err := s.repo.GetProduct(ctx, filter.ProductID); err != nil {
		return nil, err
	}
	return s.repo.ListLots(ctx, filter)
}

// GetValuation sums remaining stock value for a product.
func (s *Service) GetValuation(ctx context.Context, productID int64) (Valuation, error) {
	if s == nil || s.repo == nil {
		return Valuation{}, errors.New("costing: service not configured")
	}
	if productID == 0 {
		return Valuation{}, errors.New("costing: product required")
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return Valuation{}, err
	}
	return s.repo.GetValuation(ctx, productID)
}
