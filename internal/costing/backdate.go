package costing

import (
	"context"
	"errors"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
)

// IsBackdated reports whether a stock event at eventDate lands before sales
// that have already consumed stock of the product. If it does, the FIFO
// order those sales were costed against is stale and history must be
// replayed.
func (s *Service) IsBackdated(ctx context.Context, productID int64, eventDate time.Time) (bool, error) {
	if s == nil || s.repo == nil {
		return false, errors.New("costing: service not configured")
	}
	var backdated bool
	err := s.repo.WithProductTx(ctx, productID, func(ctx context.Context, tx TxRepository) error {
		var err error
		backdated, err = tx.HasConsumptionAfter(ctx, productID, eventDate)
		return err
	})
	return backdated, err
}

// FindEarliestZeroCostSaleLine locates the earliest sale line still carrying
// a zero cost of goods sold, the residue of selling before any stock was
// recorded. New stock repairs these opportunistically even when it is not
// backdated relative to the latest sale.
func (s *Service) FindEarliestZeroCostSaleLine(ctx context.Context, productID int64) (SaleLine, bool, error) {
	if s == nil || s.repo == nil {
		return SaleLine{}, false, errors.New("costing: service not configured")
	}
	var (
		line  SaleLine
		found bool
	)
	err := s.repo.WithProductTx(ctx, productID, func(ctx context.Context, tx TxRepository) error {
		l, err := tx.EarliestZeroCostSaleLine(ctx, productID)
		if err != nil {
			if errors.Is(err, ErrSaleLineNotFound) {
				return nil
			}
			return err
		}
		line = l
		found = true
		return nil
	})
	return line, found, err
}

// planRecalc decides, inside the constructor's transaction, whether a new
// lot at lotDate forces a replay and from which date. A lot dated before
// already-costed sales rewrites history from the lot date; an earlier
// zero-cost sale widens the window and, when it is the only trigger, marks
// the run as a repair instead of a backdating correction.
func planRecalc(ctx context.Context, tx TxRepository, productID int64, lotDate time.Time) (time.Time, costaudit.Reason, bool, error) {
	backdated, err := tx.HasConsumptionAfter(ctx, productID, lotDate)
	if err != nil {
		return time.Time{}, "", false, err
	}

	start := lotDate
	reason := costaudit.ReasonBackdatedPurchase
	needed := backdated

	zeroLine, err := tx.EarliestZeroCostSaleLine(ctx, productID)
	switch {
	case err == nil:
		needed = true
		if zeroLine.SaleDate.Before(start) {
			start = zeroLine.SaleDate
			if !backdated {
				reason = costaudit.ReasonZeroCogsFix
			}
		}
	case errors.Is(err, ErrSaleLineNotFound):
		// No repair candidates.
	default:
		return time.Time{}, "", false, err
	}

	return start, reason, needed, nil
}
