package costing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// consumeParams names one costing request against the lot timeline.
type consumeParams struct {
	Product    Product
	SaleLineID int64
	Qty        decimal.Decimal
	AsOf       time.Time
}

// consumeFIFO walks the product's lots oldest-first and draws the requested
// quantity, writing one consumption row per lot touched and decrementing each
// lot's remainder. Only lots dated on or before AsOf are eligible: a lot that
// did not exist yet, relative to the sale's commercial date, cannot have been
// sold.
//
// When the lots run out the rest of the quantity is priced at the product's
// fallback cost with a warning; a sale is never blocked for lack of recorded
// stock, since the cost self-corrects once the missing purchase is entered.
func consumeFIFO(ctx context.Context, tx TxRepository, p consumeParams) (ConsumptionResult, error) {
	result := ConsumptionResult{SaleLineID: p.SaleLineID, TotalCost: decimal.Zero, FallbackQty: decimal.Zero}

	lots, err := tx.LotsForConsumption(ctx, p.Product.ID, p.AsOf)
	if err != nil {
		return ConsumptionResult{}, fmt.Errorf("costing: fetch lots: %w", err)
	}

	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.RemainingQty)
	}

	needed := p.Qty
	for _, lot := range lots {
		if !needed.IsPositive() {
			break
		}
		take := decimal.Min(lot.RemainingQty, needed)
		if !take.IsPositive() {
			continue
		}
		cons := LotConsumption{
			LotID:      lot.ID,
			SaleLineID: p.SaleLineID,
			Qty:        take,
			UnitCost:   lot.UnitCost,
			TotalCost:  take.Mul(lot.UnitCost),
		}
		if _, err := tx.InsertConsumption(ctx, cons); err != nil {
			return ConsumptionResult{}, fmt.Errorf("costing: insert consumption: %w", err)
		}
		if err := tx.AdjustLotRemaining(ctx, lot.ID, take.Neg()); err != nil {
			return ConsumptionResult{}, fmt.Errorf("costing: decrement lot %d: %w", lot.ID, err)
		}
		result.Lines = append(result.Lines, ConsumptionLine{
			LotID:    lot.ID,
			Qty:      take,
			UnitCost: lot.UnitCost,
			Total:    cons.TotalCost,
		})
		result.TotalCost = result.TotalCost.Add(cons.TotalCost)
		needed = needed.Sub(take)
	}

	if needed.IsPositive() {
		// Shortage: the rest is costed at the fallback price without a
		// consumption row, since it is not tied to any real lot.
		result.FallbackQty = needed
		result.UsedFallbackCost = true
		result.TotalCost = result.TotalCost.Add(needed.Mul(p.Product.FallbackCost))
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"product %d has only %s units in stock but %s were requested; %s units costed at fallback price %s",
			p.Product.ID, available.String(), p.Qty.String(), needed.String(), p.Product.FallbackCost.String()))
	}

	return result, nil
}

// unwindSaleLine deletes a sale line's consumptions, restoring each touched
// lot's remainder. After it runs the timeline looks as if the line had never
// been costed.
func unwindSaleLine(ctx context.Context, tx TxRepository, saleLineID int64) (decimal.Decimal, error) {
	consumptions, err := tx.ConsumptionsBySaleLine(ctx, saleLineID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("costing: fetch consumptions: %w", err)
	}
	restored := decimal.Zero
	for _, c := range consumptions {
		if err := tx.AdjustLotRemaining(ctx, c.LotID, c.Qty); err != nil {
			return decimal.Zero, fmt.Errorf("costing: restore lot %d: %w", c.LotID, err)
		}
		restored = restored.Add(c.Qty)
	}
	if err := tx.DeleteConsumptionsBySaleLine(ctx, saleLineID); err != nil {
		return decimal.Zero, fmt.Errorf("costing: delete consumptions: %w", err)
	}
	return restored, nil
}
