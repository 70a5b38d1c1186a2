package costing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
)

// CostPostedEvent signals that a sale line's cost of goods sold has been
// computed for the first time and is ready for ledger posting.
type CostPostedEvent struct {
	ProductID        int64
	SaleLineID       int64
	TotalCost        decimal.Decimal
	UsedFallbackCost bool
	PostedAt         time.Time
}

// CostRevisedEvent signals that a previously posted cost changed during a
// recalculation and the ledger needs a correcting posting.
type CostRevisedEvent struct {
	ProductID  int64
	SaleLineID int64
	OldCost    decimal.Decimal
	NewCost    decimal.Decimal
	Delta      decimal.Decimal
	Reason     costaudit.Reason
	OccurredAt time.Time
}
