package costing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// LotSource enumerates the events that create stock lots.
type LotSource string

const (
	// LotSourcePurchase marks stock received from a supplier purchase.
	LotSourcePurchase LotSource = "PURCHASE"
	// LotSourceOpeningStock marks a migrated opening balance.
	LotSourceOpeningStock LotSource = "OPENING_STOCK"
	// LotSourceReturn marks stock returned by a customer.
	LotSourceReturn LotSource = "RETURN"
	// LotSourceTransferIn marks stock moved in from another location.
	LotSourceTransferIn LotSource = "TRANSFER_IN"
)

// Product carries the costing-relevant attributes of a sellable item.
// Quantity never lives here; it lives in lots.
type Product struct {
	ID int64
	// FallbackCost prices the unsatisfied portion of a sale when no lot has
	// stock. Every purchase and opening-stock write overwrites it with the
	// latest acquisition price (last writer wins, see FallbackCostSetAt).
	FallbackCost      decimal.Decimal
	FallbackCostSetAt time.Time
}

// StockLot is a quantity of a product acquired at one cost on one date.
// Lots of a product ordered by (LotDate, ID) form the FIFO queue.
type StockLot struct {
	ID        int64
	ProductID int64
	Source    LotSource
	// SourceRef points at the purchase/opening/return/transfer record that
	// created the lot.
	SourceRef string
	// LotDate is the acquisition date, not the row creation timestamp.
	LotDate      time.Time
	UnitCost     decimal.Decimal
	InitialQty   decimal.Decimal
	RemainingQty decimal.Decimal
	// RetiredAt soft-deletes a lot that is still referenced by consumptions.
	RetiredAt *time.Time
	CreatedAt time.Time
}

// Retired reports whether the lot has been taken out of the FIFO queue.
func (l StockLot) Retired() bool {
	return l.RetiredAt != nil
}

// LotConsumption records that a sale line drew a quantity from a lot at that
// lot's unit cost.
type LotConsumption struct {
	ID         int64
	LotID      int64
	SaleLineID int64
	Qty        decimal.Decimal
	UnitCost   decimal.Decimal
	TotalCost  decimal.Decimal
	CreatedAt  time.Time
}

// SaleLine is the engine's view of an invoice line. The line itself is owned
// by the invoicing module; the engine reads its date and quantity and writes
// back CostOfGoodsSold.
type SaleLine struct {
	ID        int64
	ProductID int64
	// SaleDate is the commercial date of the transaction, the timeline
	// coordinate for backdating comparisons.
	SaleDate        time.Time
	Qty             decimal.Decimal
	CostOfGoodsSold decimal.Decimal
	CreatedAt       time.Time
}

// ConsumptionLine describes one lot touched while costing a sale.
type ConsumptionLine struct {
	LotID    int64
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
	Total    decimal.Decimal
}

// ConsumptionResult is the outcome of costing one sale line.
type ConsumptionResult struct {
	SaleLineID int64
	TotalCost  decimal.Decimal
	Lines      []ConsumptionLine
	// FallbackQty is the portion that no lot could satisfy, priced at the
	// product's fallback cost. It is not tied to any lot.
	FallbackQty      decimal.Decimal
	UsedFallbackCost bool
	Warnings         []string
}

// LotInput carries the attributes shared by all stock event constructors.
type LotInput struct {
	ProductID int64
	SourceRef string
	LotDate   time.Time
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	ActorID   int64
}

// LotFilter scopes lot listings.
type LotFilter struct {
	ProductID      int64
	IncludeRetired bool
	Limit          int
}

// Valuation summarises remaining stock value for a product.
type Valuation struct {
	ProductID    int64
	RemainingQty decimal.Decimal
	TotalValue   decimal.Decimal
	LotCount     int
}

// ErrProductNotFound indicates an unknown product reference.
var ErrProductNotFound = errors.New("costing: product not found")

// ErrSaleLineNotFound indicates an unknown sale line reference.
var ErrSaleLineNotFound = errors.New("costing: sale line not found")

// ErrLotNotFound indicates an unknown lot reference.
var ErrLotNotFound = errors.New("costing: lot not found")

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("costing: quantity must be positive")

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = errors.New("costing: unit cost must be >= 0")
