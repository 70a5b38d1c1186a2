package costaudit

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Reason classifies why a previously computed cost changed.
type Reason string

const (
	// ReasonBackdatedPurchase marks stock recorded before already-costed sales.
	ReasonBackdatedPurchase Reason = "backdated_purchase"
	// ReasonBackdatedInvoice marks a sale line edited or dated into the past.
	ReasonBackdatedInvoice Reason = "backdated_invoice"
	// ReasonRecalculation marks a generic replay.
	ReasonRecalculation Reason = "recalculation"
	// ReasonZeroCogsFix marks repair of sales costed before stock existed.
	ReasonZeroCogsFix Reason = "zero_cogs_fix"
	// ReasonManual marks an operator-triggered recalculation.
	ReasonManual Reason = "manual"
)

// Valid reports whether the reason is one of the known codes.
func (r Reason) Valid() bool {
	switch r {
	case ReasonBackdatedPurchase, ReasonBackdatedInvoice, ReasonRecalculation, ReasonZeroCogsFix, ReasonManual:
		return true
	}
	return false
}

// Entry is an immutable record of one cost change. Entries are only ever
// appended; there is no update or delete.
type Entry struct {
	ID         int64
	ProductID  int64
	SaleLineID int64
	OldCost    decimal.Decimal
	NewCost    decimal.Decimal
	Delta      decimal.Decimal
	Reason     Reason
	// Trigger is a free-text description of the event that forced the change.
	Trigger    string
	OccurredAt time.Time
}

// Filter scopes audit queries. Zero values mean "any".
type Filter struct {
	ProductID  int64
	SaleLineID int64
	From       time.Time
	To         time.Time
	Page       int
	PerPage    int
}

// ErrInvalidReason indicates an unknown reason code.
var ErrInvalidReason = errors.New("costaudit: unknown reason code")

// ErrIncompleteEntry indicates a record missing required references.
var ErrIncompleteEntry = errors.New("costaudit: entry requires product and sale line references")
