package costing

import "context"

// LedgerHandler receives costing events for journal posting. The engine
// never constructs journal entries itself; the accounting module implements
// this interface and books COGS against inventory from the event amounts.
type LedgerHandler interface {
	HandleCostPosted(ctx context.Context, evt CostPostedEvent) error
	HandleCostRevised(ctx context.Context, evt CostRevisedEvent) error
}
