package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// AuditPort abstracts the operator action log.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LeasePort serialises mutations per product across processes.
type LeasePort interface {
	Acquire(ctx context.Context, productID int64) (func(), error)
}

// MetricsPort records engine counters.
type MetricsPort interface {
	RecalculationRun(reason string)
	AuditEntriesWritten(count int)
	FallbackCostUsed()
}

// Service coordinates lot creation, FIFO costing and recalculation.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	lease       LeasePort
	ledger      LedgerHandler
	metrics     MetricsPort
	logger      *slog.Logger
}

// NewService builds Service. Every dependency except repo may be nil.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, lease LeasePort, ledger LedgerHandler, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, lease: lease, ledger: ledger, metrics: metrics, logger: logger}
}

// CreateLotFromPurchase records stock received from a supplier purchase.
// The purchase price becomes the product's new fallback cost.
func (s *Service) CreateLotFromPurchase(ctx context.Context, input LotInput) (StockLot, error) {
	return s.createLot(ctx, LotSourcePurchase, input, true)
}

// CreateLotFromOpeningStock records a migrated opening balance. Like a
// purchase, it refreshes the fallback cost.
func (s *Service) CreateLotFromOpeningStock(ctx context.Context, input LotInput) (StockLot, error) {
	return s.createLot(ctx, LotSourceOpeningStock, input, true)
}

// CreateLotFromReturn records stock returned by a customer. Returns reflect a
// previously known cost and leave the fallback untouched.
func (s *Service) CreateLotFromReturn(ctx context.Context, input LotInput) (StockLot, error) {
	return s.createLot(ctx, LotSourceReturn, input, false)
}

// CreateLotFromTransfer records stock moved in from another location.
func (s *Service) CreateLotFromTransfer(ctx context.Context, input LotInput) (StockLot, error) {
	return s.createLot(ctx, LotSourceTransferIn, input, false)
}

func (s *Service) createLot(ctx context.Context, source LotSource, input LotInput, updatesFallback bool) (StockLot, error) {
	if input.ProductID == 0 {
		return StockLot{}, errors.New("costing: product required")
	}
	if !input.Qty.IsPositive() {
		return StockLot{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return StockLot{}, ErrInvalidUnitCost
	}
	if input.SourceRef != "" {
		if _, err := uuid.Parse(input.SourceRef); err != nil {
			return StockLot{}, fmt.Errorf("costing: invalid source ref: %w", err)
		}
	}
	lotDate := input.LotDate
	if lotDate.IsZero() {
		lotDate = time.Now().UTC()
	}

	insertedKey := false
	key := fmt.Sprintf("%s:%s:%d", source, input.SourceRef, input.ProductID)
	if s.idempotency != nil && input.SourceRef != "" {
		if err := s.idempotency.CheckAndInsert(ctx, key, "costing"); err != nil {
			return StockLot{}, err
		}
		insertedKey = true
	}

	rollbackKey := func() {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
	}

	release, err := s.acquireLease(ctx, input.ProductID)
	if err != nil {
		rollbackKey()
		return StockLot{}, err
	}
	defer release()

	var (
		lot       StockLot
		outcome   recalcOutcome
		replayRan bool
		reason    costaudit.Reason
	)
	err = s.repo.WithProductTx(ctx, input.ProductID, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, input.ProductID)
		if err != nil {
			return err
		}

		lot = StockLot{
			ProductID:    input.ProductID,
			Source:       source,
			SourceRef:    input.SourceRef,
			LotDate:      lotDate,
			UnitCost:     input.UnitCost,
			InitialQty:   input.Qty,
			RemainingQty: input.Qty,
		}
		lotID, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = lotID

		if updatesFallback {
			now := time.Now().UTC()
			if err := tx.SetFallbackCost(ctx, input.ProductID, input.UnitCost, now); err != nil {
				return err
			}
			product.FallbackCost = input.UnitCost
			product.FallbackCostSetAt = now
		}

		start, plannedReason, needed, err := planRecalc(ctx, tx, input.ProductID, lotDate)
		if err != nil {
			return err
		}
		if !needed {
			return nil
		}
		reason = plannedReason
		trigger := fmt.Sprintf("%s lot %d dated %s", source, lotID, lotDate.Format("2006-01-02"))
		outcome, err = s.recalcLocked(ctx, tx, product, start, reason, trigger, 0)
		if err != nil {
			return err
		}
		replayRan = true
		return nil
	})
	if err != nil {
		rollbackKey()
		return StockLot{}, err
	}

	s.recordAudit(ctx, input.ActorID, fmt.Sprintf("costing:lot:%s", source), lot.ID, map[string]any{
		"product_id": input.ProductID,
		"qty":        input.Qty.String(),
		"unit_cost":  input.UnitCost.String(),
		"lot_date":   lotDate.Format(time.RFC3339),
		"source_ref": input.SourceRef,
	})
	if replayRan {
		s.logger.Info("lot triggered recalculation",
			slog.Int64("product_id", input.ProductID),
			slog.Int64("lot_id", lot.ID),
			slog.String("reason", string(reason)),
			slog.Int("revisions", len(outcome.Revisions)))
		if err := s.emitRevisions(ctx, outcome.Revisions); err != nil {
			return StockLot{}, err
		}
	}
	return lot, nil
}

// ConsumeInput names one costing request for a sale line.
type ConsumeInput struct {
	ProductID  int64
	SaleLineID int64
	Qty        decimal.Decimal
	// AsOf is the commercial date of the sale, not wall-clock time.
	AsOf time.Time
}

// Consume costs a sale line against the product's lot timeline, oldest lot
// first, and writes the result back onto the line. Stock shortage is not an
// error: the unsatisfied portion is priced at the product's fallback cost and
// reported through the result's warnings.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (ConsumptionResult, error) {
	if input.ProductID == 0 || input.SaleLineID == 0 {
		return ConsumptionResult{}, errors.New("costing: product and sale line required")
	}
	if !input.Qty.IsPositive() {
		return ConsumptionResult{}, ErrInvalidQuantity
	}
	asOf := input.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	release, err := s.acquireLease(ctx, input.ProductID)
	if err != nil {
		return ConsumptionResult{}, err
	}
	defer release()

	var result ConsumptionResult
	err = s.repo.WithProductTx(ctx, input.ProductID, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, input.ProductID)
		if err != nil {
			return err
		}
		result, err = consumeFIFO(ctx, tx, consumeParams{
			Product:    product,
			SaleLineID: input.SaleLineID,
			Qty:        input.Qty,
			AsOf:       asOf,
		})
		if err != nil {
			return err
		}
		return tx.UpdateSaleLineCost(ctx, input.SaleLineID, result.TotalCost)
	})
	if err != nil {
		return ConsumptionResult{}, err
	}

	if result.UsedFallbackCost {
		if s.metrics != nil {
			s.metrics.FallbackCostUsed()
		}
		s.logger.Warn("sale costed with fallback price",
			slog.Int64("product_id", input.ProductID),
			slog.Int64("sale_line_id", input.SaleLineID),
			slog.String("fallback_qty", result.FallbackQty.String()))
	}
	if s.ledger != nil {
		evt := CostPostedEvent{
			ProductID:        input.ProductID,
			SaleLineID:       input.SaleLineID,
			TotalCost:        result.TotalCost,
			UsedFallbackCost: result.UsedFallbackCost,
			PostedAt:         asOf,
		}
		if err := s.ledger.HandleCostPosted(ctx, evt); err != nil {
			return ConsumptionResult{}, err
		}
	}
	return result, nil
}

// ReverseSaleLine unwinds a sale line ahead of its edit or deletion: the
// line's consumptions are removed, the touched lots regain their quantities,
// its cost drops to zero, and every later sale of the product is replayed
// against the freed stock.
func (s *Service) ReverseSaleLine(ctx context.Context, productID, saleLineID int64) error {
	if productID == 0 || saleLineID == 0 {
		return errors.New("costing: product and sale line required")
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
		line, err := tx.GetSaleLine(ctx, saleLineID)
		if err != nil {
			return err
		}
		if line.ProductID != productID {
			return ErrSaleLineNotFound
		}
		trigger := fmt.Sprintf("sale line %d reversed", saleLineID)
		outcome, err = s.recalcLocked(ctx, tx, product, line.SaleDate, costaudit.ReasonBackdatedInvoice, trigger, saleLineID)
		return err
	})
	if err != nil {
		return err
	}
	return s.emitRevisions(ctx, outcome.Revisions)
}

// RetireLot takes a lot out of the FIFO queue. A lot nothing ever consumed
// from is deleted outright; one referenced by consumptions is only flagged,
// and the sales costed against it are replayed without it.
func (s *Service) RetireLot(ctx context.Context, productID, lotID int64, actorID int64) error {
	if productID == 0 || lotID == 0 {
		return errors.New("costing: product and lot required")
	}

	release, err := s.acquireLease(ctx, productID)
	if err != nil {
		return err
	}
	defer release()

	var (
		outcome recalcOutcome
		deleted bool
	)
	err = s.repo.WithProductTx(ctx, productID, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		lot, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.ProductID != productID {
			return ErrLotNotFound
		}
		refs, err := tx.CountLotConsumptions(ctx, lotID)
		if err != nil {
			return err
		}
		if refs == 0 {
			deleted = true
			return tx.DeleteLot(ctx, lotID)
		}
		if err := tx.RetireLot(ctx, lotID, time.Now().UTC()); err != nil {
			return err
		}
		trigger := fmt.Sprintf("lot %d retired", lotID)
		outcome, err = s.recalcLocked(ctx, tx, product, lot.LotDate, costaudit.ReasonRecalculation, trigger, 0)
		return err
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, actorID, "costing:lot:retire", lotID, map[string]any{
		"product_id": productID,
		"deleted":    deleted,
	})
	return s.emitRevisions(ctx, outcome.Revisions)
}

func (s *Service) acquireLease(ctx context.Context, productID int64) (func(), error) {
	if s.lease == nil {
		return func() {}, nil
	}
	return s.lease.Acquire(ctx, productID)
}

func (s *Service) emitRevisions(ctx context.Context, revisions []CostRevisedEvent) error {
	if s.ledger == nil {
		return nil
	}
	for _, rev := range revisions {
		if err := s.ledger.HandleCostRevised(ctx, rev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "costing",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
