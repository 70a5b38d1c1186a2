package costing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/costaudit"
)

func TestBackdatedPurchaseCorrectsZeroCostSale(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	repo.addSaleLine(10, 1, day("2025-06-10"), "1")
	svc := newTestService(repo)
	ctx := context.Background()

	// Sold before any stock was recorded: no lots, fallback 0.
	result, err := svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("1"), AsOf: day("2025-06-10")})
	require.NoError(t, err)
	require.True(t, result.TotalCost.IsZero())
	require.True(t, result.UsedFallbackCost)

	// The missing purchase arrives, dated before the sale.
	lot, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("10"), UnitCost: d("500")})
	require.NoError(t, err)

	require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(d("500")))
	require.True(t, repo.lotByID(lot.ID).RemainingQty.Equal(d("9")))

	require.Len(t, repo.auditEntries, 1)
	entry := repo.auditEntries[0]
	require.Equal(t, costaudit.ReasonBackdatedPurchase, entry.Reason)
	require.Equal(t, int64(10), entry.SaleLineID)
	require.True(t, entry.OldCost.IsZero())
	require.True(t, entry.NewCost.Equal(d("500")))
	require.True(t, entry.Delta.Equal(d("500")))
}

func TestBackdatedPurchaseReplaysConsumedSales(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-05"), Qty: d("10"), UnitCost: d("20")})
	require.NoError(t, err)

	repo.addSaleLine(10, 1, day("2025-06-10"), "10")
	result, err := svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("10"), AsOf: day("2025-06-10")})
	require.NoError(t, err)
	require.True(t, result.TotalCost.Equal(d("200")))

	// A cheaper purchase surfaces, dated before the one already consumed.
	backdated, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("10"), UnitCost: d("10")})
	require.NoError(t, err)

	// FIFO now starts at the earlier lot, so the sale re-costs cheaper.
	require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(d("100")))
	require.True(t, repo.lotByID(backdated.ID).RemainingQty.IsZero())
	require.True(t, repo.lotByID(first.ID).RemainingQty.Equal(d("10")))

	require.Len(t, repo.auditEntries, 1)
	entry := repo.auditEntries[0]
	require.Equal(t, costaudit.ReasonBackdatedPurchase, entry.Reason)
	require.True(t, entry.OldCost.Equal(d("200")))
	require.True(t, entry.NewCost.Equal(d("100")))
	require.True(t, entry.Delta.Equal(d("-100")))
}

func TestRecalculationIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("6"), UnitCost: d("10")})
	require.NoError(t, err)
	_, err = svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-02"), Qty: d("6"), UnitCost: d("12")})
	require.NoError(t, err)

	repo.addSaleLine(10, 1, day("2025-06-03"), "4")
	repo.addSaleLine(11, 1, day("2025-06-04"), "5")
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("4"), AsOf: day("2025-06-03")})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 11, Qty: d("5"), AsOf: day("2025-06-04")})
	require.NoError(t, err)

	costBefore10 := repo.saleLines[10].CostOfGoodsSold
	costBefore11 := repo.saleLines[11].CostOfGoodsSold
	auditBefore := len(repo.auditEntries)
	remaindersBefore := make(map[int64]decimal.Decimal)
	for _, lot := range repo.lots {
		remaindersBefore[lot.ID] = lot.RemainingQty
	}

	// Replaying unchanged history must produce identical costs and write
	// no audit entries.
	err = svc.RecalculateFrom(ctx, 1, day("2025-06-01"), costaudit.ReasonRecalculation, "consistency check")
	require.NoError(t, err)

	require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(costBefore10))
	require.True(t, repo.saleLines[11].CostOfGoodsSold.Equal(costBefore11))
	require.Len(t, repo.auditEntries, auditBefore)
	for _, lot := range repo.lots {
		require.True(t, lot.RemainingQty.Equal(remaindersBefore[lot.ID]),
			"lot %d remainder drifted", lot.ID)
	}
}

func TestReplaySameDateSalesKeepCreationOrder(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	cheap, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("5"), UnitCost: d("10")})
	require.NoError(t, err)
	dear, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-02"), Qty: d("5"), UnitCost: d("20")})
	require.NoError(t, err)

	// Two sales on the same date. The lower id was created first and must
	// keep drawing the cheaper lot, replay after replay.
	repo.addSaleLine(10, 1, day("2025-06-05"), "5")
	repo.addSaleLine(11, 1, day("2025-06-05"), "5")
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("5"), AsOf: day("2025-06-05")})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 11, Qty: d("5"), AsOf: day("2025-06-05")})
	require.NoError(t, err)

	for run := 0; run < 2; run++ {
		err = svc.RecalculateFrom(ctx, 1, day("2025-06-05"), costaudit.ReasonRecalculation, "stability check")
		require.NoError(t, err)
		require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(d("50")), "run %d", run)
		require.True(t, repo.saleLines[11].CostOfGoodsSold.Equal(d("100")), "run %d", run)
	}
	require.Empty(t, repo.auditEntries)

	for _, c := range repo.consumptions {
		switch c.SaleLineID {
		case 10:
			require.Equal(t, cheap.ID, c.LotID)
		case 11:
			require.Equal(t, dear.ID, c.LotID)
		}
	}
}

func TestReverseSaleLineRestoresLotsAndReplaysLaterSales(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	l1, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("5"), UnitCost: d("10")})
	require.NoError(t, err)
	l2, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-02"), Qty: d("5"), UnitCost: d("20")})
	require.NoError(t, err)

	repo.addSaleLine(10, 1, day("2025-06-03"), "7")
	repo.addSaleLine(11, 1, day("2025-06-04"), "3")
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("7"), AsOf: day("2025-06-03")})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 11, Qty: d("3"), AsOf: day("2025-06-04")})
	require.NoError(t, err)
	require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(d("90")))
	require.True(t, repo.saleLines[11].CostOfGoodsSold.Equal(d("60")))

	err = svc.ReverseSaleLine(ctx, 1, 10)
	require.NoError(t, err)

	// The reversed line's 7 units went back; the later sale re-costed
	// against the freed cheap lot.
	require.True(t, repo.saleLines[10].CostOfGoodsSold.IsZero())
	require.True(t, repo.saleLines[11].CostOfGoodsSold.Equal(d("30")))
	require.True(t, repo.lotByID(l1.ID).RemainingQty.Equal(d("2")))
	require.True(t, repo.lotByID(l2.ID).RemainingQty.Equal(d("5")))

	for _, c := range repo.consumptions {
		require.NotEqual(t, int64(10), c.SaleLineID, "reversed line must hold no consumptions")
	}

	require.Len(t, repo.auditEntries, 2)
	for _, entry := range repo.auditEntries {
		require.Equal(t, costaudit.ReasonBackdatedInvoice, entry.Reason)
	}
}

func TestRetireLotWithoutConsumptionsDeletes(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.CreateLotFromTransfer(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("5"), UnitCost: d("10")})
	require.NoError(t, err)

	err = svc.RetireLot(ctx, 1, lot.ID, 0)
	require.NoError(t, err)
	require.Nil(t, repo.lotByID(lot.ID))
	require.Empty(t, repo.auditEntries)
}

func TestRetireConsumedLotReplaysAgainstSurvivors(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	l1, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("5"), UnitCost: d("10")})
	require.NoError(t, err)
	l2, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-02"), Qty: d("5"), UnitCost: d("20")})
	require.NoError(t, err)

	repo.addSaleLine(10, 1, day("2025-06-03"), "5")
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("5"), AsOf: day("2025-06-03")})
	require.NoError(t, err)
	require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(d("50")))

	err = svc.RetireLot(ctx, 1, l1.ID, 0)
	require.NoError(t, err)

	retired := repo.lotByID(l1.ID)
	require.NotNil(t, retired, "consumed lot is flagged, not deleted")
	require.True(t, retired.Retired())
	require.True(t, retired.RemainingQty.Equal(d("5")), "unwind returned its stock before retirement took effect")

	require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(d("100")))
	require.True(t, repo.lotByID(l2.ID).RemainingQty.IsZero())

	require.Len(t, repo.auditEntries, 1)
	require.Equal(t, costaudit.ReasonRecalculation, repo.auditEntries[0].Reason)
}

func TestRecalculationSkipsWhenNoSalesInWindow(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("5"), UnitCost: d("10")})
	require.NoError(t, err)

	err = svc.RecalculateFrom(ctx, 1, day("2025-06-01"), costaudit.ReasonRecalculation, "noop")
	require.NoError(t, err)
	require.Empty(t, repo.auditEntries)
	require.Empty(t, repo.consumptions)
}

func TestRecalculateRejectsInvalidReason(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)

	err := svc.RecalculateFrom(context.Background(), 1, day("2025-06-01"), costaudit.Reason("bogus"), "")
	require.ErrorIs(t, err, costaudit.ErrInvalidReason)
}

func TestRepairZeroCostSales(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	repo.addSaleLine(10, 1, day("2025-06-10"), "2")
	_, err := svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("2"), AsOf: day("2025-06-10")})
	require.NoError(t, err)
	require.True(t, repo.saleLines[10].CostOfGoodsSold.IsZero())

	ids, err := svc.ProductsWithZeroCostSales(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)

	// Stock recorded through a channel that bypassed the constructors.
	repo.nextLotID++
	repo.lots = append(repo.lots, &StockLot{
		ID:           repo.nextLotID,
		ProductID:    1,
		Source:       LotSourcePurchase,
		LotDate:      day("2025-06-01"),
		UnitCost:     d("30"),
		InitialQty:   d("10"),
		RemainingQty: d("10"),
	})

	repaired, err := svc.RepairZeroCostSales(ctx, 1)
	require.NoError(t, err)
	require.True(t, repaired)

	require.True(t, repo.saleLines[10].CostOfGoodsSold.Equal(d("60")))
	require.Len(t, repo.auditEntries, 1)
	require.Equal(t, costaudit.ReasonZeroCogsFix, repo.auditEntries[0].Reason)

	ids, err = svc.ProductsWithZeroCostSales(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	// Nothing left to repair.
	repaired, err = svc.RepairZeroCostSales(ctx, 1)
	require.NoError(t, err)
	require.False(t, repaired)
}

func TestIsBackdated(t *testing.T) {
	repo := newMemoryRepo()
	repo.addProduct(1, "0")
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.CreateLotFromPurchase(ctx, LotInput{ProductID: 1, LotDate: day("2025-06-01"), Qty: d("5"), UnitCost: d("10")})
	require.NoError(t, err)

	repo.addSaleLine(10, 1, day("2025-06-05"), "2")
	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, SaleLineID: 10, Qty: d("2"), AsOf: day("2025-06-05")})
	require.NoError(t, err)

	backdated, err := svc.IsBackdated(ctx, 1, day("2025-06-03"))
	require.NoError(t, err)
	require.True(t, backdated, "event dated before an already-costed sale")

	backdated, err = svc.IsBackdated(ctx, 1, day("2025-06-05"))
	require.NoError(t, err)
	require.False(t, backdated, "same-day events are not backdated")

	backdated, err = svc.IsBackdated(ctx, 1, day("2025-06-09"))
	require.NoError(t, err)
	require.False(t, backdated)
}
