package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktuk/HF-WEB/ledger"
)

func TestSummarize(t *testing.T) {
	p1, p2, p3 := ledger.ProductID(1), ledger.ProductID(2), ledger.ProductID(3)
	lots := []ledger.StockLot{
		{ID: 10, ProductID: &p1, Quantity: 10, OutQuantity: 4},
		{ID: 11, ProductID: &p1, Quantity: 5, OutQuantity: 0},
		{ID: 12, ProductID: &p2, Quantity: 2, OutQuantity: 0},
		{ID: 13, Quantity: 50}, // unmatched lot
	}
	lines := []ledger.SaleLine{
		{ID: 1, ProductID: &p1, Quantity: 3, DeliveredQuantity: 1, UnitPrice: decimal.NewFromInt(100)},
		{ID: 2, ProductID: &p2, Quantity: 5, DeliveredQuantity: 0, UnitPrice: decimal.NewFromInt(10)},
		{ID: 3, ManualProductName: "Wrap", Quantity: 9, UnitPrice: decimal.NewFromInt(1)},
	}
	products := map[ledger.ProductID]ledger.Product{
		p1: {ID: p1, OriginalPrice: decimal.NewFromInt(60)},
		p2: {ID: p2, OriginalPrice: decimal.NewFromInt(7)},
	}

	out := ledger.Summarize([]ledger.ProductID{p1, p2, p3}, lots, lines, products)

	require.Len(t, out, 3)

	// 11 in stock, 2 reserved -> 9 free @ 60
	assert.Equal(t, 11, out[p1].StockQty)
	assert.Equal(t, 2, out[p1].ReservedQty)
	requireMoney(t, 200, out[p1].ReservedSaleValue)
	requireMoney(t, 540, out[p1].StockValue)

	// Over-reserved: value floors at zero
	assert.Equal(t, 2, out[p2].StockQty)
	assert.Equal(t, 5, out[p2].ReservedQty)
	requireMoney(t, 50, out[p2].ReservedSaleValue)
	requireMoney(t, 0, out[p2].StockValue)

	// Unknown product: zero entry
	assert.Equal(t, 0, out[p3].StockQty)
	requireMoney(t, 0, out[p3].OriginalPrice)
	requireMoney(t, 0, out[p3].StockValue)
}

func TestGetStockSummary_FollowsSaleLifecycle(t *testing.T) {
	// GIVEN: 10 units at original price 60
	f := newFixture(t, 10)
	ctx := context.Background()

	// WHEN: 3 units are sold but not delivered
	sale := f.sell(t, 3, false)
	sum, err := f.svc.GetStockSummary(ctx, []ledger.ProductID{f.product})
	require.NoError(t, err)

	// THEN: Stock is untouched and 3 are reserved
	got := sum[f.product]
	assert.Equal(t, 10, got.StockQty)
	assert.Equal(t, 3, got.ReservedQty)
	requireMoney(t, 300, got.ReservedSaleValue)
	requireMoney(t, 420, got.StockValue)

	// WHEN: The sale is delivered
	_, err = f.svc.UpdateSale(ctx, sale.ID, ledger.SaleUpdate{Delivered: boolPtr(true)})
	require.NoError(t, err)
	sum, err = f.svc.GetStockSummary(ctx, []ledger.ProductID{f.product})
	require.NoError(t, err)

	// THEN: The units left stock and are no longer reserved
	got = sum[f.product]
	assert.Equal(t, 7, got.StockQty)
	assert.Equal(t, 0, got.ReservedQty)
	requireMoney(t, 0, got.ReservedSaleValue)
	requireMoney(t, 420, got.StockValue)
}

func TestGetStockSummary_DuplicateAndEmptyIDs(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	sum, err := f.svc.GetStockSummary(ctx, []ledger.ProductID{f.product, f.product})
	require.NoError(t, err)
	assert.Len(t, sum, 1)
	assert.Equal(t, 4, sum[f.product].StockQty)

	sum, err = f.svc.GetStockSummary(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, sum)
}
