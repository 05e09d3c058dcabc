package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeFIFO_PartialWhenLotsRunOut(t *testing.T) {
	lots := []StockLot{
		{ID: 1, Quantity: 2, OutQuantity: 1},
		{ID: 2, Quantity: 3},
	}

	allocs, remaining := consumeFIFO(lots, 6)

	assert.Equal(t, 2, remaining)
	assert.Equal(t, []Allocation{{LotID: 1, Quantity: 1}, {LotID: 2, Quantity: 3}}, allocs)
	assert.Equal(t, 2, lots[0].OutQuantity)
	assert.Equal(t, 3, lots[1].OutQuantity)
}

func TestReleaseLIFO(t *testing.T) {
	lots := []StockLot{
		{ID: 1, Quantity: 5, OutQuantity: 5},
		{ID: 2, Quantity: 5, OutQuantity: 2},
	}

	allocs, remaining := releaseLIFO(lots, 3)

	assert.Zero(t, remaining)
	assert.Equal(t, []Allocation{{LotID: 2, Quantity: 2}, {LotID: 1, Quantity: 1}}, allocs)
}

func TestLineKey(t *testing.T) {
	assert.Equal(t, "p:7", lineKey(ProductRef(7), ""))
	assert.Equal(t, lineKey(nil, "Gift Wrap"), lineKey(nil, "  gift wrap "))
}

func TestSaleRecompute(t *testing.T) {
	sale := &Sale{}
	sale.Recompute()
	assert.False(t, sale.Delivered, "a sale with no lines is never delivered")
	assert.False(t, sale.Paid)

	sale.Lines = []SaleLine{
		{Quantity: 2, DeliveredQuantity: 2, IsPaid: true, TotalPrice: decimalInt(20)},
		{Quantity: 1, DeliveredQuantity: 1, TotalPrice: decimalInt(5)},
	}
	sale.Recompute()
	assert.True(t, sale.Delivered)
	assert.False(t, sale.Paid)
	assert.True(t, sale.TotalAmount.Equal(decimalInt(25)))
	assert.True(t, sale.PaidAmount.Equal(decimalInt(20)))
}

func TestProcessLocker_Exclusive(t *testing.T) {
	l := &processLocker{}
	ctx := context.Background()

	release, err := l.Acquire(ctx, reconcileLockKey)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, reconcileLockKey)
	assert.ErrorIs(t, err, ErrReconciliationRunning)

	release()
	release2, err := l.Acquire(ctx, reconcileLockKey)
	require.NoError(t, err)
	release2()
}

// lineOnlyStore fails any stock access, proving manual lines never reach it.
type lineOnlyStore struct {
	Store
	updates int
}

func (s *lineOnlyStore) UpdateLine(context.Context, *SaleLine) error {
	s.updates++
	return nil
}

func TestSetDeliveredQuantity_ManualLine(t *testing.T) {
	m := NewLineMachine(NewAllocator())
	store := &lineOnlyStore{}
	line := &SaleLine{ID: 1, ManualProductName: "Service", Quantity: 4}

	moved, err := m.SetDeliveredQuantity(context.Background(), store, line, 4)

	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Equal(t, 4, line.DeliveredQuantity)
	assert.Equal(t, 1, store.updates)

	moved, err = m.SetDeliveredQuantity(context.Background(), store, line, 4)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Equal(t, 1, store.updates, "same target is a no-op")

	_, err = m.SetDeliveredQuantity(context.Background(), store, line, 5)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 4, line.DeliveredQuantity)
}

func TestSetPaid_NoopWhenUnchanged(t *testing.T) {
	m := NewLineMachine(NewAllocator())
	store := &lineOnlyStore{}
	line := &SaleLine{ID: 1, ProductID: ProductRef(3), Quantity: 1}

	require.NoError(t, m.SetPaid(context.Background(), store, line, false))
	assert.Zero(t, store.updates)
	require.NoError(t, m.SetPaid(context.Background(), store, line, true))
	assert.True(t, line.IsPaid)
	assert.Equal(t, 1, store.updates)
}

func decimalInt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
