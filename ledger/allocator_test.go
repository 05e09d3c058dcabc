package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// DEDUCT
// =============================================================================

func TestDeduct_ConsumesOldestLotFirst(t *testing.T) {
	// GIVEN: L1 (2024-01-01, qty 5) and L2 (2024-01-05, qty 5)
	f := newFixture(t, 5, 5)
	lots := f.lots(t)
	alloc := ledger.NewAllocator()

	// WHEN: 7 units are deducted
	allocs, err := alloc.Deduct(context.Background(), f.mem, f.product, 7)

	// THEN: L1 is emptied before L2 is touched
	require.NoError(t, err)
	assert.Equal(t, []ledger.Allocation{
		{LotID: lots[0].ID, Quantity: 5},
		{LotID: lots[1].ID, Quantity: 2},
	}, allocs)
	assert.Equal(t, []int{5, 2}, f.outs(t))
}

func TestDeduct_SameDateOrdersByID(t *testing.T) {
	// GIVEN: Two lots bought the same day
	f := newFixture(t)
	first := f.addLot(t, f.product, day(3), 2)
	f.addLot(t, f.product, day(3), 2)

	// WHEN
	allocs, err := ledger.NewAllocator().Deduct(context.Background(), f.mem, f.product, 1)

	// THEN: The lower id goes first
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, first.ID, allocs[0].LotID)
}

func TestDeduct_SkipsExhaustedLots(t *testing.T) {
	f := newFixture(t, 5, 5)
	alloc := ledger.NewAllocator()
	ctx := context.Background()

	_, err := alloc.Deduct(ctx, f.mem, f.product, 5)
	require.NoError(t, err)
	_, err = alloc.Deduct(ctx, f.mem, f.product, 3)
	require.NoError(t, err)

	assert.Equal(t, []int{5, 3}, f.outs(t))
}

func TestDeduct_InsufficientStockLeavesLotsUnchanged(t *testing.T) {
	// GIVEN: 10 units across two lots, 4 already out
	f := newFixture(t, 5, 5)
	alloc := ledger.NewAllocator()
	ctx := context.Background()
	_, err := alloc.Deduct(ctx, f.mem, f.product, 4)
	require.NoError(t, err)

	// WHEN: 7 more are requested
	_, err = alloc.Deduct(ctx, f.mem, f.product, 7)

	// THEN: The error carries the numbers and nothing moved
	var stockErr *ledger.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, f.product, stockErr.ProductID)
	assert.Equal(t, 6, stockErr.Available)
	assert.Equal(t, 7, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Shortfall())
	assert.True(t, errors.Is(err, ledger.ErrInsufficientStock))
	assert.True(t, ledger.IsClientError(err))
	assert.Equal(t, []int{4, 0}, f.outs(t))
}

func TestDeduct_ProductWithoutLots(t *testing.T) {
	f := newFixture(t)

	_, err := ledger.NewAllocator().Deduct(context.Background(), f.mem, f.product, 1)

	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
}

func TestDeduct_RejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t, 5)
	alloc := ledger.NewAllocator()

	for _, qty := range []int{0, -3} {
		_, err := alloc.Deduct(context.Background(), f.mem, f.product, qty)
		assert.ErrorIs(t, err, ledger.ErrValidation, "qty %d", qty)
	}
	assert.Equal(t, []int{0}, f.outs(t))
}

// =============================================================================
// RESTORE
// =============================================================================

func TestRestore_GivesBackNewestLotFirst(t *testing.T) {
	// GIVEN: L1 out 5, L2 out 2
	f := newFixture(t, 5, 5)
	alloc := ledger.NewAllocator()
	ctx := context.Background()
	_, err := alloc.Deduct(ctx, f.mem, f.product, 7)
	require.NoError(t, err)

	// WHEN: 3 units are restored
	allocs, err := alloc.Restore(ctx, f.mem, f.product, 3)

	// THEN: L2 is emptied, then L1 gives back 1
	require.NoError(t, err)
	assert.Len(t, allocs, 2)
	assert.Equal(t, []int{4, 0}, f.outs(t))
}

func TestRestore_MoreThanOutIsInvariantViolation(t *testing.T) {
	f := newFixture(t, 5)
	alloc := ledger.NewAllocator()
	ctx := context.Background()
	_, err := alloc.Deduct(ctx, f.mem, f.product, 2)
	require.NoError(t, err)

	_, err = alloc.Restore(ctx, f.mem, f.product, 3)

	var invErr *ledger.InvariantError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, "restore", invErr.Op)
	assert.Equal(t, 1, invErr.Remaining)
	assert.False(t, ledger.IsClientError(err))
}

func TestDeductRestore_RoundTrip(t *testing.T) {
	f := newFixture(t, 3, 4, 5)
	alloc := ledger.NewAllocator()
	ctx := context.Background()

	_, err := alloc.Deduct(ctx, f.mem, f.product, 9)
	require.NoError(t, err)
	_, err = alloc.Restore(ctx, f.mem, f.product, 9)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 0, 0}, f.outs(t))
}

func TestSortFIFO(t *testing.T) {
	lots := []ledger.StockLot{
		{ID: 3, PurchaseDate: day(5)},
		{ID: 2, PurchaseDate: day(1)},
		{ID: 1, PurchaseDate: day(5)},
	}

	ledger.SortFIFO(lots)

	assert.Equal(t, ledger.LotID(2), lots[0].ID)
	assert.Equal(t, ledger.LotID(1), lots[1].ID)
	assert.Equal(t, ledger.LotID(3), lots[2].ID)
}
