/*
allocator.go - FIFO deduction and LIFO restoration across a product's lots

PURPOSE:
  Deduct and Restore are the only primitives that move units between "in
  stock" and "out" on live operations. They operate on a Store scoped to the
  caller's transaction, so a failure anywhere in the caller rolls the lot
  changes back with everything else.

ORDERING:
  Deduct walks lots (purchase_date ASC, id ASC): stock leaves in the order it
  was bought.
  Restore walks lots (purchase_date DESC, id DESC): the most recent
  commitment is unwound first.

EXAMPLE:
  Lots L1(2024-01-01, qty 5), L2(2024-01-05, qty 5)
  Deduct(P, 7)   -> L1 out 5, L2 out 2
  Restore(P, 3)  -> L2 out 0, L1 out 4

FAILURE MODES:
  - available < requested:  *InsufficientStockError, nothing written
  - lots exhausted after the precheck passed: *InvariantError
  - a conditional update matched no row: ErrConcurrentModification

SEE ALSO:
  - line.go: The state machine that calls Deduct/Restore
  - reconcile.go: Reuses consumeFIFO for the history replay
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
)

// Allocation is the units moved on one lot.
type Allocation struct {
	LotID    LotID
	Quantity int
}

// SortFIFO orders lots (purchase_date ASC, id ASC).
func SortFIFO(lots []StockLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].PurchaseDate.Equal(lots[j].PurchaseDate) {
			return lots[i].PurchaseDate.Before(lots[j].PurchaseDate)
		}
		return lots[i].ID < lots[j].ID
	})
}

// TotalAvailable sums the unallocated units of lots.
func TotalAvailable(lots []StockLot) int {
	total := 0
	for _, lot := range lots {
		total += lot.Available()
	}
	return total
}

// consumeFIFO takes up to quantity units from lots, which must be in FIFO
// order, updating OutQuantity in place. It returns the allocations made and
// the units it could not place.
func consumeFIFO(lots []StockLot, quantity int) ([]Allocation, int) {
	var allocs []Allocation
	remaining := quantity
	for i := range lots {
		if remaining == 0 {
			break
		}
		take := min(lots[i].Available(), remaining)
		if take <= 0 {
			continue
		}
		lots[i].OutQuantity += take
		remaining -= take
		allocs = append(allocs, Allocation{LotID: lots[i].ID, Quantity: take})
	}
	return allocs, remaining
}

// releaseLIFO gives back up to quantity units starting from the newest lot.
func releaseLIFO(lots []StockLot, quantity int) ([]Allocation, int) {
	var allocs []Allocation
	remaining := quantity
	for i := len(lots) - 1; i >= 0; i-- {
		if remaining == 0 {
			break
		}
		give := min(lots[i].OutQuantity, remaining)
		if give <= 0 {
			continue
		}
		lots[i].OutQuantity -= give
		remaining -= give
		allocs = append(allocs, Allocation{LotID: lots[i].ID, Quantity: give})
	}
	return allocs, remaining
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocator implements deduct/restore over a transaction-scoped LotStore.
// It is stateless and safe for concurrent use.
type Allocator struct{}

func NewAllocator() *Allocator { return &Allocator{} }

// Deduct allocates quantity units of a product to deliveries, oldest lots first.
func (a *Allocator) Deduct(ctx context.Context, lots LotStore, productID ProductID, quantity int) ([]Allocation, error) {
	if quantity <= 0 {
		return nil, invalid("quantity", "deduct quantity must be positive, got %d", quantity)
	}

	locked, err := lots.LockLots(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("lock lots for product %d: %w", productID, err)
	}

	available := TotalAvailable(locked)
	if available < quantity {
		return nil, &InsufficientStockError{
			ProductID: productID,
			Available: available,
			Requested: quantity,
		}
	}

	allocs, remaining := consumeFIFO(locked, quantity)
	if remaining > 0 {
		return nil, &InvariantError{Op: "deduct", ProductID: productID, Remaining: remaining}
	}

	for _, alloc := range allocs {
		if err := lots.AdjustLotOut(ctx, alloc.LotID, alloc.Quantity); err != nil {
			return nil, fmt.Errorf("deduct %d from lot %d: %w", alloc.Quantity, alloc.LotID, err)
		}
	}
	return allocs, nil
}

// Restore returns quantity units of a product to stock, newest lots first.
// Callers never ask for more than they previously deducted.
func (a *Allocator) Restore(ctx context.Context, lots LotStore, productID ProductID, quantity int) ([]Allocation, error) {
	if quantity <= 0 {
		return nil, invalid("quantity", "restore quantity must be positive, got %d", quantity)
	}

	locked, err := lots.LockLots(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("lock lots for product %d: %w", productID, err)
	}

	allocs, remaining := releaseLIFO(locked, quantity)
	if remaining > 0 {
		return nil, &InvariantError{Op: "restore", ProductID: productID, Remaining: remaining}
	}

	for _, alloc := range allocs {
		if err := lots.AdjustLotOut(ctx, alloc.LotID, -alloc.Quantity); err != nil {
			return nil, fmt.Errorf("restore %d to lot %d: %w", alloc.Quantity, alloc.LotID, err)
		}
	}
	return allocs, nil
}
