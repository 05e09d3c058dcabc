package ledger

import (
	"context"
	"fmt"
)

// LineMachine owns the two transitions a sale line supports: delivered
// quantity and paid flag. Every change to a line's delivery, including sale
// creation and deletion, goes through SetDeliveredQuantity so stock moves
// exactly by the difference between the old and new quantity.
type LineMachine struct {
	alloc *Allocator
}

func NewLineMachine(alloc *Allocator) *LineMachine {
	return &LineMachine{alloc: alloc}
}

// SetDeliveredQuantity moves line to target delivered units. It deducts or
// restores only the delta, so 0 -> 4 -> 2 nets to a single deduct of 2.
// Manual lines never touch stock. It returns the signed stock movement.
func (m *LineMachine) SetDeliveredQuantity(ctx context.Context, store Store, line *SaleLine, target int) (int, error) {
	if target < 0 || target > line.Quantity {
		return 0, invalid("delivered_quantity", "must be between 0 and %d, got %d", line.Quantity, target)
	}

	delta := target - line.DeliveredQuantity
	if delta == 0 {
		return 0, nil
	}

	moved := 0
	if !line.IsManual() {
		var err error
		if delta > 0 {
			_, err = m.alloc.Deduct(ctx, store, *line.ProductID, delta)
		} else {
			_, err = m.alloc.Restore(ctx, store, *line.ProductID, -delta)
		}
		if err != nil {
			return 0, err
		}
		moved = delta
	}

	line.DeliveredQuantity = target
	if err := store.UpdateLine(ctx, line); err != nil {
		return 0, fmt.Errorf("update line %d: %w", line.ID, err)
	}
	return moved, nil
}

// SetPaid flips the line's paid flag. No stock effect.
func (m *LineMachine) SetPaid(ctx context.Context, store Store, line *SaleLine, paid bool) error {
	if line.IsPaid == paid {
		return nil
	}
	line.IsPaid = paid
	if err := store.UpdateLine(ctx, line); err != nil {
		return fmt.Errorf("update line %d: %w", line.ID, err)
	}
	return nil
}
