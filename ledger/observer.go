package ledger

import (
	"context"
	"sync"
	"time"
)

// Observer receives ledger activity after it has been committed.
// metrics.Ledger is the production implementation.
type Observer interface {
	StockMoved(productID ProductID, deducted, restored int)
	StockRejected(productID ProductID)
	SaleMutation(op string, err error)
	Reconciled(report ReconciliationReport, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) StockMoved(ProductID, int, int) {}
func (nopObserver) StockRejected(ProductID) {}
func (nopObserver) SaleMutation(string, error) {}
func (nopObserver) Reconciled(ReconciliationReport, time.Duration, error) {}

// Locker guards reconciliation runs. Acquire fails fast with
// ErrReconciliationRunning when the key is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// processLocker is the default Locker: exclusive within one process.
type processLocker struct {
	mu sync.Mutex
}

func (l *processLocker) Acquire(_ context.Context, _ string) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrReconciliationRunning
	}
	return l.mu.Unlock, nil
}
