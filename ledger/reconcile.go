/*
reconcile.go - Full-history rebuild of lot consumption

PURPOSE:
  Repairs drift between lots and recorded deliveries (manual data edits,
  historical bugs, import corrections) by recomputing every lot's
  out_quantity from the sale history.

ALGORITHM:
  1. Lock the lot table and reset out_quantity = 0 on every lot (one statement).
  2. Load every sale ordered (created_at ASC, id ASC).
  3. For each line with a product and delivered_quantity > 0, consume lots
     with consumeFIFO, the same walk Allocator.Deduct uses. Each product keeps
     its own in-memory FIFO state across the single pass.
  4. Units that cannot be placed become a Shortage; the run continues.
  5. Persist the final out_quantity of every touched lot.

POLICY:
  - All-or-nothing: the rebuild runs in one transaction. Cancelling ctx is
    checked before each sale and rolls everything back.
  - Report only: shortages never modify the sale that caused them.
  - Exclusive: a Locker prevents concurrent runs; inside the transaction the
    lot table lock blocks live sale mutations until commit.
  - Idempotent: with no sale mutations in between, two runs produce the same
    lots and the same report.

SEE ALSO:
  - allocator.go: consumeFIFO
  - api/scheduler.go: Periodic runs
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const reconcileLockKey = "ledger:reconcile"

// Shortage is a recorded delivery the lots could not cover.
type Shortage struct {
	SaleID          SaleID
	LineID          LineID
	ProductID       ProductID
	MissingQuantity int
}

// ReconciliationReport summarizes one rebuild.
type ReconciliationReport struct {
	SalesProcessed int
	UnitsRequested int
	UnitsDeducted  int
	Shortages      []Shortage
}

// Rebuild replays sale history into the lots of store. store must be scoped
// to a transaction.
func Rebuild(ctx context.Context, store Store) (ReconciliationReport, error) {
	report := ReconciliationReport{Shortages: []Shortage{}}

	if err := store.LockLotTable(ctx); err != nil {
		return report, fmt.Errorf("lock lot table: %w", err)
	}
	if _, err := store.ResetLotConsumption(ctx); err != nil {
		return report, fmt.Errorf("reset lot consumption: %w", err)
	}

	sales, err := store.SalesChronological(ctx)
	if err != nil {
		return report, fmt.Errorf("load sales: %w", err)
	}

	queues := make(map[ProductID][]StockLot)
	for _, sale := range sales {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.SalesProcessed++

		for _, line := range sale.Lines {
			if line.ProductID == nil || line.DeliveredQuantity <= 0 {
				continue
			}
			productID := *line.ProductID

			lots, ok := queues[productID]
			if !ok {
				lots, err = store.LockLots(ctx, productID)
				if err != nil {
					return report, fmt.Errorf("lock lots for product %d: %w", productID, err)
				}
				for i := range lots {
					lots[i].OutQuantity = 0
				}
				queues[productID] = lots
			}

			report.UnitsRequested += line.DeliveredQuantity
			_, missing := consumeFIFO(lots, line.DeliveredQuantity)
			report.UnitsDeducted += line.DeliveredQuantity - missing
			if missing > 0 {
				report.Shortages = append(report.Shortages, Shortage{
					SaleID:          sale.ID,
					LineID:          line.ID,
					ProductID:       productID,
					MissingQuantity: missing,
				})
			}
		}
	}

	productIDs := make([]ProductID, 0, len(queues))
	for id := range queues {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	for _, id := range productIDs {
		for _, lot := range queues[id] {
			if lot.OutQuantity == 0 {
				continue
			}
			if err := store.SetLotOut(ctx, lot.ID, lot.OutQuantity); err != nil {
				return report, fmt.Errorf("set lot %d out quantity: %w", lot.ID, err)
			}
		}
	}
	return report, nil
}

// Reconcile rebuilds the whole ledger and records the run. Shortages are
// part of a successful report; an error means the run was rolled back.
func (s *Service) Reconcile(ctx context.Context) (ReconciliationReport, error) {
	release, err := s.locker.Acquire(ctx, reconcileLockKey)
	if err != nil {
		return ReconciliationReport{}, err
	}
	defer release()

	run := ReconciliationRun{ID: uuid.NewString(), StartedAt: s.now()}
	s.log.Info("reconciliation started", zap.String("run_id", run.ID))

	var report ReconciliationReport
	err = s.store.WithTx(ctx, func(tx Store) error {
		var rerr error
		report, rerr = Rebuild(ctx, tx)
		return rerr
	})

	run.CompletedAt = s.now()
	elapsed := run.CompletedAt.Sub(run.StartedAt)
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		report = ReconciliationReport{Shortages: []Shortage{}}
	} else {
		run.Status = RunCompleted
	}
	run.Report = report
	s.observer.Reconciled(report, elapsed, err)

	// Recorded outside the rebuild transaction so failed runs are kept too.
	// A cancelled ctx would drop the record, so it gets its own deadline.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := s.store.SaveReconciliationRun(saveCtx, run); serr != nil {
		s.log.Error("failed to record reconciliation run", zap.String("run_id", run.ID), zap.Error(serr))
	}

	if err != nil {
		s.log.Error("reconciliation failed", zap.String("run_id", run.ID), zap.Error(err))
		return ReconciliationReport{}, err
	}

	for _, sh := range report.Shortages {
		s.log.Warn("reconciliation shortage",
			zap.String("run_id", run.ID),
			zap.Int64("sale_id", int64(sh.SaleID)),
			zap.Int64("product_id", int64(sh.ProductID)),
			zap.Int("missing_quantity", sh.MissingQuantity))
	}
	s.log.Info("reconciliation completed",
		zap.String("run_id", run.ID),
		zap.Int("sales_processed", report.SalesProcessed),
		zap.Int("units_requested", report.UnitsRequested),
		zap.Int("units_deducted", report.UnitsDeducted),
		zap.Int("shortages", len(report.Shortages)),
		zap.Duration("elapsed", elapsed))
	return report, nil
}

// ListReconciliationRuns returns recorded runs, newest first.
func (s *Service) ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	return s.store.ListReconciliationRuns(ctx, limit)
}
