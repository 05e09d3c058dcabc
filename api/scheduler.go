/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically rebuilds lot consumption from sale history so drift left by
  out-of-band edits or failed writes is repaired without an operator.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on Start, then on every tick
  - Each run is bounded by Timeout and recorded by the service
  - A run already in progress (this process or, with the Redis locker,
    another replica) is skipped, not queued

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Timeout:  Upper bound for one run (default: 10 minutes)
  - Enabled:  Whether scheduler is active

USAGE:
  scheduler := NewReconciliationScheduler(svc, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual reconciliation)
  - ledger/reconcile.go: Rebuild
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktuk/HF-WEB/ledger"
)

// Reconciler is the part of ledger.Service the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context) (ledger.ReconciliationReport, error)
}

// ReconciliationScheduler handles automated reconciliation.
type ReconciliationScheduler struct {
	Service  Reconciler
	Interval time.Duration
	Timeout  time.Duration
	Enabled  bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(svc Reconciler, log *zap.Logger) *ReconciliationScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Service:  svc,
		Interval: time.Hour,
		Timeout:  10 * time.Minute,
		Enabled:  true,
		log:      log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.log.Info("started", zap.Duration("interval", rs.Interval), zap.Duration("timeout", rs.Timeout))
}

// Stop stops the scheduler and cancels a run in progress, which rolls back.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.cancel()
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info("stopped")
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one bounded reconciliation and reports whether it completed.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) bool {
	if rs.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.Timeout)
		defer cancel()
	}

	report, err := rs.Service.Reconcile(ctx)
	switch {
	case errors.Is(err, ledger.ErrReconciliationRunning):
		rs.log.Info("skipped, reconciliation already running")
		return false
	case err != nil:
		rs.log.Error("reconciliation failed", zap.Error(err))
		return false
	}
	if len(report.Shortages) > 0 {
		rs.log.Warn("reconciliation completed with shortages",
			zap.Int("shortages", len(report.Shortages)),
			zap.Int("units_requested", report.UnitsRequested),
			zap.Int("units_deducted", report.UnitsDeducted))
	}
	return true
}
