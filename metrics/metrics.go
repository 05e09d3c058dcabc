// Package metrics exposes ledger activity to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktuk/HF-WEB/ledger"
)

const namespace = "ledger"

// Ledger implements ledger.Observer on a private registry.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Ledger struct {
	registry *prometheus.Registry

	unitsDeducted     *prometheus.CounterVec
	unitsRestored     *prometheus.CounterVec
	stockRejections   *prometheus.CounterVec
	saleMutations     *prometheus.CounterVec
	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	lastShortages     prometheus.Gauge
	lastSuccess       prometheus.Gauge
}

var _ ledger.Observer = (*Ledger)(nil)

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Ledger {
	m := &Ledger{
		registry: prometheus.NewRegistry(),
		unitsDeducted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_deducted_total",
			Help:      "Units allocated from stock lots to deliveries.",
		}, []string{"product_id"}),
		unitsRestored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_restored_total",
			Help:      "Units returned to stock lots by reversed deliveries.",
		}, []string{"product_id"}),
		stockRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_stock_total",
			Help:      "Deliveries rejected for lack of stock.",
		}, []string{"product_id"}),
		saleMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sale_mutations_total",
			Help:      "Sale create/update/delete calls by outcome.",
		}, []string{"op", "result"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_runs_total",
			Help:      "Reconciliation runs by status.",
		}, []string{"status"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Wall time of reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		lastShortages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_shortages",
			Help:      "Shortages reported by the last successful reconciliation.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful reconciliation.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.unitsDeducted,
		m.unitsRestored,
		m.stockRejections,
		m.saleMutations,
		m.reconcileRuns,
		m.reconcileDuration,
		m.lastShortages,
		m.lastSuccess,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Ledger) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Ledger) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Ledger) StockMoved(productID ledger.ProductID, deducted, restored int) {
	label := productLabel(productID)
	if deducted > 0 {
		m.unitsDeducted.WithLabelValues(label).Add(float64(deducted))
	}
	if restored > 0 {
		m.unitsRestored.WithLabelValues(label).Add(float64(restored))
	}
}

func (m *Ledger) StockRejected(productID ledger.ProductID) {
	m.stockRejections.WithLabelValues(productLabel(productID)).Inc()
}

func (m *Ledger) SaleMutation(op string, err error) {
	m.saleMutations.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Ledger) Reconciled(report ledger.ReconciliationReport, elapsed time.Duration, err error) {
	m.reconcileDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.reconcileRuns.WithLabelValues(string(ledger.RunFailed)).Inc()
		return
	}
	m.reconcileRuns.WithLabelValues(string(ledger.RunCompleted)).Inc()
	m.lastShortages.Set(float64(len(report.Shortages)))
	m.lastSuccess.SetToCurrentTime()
}

func productLabel(id ledger.ProductID) string {
	return strconv.FormatInt(int64(id), 10)
}

// outcome buckets an error into a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrValidation):
		return "invalid"
	case errors.Is(err, ledger.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}
