package ledger_test

import (
	"context"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nicktuk/HF-WEB/ledger"
	"github.com/nicktuk/HF-WEB/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fixture is one product with lots bought on 2024-01-01, 2024-01-05, ...
type fixture struct {
	mem     *store.Memory
	svc     *ledger.Service
	product ledger.ProductID
}

func newFixture(t *testing.T, lotQuantities ...int) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, lotQuantities...)
}

func newFixtureWith(t *testing.T, opts []ledger.Option, lotQuantities ...int) *fixture {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]ledger.Option{ledger.WithClock(stepClock())}, opts...)
	f := &fixture{mem: mem, svc: ledger.NewService(mem, opts...)}
	f.product = f.addProduct(t, "Widget", 60)
	for i, qty := range lotQuantities {
		f.addLot(t, f.product, day(1+4*i), qty)
	}
	return f
}

func (f *fixture) addProduct(t *testing.T, name string, price int64) ledger.ProductID {
	t.Helper()
	p, err := f.svc.UpsertProduct(context.Background(), ledger.Product{
		Name:          name,
		OriginalPrice: decimal.NewFromInt(price),
	})
	require.NoError(t, err)
	return p.ID
}

func (f *fixture) addLot(t *testing.T, product ledger.ProductID, date time.Time, qty int) ledger.StockLot {
	t.Helper()
	purchase, err := f.svc.CreatePurchase(context.Background(), ledger.PurchaseInput{
		Supplier:     "Acme",
		PurchaseDate: date,
		Lots: []ledger.LotInput{{
			ProductID: ledger.ProductRef(product),
			Quantity:  qty,
			UnitPrice: decimal.NewFromInt(40),
		}},
	})
	require.NoError(t, err)
	return purchase.Lots[0]
}

// outs returns the out quantity of every lot of the fixture product, FIFO order.
func (f *fixture) outs(t *testing.T) []int {
	t.Helper()
	return f.outsOf(t, f.product)
}

func (f *fixture) outsOf(t *testing.T, product ledger.ProductID) []int {
	t.Helper()
	lots, err := f.svc.ListLots(context.Background(), ledger.LotFilter{ProductID: ledger.ProductRef(product)})
	require.NoError(t, err)
	out := make([]int, len(lots))
	for i, lot := range lots {
		out[i] = lot.OutQuantity
	}
	return out
}

func (f *fixture) lots(t *testing.T) []ledger.StockLot {
	t.Helper()
	lots, err := f.svc.ListLots(context.Background(), ledger.LotFilter{ProductID: ledger.ProductRef(f.product)})
	require.NoError(t, err)
	return lots
}

// sell creates a one-line sale of the fixture product at 100 per unit.
func (f *fixture) sell(t *testing.T, qty int, delivered bool) *ledger.Sale {
	t.Helper()
	sale, err := f.svc.CreateSale(context.Background(), ledger.CreateSaleInput{
		Customer:  ledger.CustomerInfo{Name: "Ana"},
		Lines:     []ledger.LineInput{productLine(f.product, qty, 100)},
		Delivered: delivered,
	})
	require.NoError(t, err)
	return sale
}

func productLine(id ledger.ProductID, qty int, price int64) ledger.LineInput {
	return ledger.LineInput{
		ProductID: ledger.ProductRef(id),
		Quantity:  qty,
		UnitPrice: decimal.NewFromInt(price),
	}
}

func manualLine(name string, qty int, price int64) ledger.LineInput {
	return ledger.LineInput{
		ManualProductName: name,
		Quantity:          qty,
		UnitPrice:         decimal.NewFromInt(price),
	}
}

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

// stepClock advances one minute per call so created_at ordering is stable.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, time.February, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// requireBalanced checks the stock ledger against the sales book: no lot is
// overdrawn, unmatched lots hand out nothing, and per product the units out
// of lots equal the units delivered on sale lines.
func requireBalanced(t *testing.T, st ledger.Store) {
	t.Helper()
	ctx := context.Background()
	lots, err := st.ListLots(ctx, ledger.LotFilter{})
	require.NoError(t, err)
	sales, err := st.SalesChronological(ctx)
	require.NoError(t, err)

	out := make(map[ledger.ProductID]int)
	for _, lot := range lots {
		require.GreaterOrEqual(t, lot.OutQuantity, 0, "lot %d", lot.ID)
		require.LessOrEqual(t, lot.OutQuantity, lot.Quantity, "lot %d", lot.ID)
		if lot.ProductID == nil {
			require.Zero(t, lot.OutQuantity, "unmatched lot %d", lot.ID)
			continue
		}
		out[*lot.ProductID] += lot.OutQuantity
	}

	delivered := make(map[ledger.ProductID]int)
	for _, sale := range sales {
		for _, line := range sale.Lines {
			if line.ProductID != nil {
				delivered[*line.ProductID] += line.DeliveredQuantity
			}
		}
	}

	zero := func(_ ledger.ProductID, n int) bool { return n == 0 }
	maps.DeleteFunc(out, zero)
	maps.DeleteFunc(delivered, zero)
	require.Equal(t, delivered, out, "units out of lots vs units delivered")
}

// lockRecorder records the product of every LockLots call and the sale of
// every LockSale call made inside a transaction.
type lockRecorder struct {
	*store.Memory
	mu     sync.Mutex
	locked []ledger.ProductID
	sales  []ledger.SaleID
}

func (r *lockRecorder) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return r.Memory.WithTx(ctx, func(tx ledger.Store) error {
		return fn(&recordingTx{Store: tx, rec: r})
	})
}

func (r *lockRecorder) reset() []ledger.ProductID {
	r.mu.Lock()
	defer r.mu.Unlock()
	locked := r.locked
	r.locked = nil
	return locked
}

type recordingTx struct {
	ledger.Store
	rec *lockRecorder
}

func (tx *recordingTx) LockLots(ctx context.Context, id ledger.ProductID) ([]ledger.StockLot, error) {
	tx.rec.mu.Lock()
	tx.rec.locked = append(tx.rec.locked, id)
	tx.rec.mu.Unlock()
	return tx.Store.LockLots(ctx, id)
}

func (tx *recordingTx) LockSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	tx.rec.mu.Lock()
	tx.rec.sales = append(tx.rec.sales, id)
	tx.rec.mu.Unlock()
	return tx.Store.LockSale(ctx, id)
}

func requireMoney(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu         sync.Mutex
	moves      []move
	rejected   []ledger.ProductID
	mutations  []string
	reconciles int
}

type move struct {
	Product  ledger.ProductID
	Deducted int
	Restored int
}

func (o *recordingObserver) StockMoved(id ledger.ProductID, deducted, restored int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.moves = append(o.moves, move{id, deducted, restored})
}

func (o *recordingObserver) StockRejected(id ledger.ProductID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, id)
}

func (o *recordingObserver) SaleMutation(op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.mutations = append(o.mutations, op+":"+status)
}

func (o *recordingObserver) Reconciled(ledger.ReconciliationReport, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconciles++
}
