/*
sqlstore_test.go - Tests for the SQL store

Tests for:
- Full sale lifecycle on SQLite (:memory:) through ledger.Service
- Rollback of a rejected mutation
- Concurrent sales on a file-backed SQLite database keep lots balanced
- Reconciliation runs round-trip
- PostgreSQL statements (FOR UPDATE, conditional update, table lock,
  sequence repair, deadlock mapping) via sqlmock
*/
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, time.February, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type env struct {
	store   *Store
	svc     *ledger.Service
	product ledger.ProductID
}

// newEnv seeds one product with lots of 5 bought 2024-01-01 and 2024-01-05.
func newEnv(t *testing.T) *env {
	t.Helper()
	return seedEnv(t, newTestStore(t))
}

func seedEnv(t *testing.T, store *Store) *env {
	t.Helper()
	svc := ledger.NewService(store, ledger.WithClock(stepClock()))
	ctx := context.Background()

	p, err := svc.UpsertProduct(ctx, ledger.Product{Name: "Widget", OriginalPrice: decimal.NewFromInt(60)})
	require.NoError(t, err)

	for _, d := range []int{1, 5} {
		_, err := svc.CreatePurchase(ctx, ledger.PurchaseInput{
			Supplier:     "Acme",
			PurchaseDate: time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC),
			Lots: []ledger.LotInput{{
				ProductID: ledger.ProductRef(p.ID),
				Quantity:  5,
				UnitPrice: decimal.RequireFromString("40.50"),
			}},
		})
		require.NoError(t, err)
	}
	return &env{store: store, svc: svc, product: p.ID}
}

func (e *env) outs(t *testing.T) []int {
	t.Helper()
	lots, err := e.store.ListLots(context.Background(), ledger.LotFilter{ProductID: ledger.ProductRef(e.product)})
	require.NoError(t, err)
	out := make([]int, len(lots))
	for i, lot := range lots {
		out[i] = lot.OutQuantity
	}
	return out
}

// requireBalanced checks that no lot is overdrawn and that, per product, the
// units out of lots equal the units delivered on sale lines.
func requireBalanced(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	lots, err := store.ListLots(ctx, ledger.LotFilter{})
	require.NoError(t, err)
	sales, err := store.SalesChronological(ctx)
	require.NoError(t, err)

	out := make(map[ledger.ProductID]int)
	for _, lot := range lots {
		require.GreaterOrEqual(t, lot.OutQuantity, 0, "lot %d", lot.ID)
		require.LessOrEqual(t, lot.OutQuantity, lot.Quantity, "lot %d", lot.ID)
		if lot.ProductID != nil {
			out[*lot.ProductID] += lot.OutQuantity
		}
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

func (e *env) line(qty int) ledger.LineInput {
	return ledger.LineInput{
		ProductID: ledger.ProductRef(e.product),
		Quantity:  qty,
		UnitPrice: decimal.NewFromInt(100),
	}
}

// =============================================================================
// SQLITE
// =============================================================================

func TestSQLite_SaleLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// GIVEN: A delivered sale of 7
	sale, err := e.svc.CreateSale(ctx, ledger.CreateSaleInput{
		Customer:  ledger.CustomerInfo{Name: "Ana", Notes: "door 3"},
		Lines:     []ledger.LineInput{e.line(7)},
		Delivered: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2}, e.outs(t))

	// WHEN: Delivery is cut to 4
	_, err = e.svc.UpdateSale(ctx, sale.ID, ledger.SaleUpdate{
		LineUpdates: []ledger.LineUpdate{{LineID: sale.Lines[0].ID, DeliveredQuantity: intPtr(4)}},
	})
	require.NoError(t, err)

	// THEN: Units come back from the newest lot first
	assert.Equal(t, []int{4, 0}, e.outs(t))

	stored, err := e.svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "door 3", stored.Customer.Notes)
	assert.Nil(t, stored.Customer.Installments)
	assert.False(t, stored.Delivered)
	assert.True(t, stored.TotalAmount.Equal(decimal.NewFromInt(700)))
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, 4, stored.Lines[0].DeliveredQuantity)

	// AND WHEN: The sale is deleted
	require.NoError(t, e.svc.DeleteSale(ctx, sale.ID))

	// THEN: Stock is whole again and the sale is gone
	assert.Equal(t, []int{0, 0}, e.outs(t))
	_, err = e.svc.GetSale(ctx, sale.ID)
	assert.True(t, ledger.IsNotFound(err))
}

func TestSQLite_InsufficientStockRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreateSale(ctx, ledger.CreateSaleInput{
		Lines:     []ledger.LineInput{e.line(11)},
		Delivered: true,
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, []int{0, 0}, e.outs(t))
	sales, err := e.svc.ListSales(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestSQLite_ConcurrentSalesNeverOverAllocate(t *testing.T) {
	// GIVEN: A file-backed database with 10 units of one product
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e := seedEnv(t, store)
	ctx := context.Background()

	// WHEN: Workers race to sell 3 units each, then trim, redeliver or delete
	const workers = 8
	errs := make(chan error, workers*3)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sale, err := e.svc.CreateSale(ctx, ledger.CreateSaleInput{
				Customer:  ledger.CustomerInfo{Name: fmt.Sprintf("worker %d", i)},
				Lines:     []ledger.LineInput{e.line(3)},
				Delivered: i%2 == 0,
			})
			if err != nil {
				errs <- err
				return
			}
			lineID := sale.Lines[0].ID
			_, err = e.svc.UpdateSale(ctx, sale.ID, ledger.SaleUpdate{
				LineUpdates: []ledger.LineUpdate{{LineID: lineID, DeliveredQuantity: intPtr(1 + i%3)}},
			})
			errs <- err
			if i%4 == 3 {
				errs <- e.svc.DeleteSale(ctx, sale.ID)
				return
			}
			_, err = e.svc.UpdateSale(ctx, sale.ID, ledger.SaleUpdate{
				LineUpdates: []ledger.LineUpdate{{LineID: lineID, DeliveredQuantity: intPtr(3)}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// THEN: The only failures are stock rejections
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
		}
	}

	// AND: No lot handed out more than it holds and lots match deliveries
	requireBalanced(t, e.store)
	total := 0
	for _, out := range e.outs(t) {
		total += out
	}
	assert.LessOrEqual(t, total, 10)
}

func TestSQLite_ExplicitProductIDKeepsSequenceAhead(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store, ledger.WithClock(stepClock()))
	ctx := context.Background()

	// GIVEN: A product imported with id 50
	_, err := svc.UpsertProduct(ctx, ledger.Product{ID: 50, Name: "Imported", OriginalPrice: decimal.NewFromInt(1)})
	require.NoError(t, err)

	// WHEN: A new product is created without an id
	p, err := svc.UpsertProduct(ctx, ledger.Product{Name: "Fresh", OriginalPrice: decimal.NewFromInt(1)})

	// THEN: It gets an id past the imported one
	require.NoError(t, err)
	assert.Greater(t, p.ID, ledger.ProductID(50))
}

func TestSQLite_AdjustLotOutIsConditional(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	lots, err := e.store.LockLots(ctx, e.product)
	require.NoError(t, err)

	err = e.store.AdjustLotOut(ctx, lots[0].ID, 6)

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.Equal(t, []int{0, 0}, e.outs(t))
}

func TestSQLite_ManualLinesAndListing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.svc.CreateSale(ctx, ledger.CreateSaleInput{
		Customer: ledger.CustomerInfo{Installments: intPtr(3)},
		Lines: []ledger.LineInput{
			{ManualProductName: "Gift wrap", Quantity: 1, UnitPrice: decimal.NewFromInt(5)},
			e.line(2),
		},
		Delivered: true,
		Paid:      true,
	})
	require.NoError(t, err)
	second, err := e.svc.CreateSale(ctx, ledger.CreateSaleInput{Lines: []ledger.LineInput{e.line(1)}})
	require.NoError(t, err)

	sales, err := e.svc.ListSales(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, second.ID, sales[0].ID)
	assert.Equal(t, first.ID, sales[1].ID)
	require.Len(t, sales[1].Lines, 2)
	assert.Equal(t, "Gift wrap", sales[1].Lines[0].ManualProductName)
	assert.Nil(t, sales[1].Lines[0].ProductID)
	assert.Equal(t, 3, *sales[1].Customer.Installments)
	assert.True(t, sales[1].Paid)
	assert.Equal(t, []int{2, 0}, e.outs(t))

	sum, err := e.svc.GetStockSummary(ctx, []ledger.ProductID{e.product})
	require.NoError(t, err)
	assert.Equal(t, 8, sum[e.product].StockQty)
	assert.Equal(t, 1, sum[e.product].ReservedQty)
	assert.True(t, sum[e.product].StockValue.Equal(decimal.NewFromInt(420)))
}

func TestSQLite_ReconcileRecordsShortages(t *testing.T) {
	// GIVEN: A delivered sale of 8, then lot 2 corrected down to 1 unit
	e := newEnv(t)
	ctx := context.Background()
	sale, err := e.svc.CreateSale(ctx, ledger.CreateSaleInput{Lines: []ledger.LineInput{e.line(8)}, Delivered: true})
	require.NoError(t, err)
	_, err = e.store.db.ExecContext(ctx, `UPDATE stock_lots SET out_quantity = 0`)
	require.NoError(t, err)
	_, err = e.store.db.ExecContext(ctx, `UPDATE stock_lots SET quantity = 1 WHERE purchase_date > ?`,
		time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// WHEN
	report, err := e.svc.Reconcile(ctx)

	// THEN: 6 units placed, 2 missing, and the run reads back the same
	require.NoError(t, err)
	assert.Equal(t, []int{5, 1}, e.outs(t))
	require.Len(t, report.Shortages, 1)
	assert.Equal(t, 2, report.Shortages[0].MissingQuantity)
	assert.Equal(t, sale.ID, report.Shortages[0].SaleID)

	runs, err := e.svc.ListReconciliationRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunCompleted, runs[0].Status)
	assert.Equal(t, report.Shortages, runs[0].Report.Shortages)
	assert.Equal(t, 6, runs[0].Report.UnitsDeducted)
}

func TestSQLite_UpsertProductKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	p := &ledger.Product{Name: "Lamp", OriginalPrice: decimal.NewFromInt(10), CreatedAt: created, UpdatedAt: created}
	require.NoError(t, store.UpsertProduct(ctx, p))

	later := created.Add(48 * time.Hour)
	update := &ledger.Product{ID: p.ID, Name: "Lamp XL", OriginalPrice: decimal.NewFromInt(12), CreatedAt: later, UpdatedAt: later}
	require.NoError(t, store.UpsertProduct(ctx, update))

	assert.True(t, update.CreatedAt.Equal(created))
	got, err := store.GetProducts(ctx, []ledger.ProductID{p.ID})
	require.NoError(t, err)
	assert.Equal(t, "Lamp XL", got[p.ID].Name)
}

func TestSQLite_GetPurchaseWithPayments(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	purchase, err := svc.CreatePurchase(ctx, ledger.PurchaseInput{
		Supplier:     "Acme",
		InvoiceCode:  "A-17",
		PurchaseDate: time.Date(2024, time.April, 2, 0, 0, 0, 0, time.UTC),
		Lots:         []ledger.LotInput{{Description: "unmatched", Quantity: 2, UnitPrice: decimal.NewFromInt(3)}},
		Payments:     []ledger.PaymentInput{{Payer: "Nick", Amount: decimal.NewFromInt(6), Method: "transfer"}},
	})
	require.NoError(t, err)

	got, err := svc.GetPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, "A-17", got.InvoiceCode)
	require.Len(t, got.Lots, 1)
	assert.Nil(t, got.Lots[0].ProductID)
	require.Len(t, got.Payments, 1)
	assert.True(t, got.Payments[0].Amount.Equal(decimal.NewFromInt(6)))

	_, err = svc.GetPurchase(ctx, 999)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// POSTGRES (sqlmock)
// =============================================================================

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, Postgres), mock
}

func TestPostgres_LockLotsSelectsForUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	day := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM stock_lots WHERE product_id = \$1 ORDER BY purchase_date ASC, id ASC FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "purchase_id", "product_id", "description", "code", "quantity", "out_quantity",
			"unit_price", "total_amount", "purchase_date", "created_at",
		}).AddRow(int64(1), int64(1), int64(3), "", "", int64(5), int64(2), "10.00", "50.00", day, day))

	lots, err := store.LockLots(context.Background(), 3)

	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, 3, lots[0].Available())
	assert.Equal(t, ledger.ProductID(3), *lots[0].ProductID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AdjustLotOutDetectsLostRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE stock_lots SET out_quantity = out_quantity \+ \$1 WHERE id = \$2 AND out_quantity \+ \$3 BETWEEN 0 AND quantity`).
		WithArgs(2, int64(7), 2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AdjustLotOut(context.Background(), 7, 2)

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReconcileLocksLotTable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE stock_lots IN EXCLUSIVE MODE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE stock_lots SET out_quantity = 0 WHERE out_quantity <> 0`).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectQuery(`FROM sales ORDER BY created_at ASC, id ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx ledger.Store) error {
		report, err := ledger.Rebuild(context.Background(), tx)
		assert.Zero(t, report.SalesProcessed)
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sale_lines SET delivered_quantity = \$1, is_paid = \$2 WHERE id = \$3`).
		WithArgs(1, true, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx ledger.Store) error {
		if err := tx.UpdateLine(context.Background(), &ledger.SaleLine{ID: 9, DeliveredQuantity: 1, IsPaid: true}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var (
	saleRow = []string{
		"id", "customer_name", "notes", "installments", "seller", "total_amount",
		"delivered_amount", "paid_amount", "delivered", "paid", "created_at", "updated_at",
	}
	lineRow = []string{
		"id", "sale_id", "product_id", "manual_product_name", "quantity",
		"delivered_quantity", "is_paid", "unit_price", "total_price",
	}
)

func TestPostgres_LockSaleSelectsForUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	day := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	// GIVEN: A sale with one partly delivered line
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sales WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(saleRow).
			AddRow(int64(4), "Ana", nil, nil, "", "300.00", "100.00", "0.00", false, false, day, day))
	mock.ExpectQuery(`FROM sale_lines WHERE sale_id = \$1 ORDER BY id`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(lineRow).
			AddRow(int64(8), int64(4), int64(3), nil, int64(3), int64(1), false, "100.00", "300.00"))
	mock.ExpectCommit()

	// WHEN: It is read for a mutation
	var sale *ledger.Sale
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		sale, err = tx.LockSale(ctx, 4)
		return err
	})

	// THEN: The row is locked and the lines come back with it
	require.NoError(t, err)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, 1, sale.Lines[0].DeliveredQuantity)
	assert.Equal(t, ledger.ProductID(3), *sale.Lines[0].ProductID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetSaleTakesNoLock(t *testing.T) {
	store, mock := newMockStore(t)
	day := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM sales WHERE id = \$1$`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(saleRow).
			AddRow(int64(4), "Ana", nil, nil, "", "0.00", "0.00", "0.00", false, false, day, day))
	mock.ExpectQuery(`FROM sale_lines WHERE sale_id = \$1 ORDER BY id`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows(lineRow))

	_, err := store.GetSale(context.Background(), 4)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertProductWithIDAdvancesSequence(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	// GIVEN: An existing row 42 is upserted by id
	mock.ExpectExec(`INSERT INTO products \(id, name, original_price, created_at, updated_at\)`).
		WithArgs(int64(42), "Widget", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT setval\(pg_get_serial_sequence\('products', 'id'\), GREATEST\(\(SELECT MAX\(id\) FROM products\), 1\)\)`).
		WillReturnRows(sqlmock.NewRows([]string{"setval"}).AddRow(int64(42)))
	mock.ExpectQuery(`SELECT created_at FROM products WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	// WHEN
	p := &ledger.Product{ID: 42, Name: "Widget", OriginalPrice: decimal.NewFromInt(10), CreatedAt: now, UpdatedAt: now}
	err := store.UpsertProduct(context.Background(), p)

	// THEN: The sequence is moved past the explicit id and created_at is kept
	require.NoError(t, err)
	assert.Equal(t, created, p.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockConflictsAreRetryable(t *testing.T) {
	tests := []struct {
		name      string
		lockErr   error
		commitErr error
		retryable bool
	}{
		{"deadlock on lock", &pq.Error{Code: "40P01", Message: "deadlock detected"}, nil, true},
		{"serialization failure on commit", nil, &pq.Error{Code: "40001", Message: "could not serialize access"}, true},
		{"unique violation", &pq.Error{Code: "23505", Message: "duplicate key"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			ctx := context.Background()

			mock.ExpectBegin()
			lock := mock.ExpectQuery(`FROM stock_lots WHERE product_id = \$1 ORDER BY purchase_date ASC, id ASC FOR UPDATE`).
				WithArgs(int64(3))
			if tt.lockErr != nil {
				lock.WillReturnError(tt.lockErr)
				mock.ExpectRollback()
			} else {
				lock.WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectCommit().WillReturnError(tt.commitErr)
			}

			err := store.WithTx(ctx, func(tx ledger.Store) error {
				_, err := tx.LockLots(ctx, 3)
				return err
			})

			require.Error(t, err)
			assert.Equal(t, tt.retryable, ledger.IsRetryable(err))
			var pqErr *pq.Error
			assert.ErrorAs(t, err, &pqErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	lite := &Store{dialect: SQLite}
	q := `UPDATE t SET a = ? WHERE id IN (?, ?)`

	assert.Equal(t, `UPDATE t SET a = $1 WHERE id IN ($2, $3)`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}

func intPtr(v int) *int { return &v }
