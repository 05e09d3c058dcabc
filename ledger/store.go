/*
store.go - Persistence interfaces for lots, sales and reconciliation runs

PURPOSE:
  Defines the boundary between the ledger algorithms and the database.
  Implementations: store/sqlstore (SQLite, PostgreSQL) and ledger/store
  (in-memory, for tests and development).

CONCURRENCY CONTRACT:
  The availability check and the lot update of a deduct MUST happen inside
  the same transaction, with two layers of protection:
  1. LockLots locks the product's lots for the rest of the transaction
     (SELECT ... FOR UPDATE on PostgreSQL, an immediate write transaction
     on SQLite).
  2. AdjustLotOut is a single conditional update
       UPDATE ... WHERE out_quantity + delta BETWEEN 0 AND quantity
     and returns ErrConcurrentModification when no row matched.
  A plain read-then-write is never acceptable.
  Sale mutations read the sale through LockSale and lock every product they
  touch in ascending ProductID order before moving stock. PostgreSQL
  deadlocks and serialization failures surface as ErrConcurrentModification.

ATOMICITY:
  TxStore.WithTx runs fn in one transaction. If fn returns an error every
  write made through the Store handed to fn is rolled back.

SEE ALSO:
  - allocator.go: The only writer of StockLot.OutQuantity (besides reconcile)
  - store/sqlstore/sqlstore.go: SQL implementation
  - ledger/store/memory.go: In-memory implementation
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// LOT LEDGER
// =============================================================================

// LotStore persists stock lots.
type LotStore interface {
	// LockLots returns a product's lots in FIFO order (purchase_date ASC,
	// id ASC) and locks them until the enclosing transaction ends.
	LockLots(ctx context.Context, productID ProductID) ([]StockLot, error)

	// AdjustLotOut adds delta (positive or negative) to a lot's out_quantity.
	// It fails with ErrConcurrentModification if the result would leave
	// [0, quantity].
	AdjustLotOut(ctx context.Context, lotID LotID, delta int) error

	// SetLotOut overwrites a lot's out_quantity. Reconciliation only.
	SetLotOut(ctx context.Context, lotID LotID, out int) error

	// ResetLotConsumption sets out_quantity = 0 on every lot in one statement
	// and returns how many lots changed.
	ResetLotConsumption(ctx context.Context) (int64, error)

	// LockLotTable takes an exclusive lock on the lot table for the rest of
	// the transaction.
	LockLotTable(ctx context.Context) error

	GetLot(ctx context.Context, id LotID) (*StockLot, error)
	AssignLotProduct(ctx context.Context, id LotID, productID ProductID) error
	ListLots(ctx context.Context, filter LotFilter) ([]StockLot, error)
	LotsByProducts(ctx context.Context, ids []ProductID) ([]StockLot, error)
}

// =============================================================================
// SALES
// =============================================================================

// SaleStore persists sales and their lines.
type SaleStore interface {
	// InsertSale writes the sale header and assigns ID. Lines are inserted
	// separately with InsertLine.
	InsertSale(ctx context.Context, sale *Sale) error

	// SaveSaleHeader updates customer fields, derived aggregates and UpdatedAt.
	SaveSaleHeader(ctx context.Context, sale *Sale) error

	// DeleteSale removes the sale and, by cascade, its lines.
	DeleteSale(ctx context.Context, id SaleID) error

	// GetSale returns the sale with its lines ordered by line id.
	GetSale(ctx context.Context, id SaleID) (*Sale, error)

	// LockSale is GetSale for a mutation: the sale row stays locked until
	// the transaction ends, so two updates of one sale cannot both start
	// from the same delivered quantities.
	LockSale(ctx context.Context, id SaleID) (*Sale, error)

	// ListSales returns the newest sales first, with lines.
	ListSales(ctx context.Context, limit int) ([]Sale, error)

	// SalesChronological returns every sale ordered (created_at ASC, id ASC).
	SalesChronological(ctx context.Context) ([]Sale, error)

	InsertLine(ctx context.Context, line *SaleLine) error
	UpdateLine(ctx context.Context, line *SaleLine) error
	DeleteLines(ctx context.Context, saleID SaleID) error

	// OpenLinesByProducts returns lines for the products that are not yet
	// fully delivered.
	OpenLinesByProducts(ctx context.Context, ids []ProductID) ([]SaleLine, error)
}

// =============================================================================
// CATALOG AND PURCHASES
// =============================================================================

// CatalogStore is the read side of the product catalog plus a minimal upsert.
type CatalogStore interface {
	UpsertProduct(ctx context.Context, product *Product) error
	GetProducts(ctx context.Context, ids []ProductID) (map[ProductID]Product, error)
}

// PurchaseStore persists purchases with their lots and payments.
type PurchaseStore interface {
	// InsertPurchase writes the purchase, its lots and payments, assigning IDs.
	InsertPurchase(ctx context.Context, purchase *Purchase) error
	GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error)
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun is the audit record of one reconciliation.
type ReconciliationRun struct {
	ID          string
	Status      RunStatus
	Report      ReconciliationReport
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// RunStore records reconciliation runs.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}

// =============================================================================
// COMPOSED STORES
// =============================================================================

// Store is everything the ledger persists.
type Store interface {
	LotStore
	SaleStore
	CatalogStore
	PurchaseStore
	RunStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
