/*
Package sqlstore provides a SQL-backed implementation of ledger.TxStore.

PURPOSE:
  Implements every persistence interface the ledger needs (lots, sales,
  catalog, purchases, reconciliation runs) on database/sql. Two dialects are
  supported: SQLite (mattn/go-sqlite3) for single-node deployments and tests,
  PostgreSQL (lib/pq) for production.

KEY TABLES:
  products:            Catalog rows the ledger values stock with
  purchases:           Supplier invoices
  stock_lots:          One row per purchased batch (quantity, out_quantity)
  purchase_payments:   Money paid against a purchase
  sales / sale_lines:  Customer transactions and their line items
  reconciliation_runs: Audit trail of rebuilds

INDEXES:
  - idx_stock_lots_fifo: (product_id, purchase_date, id), the FIFO walk
  - idx_sale_lines_sale: Line loading per sale
  - idx_sales_created:   Chronological replay

CONCURRENCY:
  PostgreSQL: LockLots and LockSale use SELECT ... FOR UPDATE, reconciliation
  takes LOCK TABLE stock_lots IN EXCLUSIVE MODE. Deadlocks (40P01) and
  serialization failures (40001) come back as ErrConcurrentModification.
  SQLite: transactions start with BEGIN IMMEDIATE (_txlock=immediate), so
  the write lock is held from the first statement; the pool is limited to
  one connection.
  Both: AdjustLotOut is a conditional UPDATE checked by RowsAffected.

USAGE:
  store, err := sqlstore.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

MIGRATION:
  Schema is auto-migrated on New()/Open(). CHECK constraints mirror the
  ledger invariants so out-of-band edits cannot break them either.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nicktuk/HF-WEB/ledger"
)

// Dialect selects SQL syntax differences between the supported databases.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DialectFor maps a database/sql driver name to its Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unsupported database driver %q", driver)
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

// querier is the subset of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.TxStore on a SQL database. Inside WithTx the same
// type is handed out bound to the transaction.
type Store struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

// New creates a SQLite store at dbPath. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
}

// Open connects with the given driver ("sqlite3" or "postgres") and migrates
// the schema.
func Open(driver, dsn string) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// One connection: serializes writers and keeps ":memory:" a single database.
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db, dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an existing connection without migrating it.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, q: db, dialect: dialect}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetMaxOpenConns bounds the PostgreSQL pool. SQLite stays on one connection.
func (s *Store) SetMaxOpenConns(n int) {
	if s.dialect == Postgres && n > 0 {
		s.db.SetMaxOpenConns(n)
	}
}

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// SCHEMA
// =============================================================================

// column types per dialect: id, money, timestamp, date, bool
var columnTypes = map[Dialect][5]any{
	SQLite:   {"INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT", "TIMESTAMP", "TIMESTAMP", "BOOLEAN"},
	Postgres: {"BIGSERIAL PRIMARY KEY", "NUMERIC(14,2)", "TIMESTAMPTZ", "DATE", "BOOLEAN"},
}

const schema = `
	CREATE TABLE IF NOT EXISTS products (
		id %[1]s,
		name TEXT NOT NULL,
		original_price %[2]s NOT NULL,
		created_at %[3]s NOT NULL,
		updated_at %[3]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id %[1]s,
		supplier TEXT NOT NULL DEFAULT '',
		invoice_code TEXT NOT NULL DEFAULT '',
		purchase_date %[4]s NOT NULL,
		total_amount %[2]s NOT NULL,
		created_at %[3]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stock_lots (
		id %[1]s,
		purchase_id BIGINT NOT NULL REFERENCES purchases(id) ON DELETE CASCADE,
		product_id BIGINT REFERENCES products(id),
		description TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		out_quantity INTEGER NOT NULL DEFAULT 0,
		unit_price %[2]s NOT NULL,
		total_amount %[2]s NOT NULL,
		purchase_date %[4]s NOT NULL,
		created_at %[3]s NOT NULL,
		CHECK (out_quantity >= 0 AND out_quantity <= quantity)
	);

	-- FIFO walk per product (hot path)
	CREATE INDEX IF NOT EXISTS idx_stock_lots_fifo
		ON stock_lots(product_id, purchase_date, id);
	CREATE INDEX IF NOT EXISTS idx_stock_lots_purchase
		ON stock_lots(purchase_id);

	CREATE TABLE IF NOT EXISTS purchase_payments (
		id %[1]s,
		purchase_id BIGINT NOT NULL REFERENCES purchases(id) ON DELETE CASCADE,
		payer TEXT NOT NULL,
		amount %[2]s NOT NULL,
		method TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sales (
		id %[1]s,
		customer_name TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		installments INTEGER,
		seller TEXT NOT NULL DEFAULT '',
		total_amount %[2]s NOT NULL,
		delivered_amount %[2]s NOT NULL,
		paid_amount %[2]s NOT NULL,
		delivered %[5]s NOT NULL,
		paid %[5]s NOT NULL,
		created_at %[3]s NOT NULL,
		updated_at %[3]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_created
		ON sales(created_at, id);

	CREATE TABLE IF NOT EXISTS sale_lines (
		id %[1]s,
		sale_id BIGINT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
		product_id BIGINT REFERENCES products(id),
		manual_product_name TEXT,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		delivered_quantity INTEGER NOT NULL DEFAULT 0,
		is_paid %[5]s NOT NULL,
		unit_price %[2]s NOT NULL,
		total_price %[2]s NOT NULL,
		CHECK (delivered_quantity >= 0 AND delivered_quantity <= quantity),
		CHECK ((product_id IS NULL) <> (manual_product_name IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_sale_lines_sale
		ON sale_lines(sale_id, id);
	CREATE INDEX IF NOT EXISTS idx_sale_lines_product
		ON sale_lines(product_id);

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		sales_processed INTEGER NOT NULL DEFAULT 0,
		units_requested INTEGER NOT NULL DEFAULT 0,
		units_deducted INTEGER NOT NULL DEFAULT 0,
		shortages_json TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		started_at %[3]s NOT NULL,
		completed_at %[3]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	types := columnTypes[s.dialect]
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, types[:]...))
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls reuse the
// enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &Store{db: s.db, q: sqlTx, dialect: s.dialect, inTx: true}
	if err := fn(txStore); err != nil {
		return lostRace(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return lostRace(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// lostRace marks PostgreSQL serialization failures (40001) and deadlocks
// (40P01) as ErrConcurrentModification: the transaction was rolled back and
// may be retried.
func lostRace(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return fmt.Errorf("%w: %w", ledger.ErrConcurrentModification, err)
	}
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// insertID runs an INSERT ... RETURNING id.
func (s *Store) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// inList returns "?, ?, ?" and the args for an IN clause.
func inList[T ~int64](ids []T) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

// affected returns notFound when result touched no row.
func affected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullProduct(id *ledger.ProductID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func productPtr(v sql.NullInt64) *ledger.ProductID {
	if !v.Valid {
		return nil
	}
	return ledger.ProductRef(ledger.ProductID(v.Int64))
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type scanner interface {
	Scan(dest ...any) error
}
