package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// LOT STORE (ledger.LotStore interface)
// =============================================================================

const lotColumns = `id, purchase_id, product_id, description, code, quantity, out_quantity,
	unit_price, total_amount, purchase_date, created_at`

const fifoOrder = ` ORDER BY purchase_date ASC, id ASC`

// LockLots returns a product's lots in FIFO order, row-locked on PostgreSQL.
func (s *Store) LockLots(ctx context.Context, productID ledger.ProductID) ([]ledger.StockLot, error) {
	query := `SELECT ` + lotColumns + ` FROM stock_lots WHERE product_id = ?` + fifoOrder
	if s.dialect == Postgres {
		query += ` FOR UPDATE`
	}
	return s.queryLots(ctx, query, int64(productID))
}

// AdjustLotOut moves out_quantity by delta with a single conditional update.
func (s *Store) AdjustLotOut(ctx context.Context, lotID ledger.LotID, delta int) error {
	res, err := s.exec(ctx,
		`UPDATE stock_lots SET out_quantity = out_quantity + ? WHERE id = ? AND out_quantity + ? BETWEEN 0 AND quantity`,
		delta, int64(lotID), delta)
	if err != nil {
		return fmt.Errorf("failed to adjust lot %d: %w", lotID, err)
	}
	return affected(res, fmt.Errorf("lot %d: %w", lotID, ledger.ErrConcurrentModification))
}

func (s *Store) SetLotOut(ctx context.Context, lotID ledger.LotID, out int) error {
	res, err := s.exec(ctx,
		`UPDATE stock_lots SET out_quantity = ? WHERE id = ? AND ? BETWEEN 0 AND quantity`,
		out, int64(lotID), out)
	if err != nil {
		return fmt.Errorf("failed to set lot %d: %w", lotID, err)
	}
	return affected(res, fmt.Errorf("lot %d: %w", lotID, ledger.ErrConcurrentModification))
}

func (s *Store) ResetLotConsumption(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `UPDATE stock_lots SET out_quantity = 0 WHERE out_quantity <> 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset lots: %w", err)
	}
	return res.RowsAffected()
}

// LockLotTable blocks concurrent lot writers until commit. SQLite already
// holds the database write lock from BEGIN IMMEDIATE.
func (s *Store) LockLotTable(ctx context.Context) error {
	if s.dialect != Postgres {
		return nil
	}
	_, err := s.exec(ctx, `LOCK TABLE stock_lots IN EXCLUSIVE MODE`)
	return err
}

func (s *Store) GetLot(ctx context.Context, id ledger.LotID) (*ledger.StockLot, error) {
	lot, err := scanLot(s.queryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id = ?`, int64(id)))
	if isNoRows(err) {
		return nil, &ledger.NotFoundError{Resource: "lot", ID: int64(id)}
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (s *Store) AssignLotProduct(ctx context.Context, id ledger.LotID, productID ledger.ProductID) error {
	res, err := s.exec(ctx, `UPDATE stock_lots SET product_id = ? WHERE id = ?`, int64(productID), int64(id))
	if err != nil {
		return fmt.Errorf("failed to assign lot %d: %w", id, err)
	}
	return affected(res, &ledger.NotFoundError{Resource: "lot", ID: int64(id)})
}

func (s *Store) ListLots(ctx context.Context, filter ledger.LotFilter) ([]ledger.StockLot, error) {
	query := `SELECT ` + lotColumns + ` FROM stock_lots`
	var args []any
	switch {
	case filter.Unmatched:
		query += ` WHERE product_id IS NULL`
	case filter.ProductID != nil:
		query += ` WHERE product_id = ?`
		args = append(args, int64(*filter.ProductID))
	}
	return s.queryLots(ctx, query+fifoOrder, args...)
}

func (s *Store) LotsByProducts(ctx context.Context, ids []ledger.ProductID) ([]ledger.StockLot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inList(ids)
	return s.queryLots(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE product_id IN (`+in+`)`+fifoOrder, args...)
}

func (s *Store) queryLots(ctx context.Context, query string, args ...any) ([]ledger.StockLot, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []ledger.StockLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(row scanner) (ledger.StockLot, error) {
	var (
		lot       ledger.StockLot
		productID sql.NullInt64
	)
	err := row.Scan(
		&lot.ID, &lot.PurchaseID, &productID, &lot.Description, &lot.Code,
		&lot.Quantity, &lot.OutQuantity, &lot.UnitPrice, &lot.TotalAmount,
		&lot.PurchaseDate, &lot.CreatedAt,
	)
	lot.ProductID = productPtr(productID)
	lot.PurchaseDate = lot.PurchaseDate.UTC()
	lot.CreatedAt = lot.CreatedAt.UTC()
	return lot, err
}
