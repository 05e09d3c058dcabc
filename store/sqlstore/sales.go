package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// SALE STORE (ledger.SaleStore interface)
// =============================================================================

const saleColumns = `id, customer_name, notes, installments, seller, total_amount,
	delivered_amount, paid_amount, delivered, paid, created_at, updated_at`

const lineColumns = `id, sale_id, product_id, manual_product_name, quantity,
	delivered_quantity, is_paid, unit_price, total_price`

func installments(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func (s *Store) InsertSale(ctx context.Context, sale *ledger.Sale) error {
	id, err := s.insertID(ctx, `
		INSERT INTO sales (customer_name, notes, installments, seller, total_amount,
			delivered_amount, paid_amount, delivered, paid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.Customer.Name, sale.Customer.Notes, installments(sale.Customer.Installments), sale.Customer.Seller,
		sale.TotalAmount, sale.DeliveredAmount, sale.PaidAmount, sale.Delivered, sale.Paid,
		sale.CreatedAt.UTC(), sale.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	sale.ID = ledger.SaleID(id)
	return nil
}

func (s *Store) SaveSaleHeader(ctx context.Context, sale *ledger.Sale) error {
	res, err := s.exec(ctx, `
		UPDATE sales SET customer_name = ?, notes = ?, installments = ?, seller = ?,
			total_amount = ?, delivered_amount = ?, paid_amount = ?, delivered = ?, paid = ?,
			updated_at = ?
		WHERE id = ?`,
		sale.Customer.Name, sale.Customer.Notes, installments(sale.Customer.Installments), sale.Customer.Seller,
		sale.TotalAmount, sale.DeliveredAmount, sale.PaidAmount, sale.Delivered, sale.Paid,
		sale.UpdatedAt.UTC(), int64(sale.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to save sale %d: %w", sale.ID, err)
	}
	return affected(res, &ledger.NotFoundError{Resource: "sale", ID: int64(sale.ID)})
}

func (s *Store) DeleteSale(ctx context.Context, id ledger.SaleID) error {
	if err := s.DeleteLines(ctx, id); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM sales WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete sale %d: %w", id, err)
	}
	return affected(res, &ledger.NotFoundError{Resource: "sale", ID: int64(id)})
}

func (s *Store) GetSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	return s.getSale(ctx, id, false)
}

// LockSale reads the sale like GetSale and, on PostgreSQL, holds its row
// until the transaction ends. Concurrent mutations of the same sale then
// compute their deltas from committed line state.
func (s *Store) LockSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	return s.getSale(ctx, id, s.dialect == Postgres)
}

func (s *Store) getSale(ctx context.Context, id ledger.SaleID, forUpdate bool) (*ledger.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sale, err := scanSale(s.queryRow(ctx, query, int64(id)))
	if isNoRows(err) {
		return nil, &ledger.NotFoundError{Resource: "sale", ID: int64(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sale %d: %w", id, err)
	}

	lines, err := s.queryLines(ctx, `SELECT `+lineColumns+` FROM sale_lines WHERE sale_id = ? ORDER BY id`, int64(id))
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]ledger.Sale, error) {
	return s.loadSales(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) SalesChronological(ctx context.Context) ([]ledger.Sale, error) {
	return s.loadSales(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY created_at ASC, id ASC`)
}

// loadSales runs a header query and attaches every sale's lines with one
// additional query.
func (s *Store) loadSales(ctx context.Context, query string, args ...any) ([]ledger.Sale, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	var sales []ledger.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		sales = append(sales, sale)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	ids := make([]ledger.SaleID, len(sales))
	index := make(map[ledger.SaleID]int, len(sales))
	for i, sale := range sales {
		ids[i] = sale.ID
		index[sale.ID] = i
	}
	in, inArgs := inList(ids)
	lines, err := s.queryLines(ctx,
		`SELECT `+lineColumns+` FROM sale_lines WHERE sale_id IN (`+in+`) ORDER BY sale_id, id`, inArgs...)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		i := index[line.SaleID]
		sales[i].Lines = append(sales[i].Lines, line)
	}
	return sales, nil
}

func (s *Store) InsertLine(ctx context.Context, line *ledger.SaleLine) error {
	id, err := s.insertID(ctx, `
		INSERT INTO sale_lines (sale_id, product_id, manual_product_name, quantity,
			delivered_quantity, is_paid, unit_price, total_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(line.SaleID), nullProduct(line.ProductID), nullString(line.ManualProductName), line.Quantity,
		line.DeliveredQuantity, line.IsPaid, line.UnitPrice, line.TotalPrice,
	)
	if err != nil {
		return fmt.Errorf("failed to insert line: %w", err)
	}
	line.ID = ledger.LineID(id)
	return nil
}

// UpdateLine persists the two mutable fields of a line.
func (s *Store) UpdateLine(ctx context.Context, line *ledger.SaleLine) error {
	res, err := s.exec(ctx,
		`UPDATE sale_lines SET delivered_quantity = ?, is_paid = ? WHERE id = ?`,
		line.DeliveredQuantity, line.IsPaid, int64(line.ID))
	if err != nil {
		return fmt.Errorf("failed to update line %d: %w", line.ID, err)
	}
	return affected(res, &ledger.NotFoundError{Resource: "line", ID: int64(line.ID)})
}

func (s *Store) DeleteLines(ctx context.Context, saleID ledger.SaleID) error {
	if _, err := s.exec(ctx, `DELETE FROM sale_lines WHERE sale_id = ?`, int64(saleID)); err != nil {
		return fmt.Errorf("failed to delete lines of sale %d: %w", saleID, err)
	}
	return nil
}

func (s *Store) OpenLinesByProducts(ctx context.Context, ids []ledger.ProductID) ([]ledger.SaleLine, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inList(ids)
	return s.queryLines(ctx, `SELECT `+lineColumns+` FROM sale_lines
		WHERE product_id IN (`+in+`) AND delivered_quantity < quantity ORDER BY id`, args...)
}

func (s *Store) queryLines(ctx context.Context, query string, args ...any) ([]ledger.SaleLine, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	var lines []ledger.SaleLine
	for rows.Next() {
		var (
			line      ledger.SaleLine
			productID sql.NullInt64
			manual    sql.NullString
		)
		if err := rows.Scan(
			&line.ID, &line.SaleID, &productID, &manual, &line.Quantity,
			&line.DeliveredQuantity, &line.IsPaid, &line.UnitPrice, &line.TotalPrice,
		); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		line.ProductID = productPtr(productID)
		line.ManualProductName = manual.String
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanSale(row scanner) (ledger.Sale, error) {
	var (
		sale  ledger.Sale
		inst  sql.NullInt64
		notes sql.NullString
	)
	err := row.Scan(
		&sale.ID, &sale.Customer.Name, &notes, &inst, &sale.Customer.Seller,
		&sale.TotalAmount, &sale.DeliveredAmount, &sale.PaidAmount,
		&sale.Delivered, &sale.Paid, &sale.CreatedAt, &sale.UpdatedAt,
	)
	if err != nil {
		return sale, err
	}
	sale.Customer.Notes = notes.String
	if inst.Valid {
		n := int(inst.Int64)
		sale.Customer.Installments = &n
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()
	return sale, nil
}
