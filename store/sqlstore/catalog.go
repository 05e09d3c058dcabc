package sqlstore

import (
	"context"
	"fmt"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// CATALOG STORE
// =============================================================================

// UpsertProduct inserts a product, or updates name and price when ID is set.
// created_at of an existing row is kept and written back to p.
func (s *Store) UpsertProduct(ctx context.Context, p *ledger.Product) error {
	if p.ID == 0 {
		id, err := s.insertID(ctx,
			`INSERT INTO products (name, original_price, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			p.Name, p.OriginalPrice, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert product: %w", err)
		}
		p.ID = ledger.ProductID(id)
		return nil
	}

	_, err := s.exec(ctx, `
		INSERT INTO products (id, name, original_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			original_price = excluded.original_price,
			updated_at = excluded.updated_at`,
		int64(p.ID), p.Name, p.OriginalPrice, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %d: %w", p.ID, err)
	}
	if s.dialect == Postgres {
		// An explicit id bypasses BIGSERIAL; move the sequence past it.
		var next int64
		if err := s.queryRow(ctx,
			`SELECT setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT MAX(id) FROM products), 1))`,
		).Scan(&next); err != nil {
			return fmt.Errorf("failed to advance product id sequence: %w", err)
		}
	}
	if err := s.queryRow(ctx, `SELECT created_at FROM products WHERE id = ?`, int64(p.ID)).Scan(&p.CreatedAt); err != nil {
		return fmt.Errorf("failed to read product %d: %w", p.ID, err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return nil
}

func (s *Store) GetProducts(ctx context.Context, ids []ledger.ProductID) (map[ledger.ProductID]ledger.Product, error) {
	out := make(map[ledger.ProductID]ledger.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	in, args := inList(ids)
	rows, err := s.query(ctx,
		`SELECT id, name, original_price, created_at, updated_at FROM products WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ledger.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.OriginalPrice, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// =============================================================================
// PURCHASE STORE
// =============================================================================

func (s *Store) InsertPurchase(ctx context.Context, p *ledger.Purchase) error {
	id, err := s.insertID(ctx, `
		INSERT INTO purchases (supplier, invoice_code, purchase_date, total_amount, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.Supplier, p.InvoiceCode, p.PurchaseDate.UTC(), p.TotalAmount, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	p.ID = ledger.PurchaseID(id)

	for i := range p.Lots {
		lot := &p.Lots[i]
		lot.PurchaseID = p.ID
		lotID, err := s.insertID(ctx, `
			INSERT INTO stock_lots (purchase_id, product_id, description, code, quantity, out_quantity,
				unit_price, total_amount, purchase_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(p.ID), nullProduct(lot.ProductID), lot.Description, lot.Code, lot.Quantity, lot.OutQuantity,
			lot.UnitPrice, lot.TotalAmount, lot.PurchaseDate.UTC(), lot.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert lot: %w", err)
		}
		lot.ID = ledger.LotID(lotID)
	}

	for i := range p.Payments {
		pay := &p.Payments[i]
		pay.PurchaseID = p.ID
		pay.ID, err = s.insertID(ctx,
			`INSERT INTO purchase_payments (purchase_id, payer, amount, method) VALUES (?, ?, ?, ?)`,
			int64(p.ID), pay.Payer, pay.Amount, pay.Method)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}
	}
	return nil
}

func (s *Store) GetPurchase(ctx context.Context, id ledger.PurchaseID) (*ledger.Purchase, error) {
	var p ledger.Purchase
	err := s.queryRow(ctx, `
		SELECT id, supplier, invoice_code, purchase_date, total_amount, created_at
		FROM purchases WHERE id = ?`, int64(id),
	).Scan(&p.ID, &p.Supplier, &p.InvoiceCode, &p.PurchaseDate, &p.TotalAmount, &p.CreatedAt)
	if isNoRows(err) {
		return nil, &ledger.NotFoundError{Resource: "purchase", ID: int64(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase %d: %w", id, err)
	}
	p.PurchaseDate = p.PurchaseDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()

	p.Lots, err = s.queryLots(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE purchase_id = ?`+fifoOrder, int64(id))
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx,
		`SELECT id, purchase_id, payer, amount, method FROM purchase_payments WHERE purchase_id = ? ORDER BY id`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pay ledger.PurchasePayment
		if err := rows.Scan(&pay.ID, &pay.PurchaseID, &pay.Payer, &pay.Amount, &pay.Method); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Payments = append(p.Payments, pay)
	}
	return &p, rows.Err()
}
