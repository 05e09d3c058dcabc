package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// StockSummary is the derived stock position of one product.
//
//	StockQty          = sum(lot.Quantity - lot.OutQuantity)
//	ReservedQty       = sum(max(line.Quantity - line.DeliveredQuantity, 0)) over open lines
//	ReservedSaleValue = sum(reserved * line.UnitPrice)
//	StockValue        = max(StockQty - ReservedQty, 0) * OriginalPrice
//
// Reserved units are still physically in stock until delivered.
type StockSummary struct {
	ProductID         ProductID
	StockQty          int
	ReservedQty       int
	ReservedSaleValue decimal.Decimal
	OriginalPrice     decimal.Decimal
	StockValue        decimal.Decimal
}

// Summarize computes summaries for ids from raw rows. Every requested id
// gets an entry, zero-valued when it has no lots or lines.
func Summarize(ids []ProductID, lots []StockLot, lines []SaleLine, products map[ProductID]Product) map[ProductID]StockSummary {
	out := make(map[ProductID]StockSummary, len(ids))
	for _, id := range ids {
		price := decimal.Zero
		if p, ok := products[id]; ok {
			price = p.OriginalPrice
		}
		out[id] = StockSummary{
			ProductID:         id,
			ReservedSaleValue: decimal.Zero,
			OriginalPrice:     price,
		}
	}

	for _, lot := range lots {
		if lot.ProductID == nil {
			continue
		}
		sum, ok := out[*lot.ProductID]
		if !ok {
			continue
		}
		sum.StockQty += lot.Available()
		out[*lot.ProductID] = sum
	}

	for _, line := range lines {
		if line.ProductID == nil {
			continue
		}
		sum, ok := out[*line.ProductID]
		if !ok {
			continue
		}
		reserved := line.Reserved()
		sum.ReservedQty += reserved
		sum.ReservedSaleValue = sum.ReservedSaleValue.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(reserved))))
		out[*line.ProductID] = sum
	}

	for id, sum := range out {
		free := sum.StockQty - sum.ReservedQty
		if free < 0 {
			free = 0
		}
		sum.StockValue = sum.OriginalPrice.Mul(decimal.NewFromInt(int64(free)))
		out[id] = sum
	}
	return out
}

// GetStockSummary is read-only; it derives everything from current lot and
// line rows.
func (s *Service) GetStockSummary(ctx context.Context, ids []ProductID) (map[ProductID]StockSummary, error) {
	seen := make(map[ProductID]bool, len(ids))
	unique := make([]ProductID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return map[ProductID]StockSummary{}, nil
	}

	lots, err := s.store.LotsByProducts(ctx, unique)
	if err != nil {
		return nil, err
	}
	lines, err := s.store.OpenLinesByProducts(ctx, unique)
	if err != nil {
		return nil, err
	}
	products, err := s.store.GetProducts(ctx, unique)
	if err != nil {
		return nil, err
	}
	return Summarize(unique, lots, lines, products), nil
}
