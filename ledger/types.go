/*
Package ledger provides the stock lot allocation engine.

PURPOSE:
  Tracks purchased stock lots and associates them with sale lines as those
  lines are delivered. Deliveries consume lots oldest-first (FIFO), reversals
  give units back to the most recently bought lots first (LIFO), and a
  reconciliation pass can rebuild every lot's consumption from sale history.

KEY CONCEPTS IN THIS FILE (types.go):
  - StockLot: One purchased batch of a product (quantity bought, quantity out)
  - Purchase: Supplier invoice grouping lots and payments
  - Sale / SaleLine: Customer transaction and its line items
  - Product: Catalog reference used for valuation

INVARIANTS:
  1. 0 <= StockLot.OutQuantity <= StockLot.Quantity
  2. 0 <= SaleLine.DeliveredQuantity <= SaleLine.Quantity
  3. For every product, at rest:
       sum(lot.OutQuantity) == sum(line.DeliveredQuantity)
  4. Sale aggregates (DeliveredAmount, PaidAmount, Delivered, Paid) are
     derived from lines by Recompute and never set independently.

DESIGN PRINCIPLES:
  1. Quantities are whole units (int); money uses decimal.Decimal with at
     most MoneyScale fractional digits
  2. Lines with no ProductID are manual/free-text and never touch stock
  3. Every mutation runs in exactly one store transaction

SEE ALSO:
  - allocator.go: FIFO deduct / LIFO restore
  - line.go: Per-line delivered/paid transitions
  - service.go: Sale create/update/delete
  - reconcile.go: Full-history rebuild
*/
package ledger

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID int64
type PurchaseID int64
type LotID int64
type SaleID int64
type LineID int64

// ProductRef returns a pointer to id, for optional product references.
func ProductRef(id ProductID) *ProductID { return &id }

// MoneyScale is the number of fractional digits a stored amount may carry.
const MoneyScale = 2

// inCents reports whether d fits MoneyScale without rounding.
func inCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// =============================================================================
// CATALOG
// =============================================================================

// Product is the slice of the catalog the ledger needs: identity and the
// price used to value free stock.
type Product struct {
	ID            ProductID
	Name          string
	OriginalPrice decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// PURCHASES AND LOTS
// =============================================================================

// Purchase is a supplier invoice. It owns its lots and payments.
type Purchase struct {
	ID           PurchaseID
	Supplier     string
	InvoiceCode  string
	PurchaseDate time.Time
	TotalAmount  decimal.Decimal
	Lots         []StockLot
	Payments     []PurchasePayment
	CreatedAt    time.Time
}

// PurchasePayment records money paid to the supplier for a purchase.
type PurchasePayment struct {
	ID         int64
	PurchaseID PurchaseID
	Payer      string
	Amount     decimal.Decimal
	Method     string
}

// StockLot is one purchased batch; the unit of FIFO consumption.
type StockLot struct {
	ID           LotID
	PurchaseID   PurchaseID
	ProductID    *ProductID // nil until matched to a catalog product
	Description  string
	Code         string
	Quantity     int
	OutQuantity  int
	UnitPrice    decimal.Decimal
	TotalAmount  decimal.Decimal
	PurchaseDate time.Time
	CreatedAt    time.Time
}

// Available returns the units of this lot not yet allocated to deliveries.
func (l StockLot) Available() int { return l.Quantity - l.OutQuantity }

// LotFilter narrows ListLots.
type LotFilter struct {
	ProductID *ProductID
	Unmatched bool // only lots with no product
}

// =============================================================================
// SALES
// =============================================================================

// CustomerInfo holds the free-form header of a sale.
type CustomerInfo struct {
	Name         string
	Notes        string
	Installments *int
	Seller       string
}

// Sale is the aggregate of line items for one customer transaction.
type Sale struct {
	ID       SaleID
	Customer CustomerInfo

	TotalAmount     decimal.Decimal
	DeliveredAmount decimal.Decimal
	PaidAmount      decimal.Decimal
	Delivered       bool
	Paid            bool

	Lines     []SaleLine
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaleLine is a single product (or manual item) within a sale.
type SaleLine struct {
	ID                LineID
	SaleID            SaleID
	ProductID         *ProductID
	ManualProductName string
	Quantity          int
	DeliveredQuantity int
	IsPaid            bool
	UnitPrice         decimal.Decimal
	TotalPrice        decimal.Decimal
}

// IsManual reports whether the line is free text with no stock behind it.
func (l SaleLine) IsManual() bool { return l.ProductID == nil }

// FullyDelivered reports whether every unit of the line has been delivered.
func (l SaleLine) FullyDelivered() bool { return l.DeliveredQuantity == l.Quantity }

// Reserved returns units promised but not yet delivered.
func (l SaleLine) Reserved() int {
	if r := l.Quantity - l.DeliveredQuantity; r > 0 {
		return r
	}
	return 0
}

// Recompute derives the sale's aggregate amounts and flags from its lines.
// It must run after every line mutation.
func (s *Sale) Recompute() {
	total := decimal.Zero
	delivered := decimal.Zero
	paid := decimal.Zero
	allDelivered := len(s.Lines) > 0
	allPaid := len(s.Lines) > 0

	for _, line := range s.Lines {
		total = total.Add(line.TotalPrice)
		if line.FullyDelivered() {
			delivered = delivered.Add(line.TotalPrice)
		} else {
			allDelivered = false
		}
		if line.IsPaid {
			paid = paid.Add(line.TotalPrice)
		} else {
			allPaid = false
		}
	}

	s.TotalAmount = total
	s.DeliveredAmount = delivered
	s.PaidAmount = paid
	s.Delivered = allDelivered
	s.Paid = allPaid
}

// Line returns a pointer to the line with the given id, or nil.
func (s *Sale) Line(id LineID) *SaleLine {
	for i := range s.Lines {
		if s.Lines[i].ID == id {
			return &s.Lines[i]
		}
	}
	return nil
}

// lineKey identifies a line's product for duplicate detection. Manual names
// compare case-insensitively.
func lineKey(productID *ProductID, manualName string) string {
	if productID != nil {
		return "p:" + strconv.FormatInt(int64(*productID), 10)
	}
	return "m:" + strings.ToLower(strings.TrimSpace(manualName))
}
