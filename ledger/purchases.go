package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PurchaseInput creates a supplier purchase with its lots.
type PurchaseInput struct {
	Supplier     string
	InvoiceCode  string
	PurchaseDate time.Time
	Lots         []LotInput
	Payments     []PaymentInput
}

type LotInput struct {
	ProductID   *ProductID
	Description string
	Code        string
	Quantity    int
	UnitPrice   decimal.Decimal
}

type PaymentInput struct {
	Payer  string
	Amount decimal.Decimal
	Method string
}

func validatePurchase(in PurchaseInput) error {
	if in.PurchaseDate.IsZero() {
		return invalid("purchase_date", "is required")
	}
	if len(in.Lots) == 0 {
		return invalid("lots", "a purchase must have at least one lot")
	}
	for i, lot := range in.Lots {
		if lot.Quantity <= 0 {
			return invalid("quantity", "lot %d quantity must be positive", i)
		}
		if !lot.UnitPrice.IsPositive() {
			return invalid("unit_price", "lot %d unit price must be positive", i)
		}
		if !inCents(lot.UnitPrice) {
			return invalid("unit_price", "lot %d unit price has more than %d decimals", i, MoneyScale)
		}
	}
	for i, p := range in.Payments {
		if !p.Amount.IsPositive() {
			return invalid("amount", "payment %d amount must be positive", i)
		}
		if !inCents(p.Amount) {
			return invalid("amount", "payment %d amount has more than %d decimals", i, MoneyScale)
		}
		if strings.TrimSpace(p.Payer) == "" {
			return invalid("payer", "payment %d payer is required", i)
		}
	}
	return nil
}

// CreatePurchase records a supplier invoice and its lots with nothing consumed.
// This is the import path that feeds the lot ledger.
func (s *Service) CreatePurchase(ctx context.Context, in PurchaseInput) (*Purchase, error) {
	if err := validatePurchase(in); err != nil {
		return nil, err
	}

	date := in.PurchaseDate.UTC().Truncate(24 * time.Hour)
	p := &Purchase{
		Supplier:     strings.TrimSpace(in.Supplier),
		InvoiceCode:  strings.TrimSpace(in.InvoiceCode),
		PurchaseDate: date,
		TotalAmount:  decimal.Zero,
		CreatedAt:    s.now(),
	}
	var productIDs []ProductID
	for _, lot := range in.Lots {
		total := lot.UnitPrice.Mul(decimal.NewFromInt(int64(lot.Quantity)))
		p.TotalAmount = p.TotalAmount.Add(total)
		p.Lots = append(p.Lots, StockLot{
			ProductID:    lot.ProductID,
			Description:  lot.Description,
			Code:         lot.Code,
			Quantity:     lot.Quantity,
			UnitPrice:    lot.UnitPrice,
			TotalAmount:  total,
			PurchaseDate: date,
			CreatedAt:    p.CreatedAt,
		})
		if lot.ProductID != nil {
			productIDs = append(productIDs, *lot.ProductID)
		}
	}
	for _, pay := range in.Payments {
		p.Payments = append(p.Payments, PurchasePayment{
			Payer:  strings.TrimSpace(pay.Payer),
			Amount: pay.Amount,
			Method: pay.Method,
		})
	}

	err := s.store.WithTx(ctx, func(tx Store) error {
		if len(productIDs) > 0 {
			found, err := tx.GetProducts(ctx, productIDs)
			if err != nil {
				return err
			}
			for _, id := range productIDs {
				if _, ok := found[id]; !ok {
					return &NotFoundError{Resource: "product", ID: int64(id)}
				}
			}
		}
		return tx.InsertPurchase(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("purchase recorded",
		zap.Int64("purchase_id", int64(p.ID)),
		zap.Int("lots", len(p.Lots)),
		zap.String("total", p.TotalAmount.String()))
	return p, nil
}

func (s *Service) GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error) {
	return s.store.GetPurchase(ctx, id)
}

// AssignLotProduct matches an imported lot to a catalog product. A lot that
// already has units out cannot move, since those units belong to deliveries
// of its current product.
func (s *Service) AssignLotProduct(ctx context.Context, lotID LotID, productID ProductID) (*StockLot, error) {
	var lot *StockLot
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		lot, err = tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.ProductID != nil && *lot.ProductID == productID {
			return nil
		}
		if lot.OutQuantity > 0 {
			return invalid("product_id", "lot %d already has %d units out", lotID, lot.OutQuantity)
		}
		found, err := tx.GetProducts(ctx, []ProductID{productID})
		if err != nil {
			return err
		}
		if _, ok := found[productID]; !ok {
			return &NotFoundError{Resource: "product", ID: int64(productID)}
		}
		if err := tx.AssignLotProduct(ctx, lotID, productID); err != nil {
			return err
		}
		lot.ProductID = ProductRef(productID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lot, nil
}

// ListLots returns lots in FIFO order.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]StockLot, error) {
	return s.store.ListLots(ctx, filter)
}

// UpsertProduct creates or updates a catalog product.
func (s *Service) UpsertProduct(ctx context.Context, p Product) (*Product, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, invalid("name", "is required")
	}
	if p.OriginalPrice.IsNegative() {
		return nil, invalid("original_price", "must not be negative")
	}
	if !inCents(p.OriginalPrice) {
		return nil, invalid("original_price", "has more than %d decimals", MoneyScale)
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := s.store.UpsertProduct(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
