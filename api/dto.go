/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal and serialize as JSON strings ("12.50").
  Requests accept either strings or numbers.

VALIDATION:
  Struct tags (go-playground/validator) reject malformed shapes before the
  ledger is called. Business rules (positive prices, duplicate products,
  delivered <= quantity) stay in the ledger, which reports them as
  ValidationError; both paths produce 422.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type UpsertProductRequest struct {
	ID            *int64          `json:"id" validate:"omitempty,gt=0"`
	Name          string          `json:"name" validate:"required,max=200"`
	OriginalPrice decimal.Decimal `json:"original_price"`
}

type CreatePurchaseRequest struct {
	Supplier     string           `json:"supplier" validate:"max=200"`
	InvoiceCode  string           `json:"invoice_code" validate:"max=100"`
	PurchaseDate time.Time        `json:"purchase_date"`
	Lots         []LotRequest     `json:"lots" validate:"required,min=1,dive"`
	Payments     []PaymentRequest `json:"payments" validate:"dive"`
}

type LotRequest struct {
	ProductID   *int64          `json:"product_id" validate:"omitempty,gt=0"`
	Description string          `json:"description" validate:"max=500"`
	Code        string          `json:"code" validate:"max=100"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type PaymentRequest struct {
	Payer  string          `json:"payer" validate:"required,max=200"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" validate:"max=50"`
}

type AssignLotProductRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
}

// SaleLineRequest is one line of a new sale or a full line replacement.
type SaleLineRequest struct {
	ProductID         *int64          `json:"product_id" validate:"omitempty,gt=0"`
	ManualProductName string          `json:"manual_product_name" validate:"max=200"`
	Quantity          int             `json:"quantity" validate:"gt=0"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	DeliveredQuantity *int            `json:"delivered_quantity" validate:"omitempty,gte=0"`
	Paid              *bool           `json:"paid"`
}

type CreateSaleRequest struct {
	CustomerName string            `json:"customer_name" validate:"max=200"`
	Notes        string            `json:"notes" validate:"max=2000"`
	Installments *int              `json:"installments" validate:"omitempty,gte=0"`
	Seller       string            `json:"seller" validate:"max=100"`
	Lines        []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
	Delivered    bool              `json:"delivered"`
	Paid         bool              `json:"paid"`
}

// UpdateSaleRequest is a partial update. Absent fields are left alone; a
// present "lines" array replaces every line.
type UpdateSaleRequest struct {
	CustomerName *string             `json:"customer_name" validate:"omitempty,max=200"`
	Notes        *string             `json:"notes" validate:"omitempty,max=2000"`
	Installments *int                `json:"installments" validate:"omitempty,gte=0"`
	Seller       *string             `json:"seller" validate:"omitempty,max=100"`
	Lines        []SaleLineRequest   `json:"lines" validate:"omitempty,dive"`
	Delivered    *bool               `json:"delivered"`
	Paid         *bool               `json:"paid"`
	LineUpdates  []LineUpdateRequest `json:"line_updates" validate:"omitempty,dive"`
}

type LineUpdateRequest struct {
	LineID            int64 `json:"line_id" validate:"required,gt=0"`
	DeliveredQuantity *int  `json:"delivered_quantity" validate:"omitempty,gte=0"`
	Delivered         *bool `json:"delivered"`
	Paid              *bool `json:"paid"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ProductDTO struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type LotDTO struct {
	ID           int64           `json:"id"`
	PurchaseID   int64           `json:"purchase_id"`
	ProductID    *int64          `json:"product_id"`
	Description  string          `json:"description,omitempty"`
	Code         string          `json:"code,omitempty"`
	Quantity     int             `json:"quantity"`
	OutQuantity  int             `json:"out_quantity"`
	Available    int             `json:"available"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	PurchaseDate time.Time       `json:"purchase_date"`
}

type PaymentDTO struct {
	ID     int64           `json:"id"`
	Payer  string          `json:"payer"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method,omitempty"`
}

type PurchaseDTO struct {
	ID           int64           `json:"id"`
	Supplier     string          `json:"supplier"`
	InvoiceCode  string          `json:"invoice_code,omitempty"`
	PurchaseDate time.Time       `json:"purchase_date"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Lots         []LotDTO        `json:"lots"`
	Payments     []PaymentDTO    `json:"payments"`
	CreatedAt    time.Time       `json:"created_at"`
}

type SaleLineDTO struct {
	ID                int64           `json:"id"`
	ProductID         *int64          `json:"product_id"`
	ManualProductName string          `json:"manual_product_name,omitempty"`
	Quantity          int             `json:"quantity"`
	DeliveredQuantity int             `json:"delivered_quantity"`
	IsPaid            bool            `json:"is_paid"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	TotalPrice        decimal.Decimal `json:"total_price"`
}

type SaleDTO struct {
	ID              int64           `json:"id"`
	CustomerName    string          `json:"customer_name"`
	Notes           string          `json:"notes,omitempty"`
	Installments    *int            `json:"installments"`
	Seller          string          `json:"seller,omitempty"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	DeliveredAmount decimal.Decimal `json:"delivered_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	Delivered       bool            `json:"delivered"`
	Paid            bool            `json:"paid"`
	Lines           []SaleLineDTO   `json:"lines"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type StockSummaryDTO struct {
	ProductID         int64           `json:"product_id"`
	StockQty          int             `json:"stock_qty"`
	ReservedQty       int             `json:"reserved_qty"`
	ReservedSaleValue decimal.Decimal `json:"reserved_sale_value"`
	OriginalPrice     decimal.Decimal `json:"original_price"`
	StockValue        decimal.Decimal `json:"stock_value"`
}

type ShortageDTO struct {
	SaleID          int64 `json:"sale_id"`
	LineID          int64 `json:"line_id"`
	ProductID       int64 `json:"product_id"`
	MissingQuantity int   `json:"missing_quantity"`
}

type ReconciliationReportDTO struct {
	SalesProcessed int           `json:"sales_processed"`
	UnitsRequested int           `json:"units_requested"`
	UnitsDeducted  int           `json:"units_deducted"`
	Shortages      []ShortageDTO `json:"shortages"`
}

type ReconciliationRunDTO struct {
	ID          string                  `json:"id"`
	Status      string                  `json:"status"`
	Report      ReconciliationReportDTO `json:"report"`
	Error       string                  `json:"error,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func productIDPtr(id *int64) *ledger.ProductID {
	if id == nil {
		return nil
	}
	return ledger.ProductRef(ledger.ProductID(*id))
}

func int64Ptr(id *ledger.ProductID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func (r SaleLineRequest) toInput() ledger.LineInput {
	return ledger.LineInput{
		ProductID:         productIDPtr(r.ProductID),
		ManualProductName: r.ManualProductName,
		Quantity:          r.Quantity,
		UnitPrice:         r.UnitPrice,
		DeliveredQuantity: r.DeliveredQuantity,
		Paid:              r.Paid,
	}
}

func toLineInputs(reqs []SaleLineRequest) []ledger.LineInput {
	if reqs == nil {
		return nil
	}
	out := make([]ledger.LineInput, len(reqs))
	for i, r := range reqs {
		out[i] = r.toInput()
	}
	return out
}

func (r CreateSaleRequest) toInput() ledger.CreateSaleInput {
	return ledger.CreateSaleInput{
		Customer: ledger.CustomerInfo{
			Name:         r.CustomerName,
			Notes:        r.Notes,
			Installments: r.Installments,
			Seller:       r.Seller,
		},
		Lines:     toLineInputs(r.Lines),
		Delivered: r.Delivered,
		Paid:      r.Paid,
	}
}

func (r UpdateSaleRequest) toUpdate() ledger.SaleUpdate {
	upd := ledger.SaleUpdate{
		CustomerName: r.CustomerName,
		Notes:        r.Notes,
		Installments: r.Installments,
		Seller:       r.Seller,
		Lines:        toLineInputs(r.Lines),
		Delivered:    r.Delivered,
		Paid:         r.Paid,
	}
	for _, lu := range r.LineUpdates {
		upd.LineUpdates = append(upd.LineUpdates, ledger.LineUpdate{
			LineID:            ledger.LineID(lu.LineID),
			DeliveredQuantity: lu.DeliveredQuantity,
			Delivered:         lu.Delivered,
			Paid:              lu.Paid,
		})
	}
	return upd
}

func (r CreatePurchaseRequest) toInput() ledger.PurchaseInput {
	in := ledger.PurchaseInput{
		Supplier:     r.Supplier,
		InvoiceCode:  r.InvoiceCode,
		PurchaseDate: r.PurchaseDate,
	}
	for _, l := range r.Lots {
		in.Lots = append(in.Lots, ledger.LotInput{
			ProductID:   productIDPtr(l.ProductID),
			Description: l.Description,
			Code:        l.Code,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
	}
	for _, p := range r.Payments {
		in.Payments = append(in.Payments, ledger.PaymentInput{Payer: p.Payer, Amount: p.Amount, Method: p.Method})
	}
	return in
}

func toProductDTO(p ledger.Product) ProductDTO {
	return ProductDTO{
		ID:            int64(p.ID),
		Name:          p.Name,
		OriginalPrice: p.OriginalPrice,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toLotDTO(l ledger.StockLot) LotDTO {
	return LotDTO{
		ID:           int64(l.ID),
		PurchaseID:   int64(l.PurchaseID),
		ProductID:    int64Ptr(l.ProductID),
		Description:  l.Description,
		Code:         l.Code,
		Quantity:     l.Quantity,
		OutQuantity:  l.OutQuantity,
		Available:    l.Available(),
		UnitPrice:    l.UnitPrice,
		TotalAmount:  l.TotalAmount,
		PurchaseDate: l.PurchaseDate,
	}
}

func toLotDTOs(lots []ledger.StockLot) []LotDTO {
	out := make([]LotDTO, 0, len(lots))
	for _, l := range lots {
		out = append(out, toLotDTO(l))
	}
	return out
}

func toPurchaseDTO(p ledger.Purchase) PurchaseDTO {
	dto := PurchaseDTO{
		ID:           int64(p.ID),
		Supplier:     p.Supplier,
		InvoiceCode:  p.InvoiceCode,
		PurchaseDate: p.PurchaseDate,
		TotalAmount:  p.TotalAmount,
		Lots:         toLotDTOs(p.Lots),
		Payments:     make([]PaymentDTO, 0, len(p.Payments)),
		CreatedAt:    p.CreatedAt,
	}
	for _, pay := range p.Payments {
		dto.Payments = append(dto.Payments, PaymentDTO{ID: pay.ID, Payer: pay.Payer, Amount: pay.Amount, Method: pay.Method})
	}
	return dto
}

func toSaleDTO(s ledger.Sale) SaleDTO {
	dto := SaleDTO{
		ID:              int64(s.ID),
		CustomerName:    s.Customer.Name,
		Notes:           s.Customer.Notes,
		Installments:    s.Customer.Installments,
		Seller:          s.Customer.Seller,
		TotalAmount:     s.TotalAmount,
		DeliveredAmount: s.DeliveredAmount,
		PaidAmount:      s.PaidAmount,
		Delivered:       s.Delivered,
		Paid:            s.Paid,
		Lines:           make([]SaleLineDTO, 0, len(s.Lines)),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	for _, l := range s.Lines {
		dto.Lines = append(dto.Lines, SaleLineDTO{
			ID:                int64(l.ID),
			ProductID:         int64Ptr(l.ProductID),
			ManualProductName: l.ManualProductName,
			Quantity:          l.Quantity,
			DeliveredQuantity: l.DeliveredQuantity,
			IsPaid:            l.IsPaid,
			UnitPrice:         l.UnitPrice,
			TotalPrice:        l.TotalPrice,
		})
	}
	return dto
}

func toReportDTO(r ledger.ReconciliationReport) ReconciliationReportDTO {
	dto := ReconciliationReportDTO{
		SalesProcessed: r.SalesProcessed,
		UnitsRequested: r.UnitsRequested,
		UnitsDeducted:  r.UnitsDeducted,
		Shortages:      make([]ShortageDTO, 0, len(r.Shortages)),
	}
	for _, sh := range r.Shortages {
		dto.Shortages = append(dto.Shortages, ShortageDTO{
			SaleID:          int64(sh.SaleID),
			LineID:          int64(sh.LineID),
			ProductID:       int64(sh.ProductID),
			MissingQuantity: sh.MissingQuantity,
		})
	}
	return dto
}

func toRunDTO(run ledger.ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:          run.ID,
		Status:      string(run.Status),
		Report:      toReportDTO(run.Report),
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}
