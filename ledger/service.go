/*
service.go - Sale aggregate synchronizer

PURPOSE:
  The entry point the API layer calls. Every sale mutation (create, update,
  delete) runs in exactly one store transaction and routes all delivery and
  payment changes through LineMachine, then recomputes the sale's derived
  fields with Sale.Recompute.

REQUEST FLOW:
  1. Validate input (ValidationError, nothing touched)
  2. store.WithTx:
       load/insert sale -> LineMachine transitions -> Allocator -> lots
       Recompute -> SaveSaleHeader
  3. After commit: report stock movements to the Observer

UPDATE MODES:
  Full replacement (SaleUpdate.Lines != nil):
    restore every delivered unit, delete the lines, recreate them at zero,
    apply the requested targets.
  Partial toggles (SaleUpdate.Delivered / Paid / LineUpdates):
    sale-wide flags first, then per-line updates.
  Both paths end in the same Recompute.

DEFAULTS ON REPLACEMENT:
  A replacement line with no explicit target inherits the sale-wide flag from
  the update, or the sale's previous Delivered/Paid state when the update
  does not set one.

SEE ALSO:
  - line.go: LineMachine transitions
  - reconcile.go: Full-history rebuild
  - summary.go: Read-only stock summary
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service exposes the ledger operations.
type Service struct {
	store    TxStore
	alloc    *Allocator
	lines    *LineMachine
	observer Observer
	locker   Locker
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

func WithObserver(o Observer) Option { return func(s *Service) { s.observer = o } }

// WithLocker replaces the in-process reconciliation lock, e.g. with a
// Redis-backed lock shared by several instances.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store TxStore, opts ...Option) *Service {
	alloc := NewAllocator()
	s := &Service{
		store:    store,
		alloc:    alloc,
		lines:    NewLineMachine(alloc),
		observer: nopObserver{},
		locker:   &processLocker{},
		log:      zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// INPUTS
// =============================================================================

// LineInput describes one line of a new or replaced sale. Exactly one of
// ProductID and ManualProductName must be set. DeliveredQuantity and Paid
// override the sale-wide flags for this line.
type LineInput struct {
	ProductID         *ProductID
	ManualProductName string
	Quantity          int
	UnitPrice         decimal.Decimal
	DeliveredQuantity *int
	Paid              *bool
}

type CreateSaleInput struct {
	Customer  CustomerInfo
	Lines     []LineInput
	Delivered bool
	Paid      bool
}

// SaleUpdate is a partial update. Nil fields are left alone.
type SaleUpdate struct {
	CustomerName *string
	Notes        *string
	Installments *int
	Seller       *string

	Lines []LineInput // non-nil: replace every line

	Delivered   *bool
	Paid        *bool
	LineUpdates []LineUpdate
}

// LineUpdate toggles one existing line. DeliveredQuantity wins over Delivered.
type LineUpdate struct {
	LineID            LineID
	DeliveredQuantity *int
	Delivered         *bool
	Paid              *bool
}

func validateCustomer(c CustomerInfo) error {
	if c.Installments != nil && *c.Installments < 0 {
		return invalid("installments", "must not be negative")
	}
	return nil
}

func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return invalid("lines", "a sale must have at least one line")
	}

	seen := make(map[string]bool, len(lines))
	for i, line := range lines {
		manual := strings.TrimSpace(line.ManualProductName)
		switch {
		case line.ProductID == nil && manual == "":
			return invalid("lines", "line %d needs a product or a manual product name", i)
		case line.ProductID != nil && manual != "":
			return invalid("lines", "line %d cannot have both a product and a manual product name", i)
		}
		if line.Quantity <= 0 {
			return invalid("quantity", "line %d quantity must be positive", i)
		}
		if !line.UnitPrice.IsPositive() {
			return invalid("unit_price", "line %d unit price must be positive", i)
		}
		if !inCents(line.UnitPrice) {
			return invalid("unit_price", "line %d unit price has more than %d decimals", i, MoneyScale)
		}
		if dq := line.DeliveredQuantity; dq != nil && (*dq < 0 || *dq > line.Quantity) {
			return invalid("delivered_quantity", "line %d delivered quantity must be between 0 and %d", i, line.Quantity)
		}

		key := lineKey(line.ProductID, manual)
		if seen[key] {
			if line.ProductID != nil {
				return invalid("lines", "product %d appears more than once", *line.ProductID)
			}
			return invalid("lines", "manual product %q appears more than once", manual)
		}
		seen[key] = true
	}
	return nil
}

func validateUpdate(upd SaleUpdate) error {
	if upd.Installments != nil && *upd.Installments < 0 {
		return invalid("installments", "must not be negative")
	}
	if upd.Lines != nil {
		if len(upd.LineUpdates) > 0 {
			return invalid("line_updates", "cannot be combined with a line replacement")
		}
		return validateLines(upd.Lines)
	}
	for _, lu := range upd.LineUpdates {
		if lu.DeliveredQuantity != nil && *lu.DeliveredQuantity < 0 {
			return invalid("delivered_quantity", "line %d delivered quantity must not be negative", lu.LineID)
		}
	}
	return nil
}

// =============================================================================
// MUTATION CONTEXT
// =============================================================================

// mutation carries one transaction's store and the stock it moved, which is
// reported to the observer only after commit.
type mutation struct {
	svc   *Service
	tx    Store
	moves map[ProductID]*[2]int // deducted, restored
}

func (s *Service) begin(tx Store) *mutation {
	return &mutation{svc: s, tx: tx, moves: make(map[ProductID]*[2]int)}
}

func (m *mutation) setDelivered(ctx context.Context, line *SaleLine, target int) error {
	moved, err := m.svc.lines.SetDeliveredQuantity(ctx, m.tx, line, target)
	if err != nil || moved == 0 {
		return err
	}
	mv, ok := m.moves[*line.ProductID]
	if !ok {
		mv = &[2]int{}
		m.moves[*line.ProductID] = mv
	}
	if moved > 0 {
		mv[0] += moved
	} else {
		mv[1] -= moved
	}
	return nil
}

// lockStock takes the lot locks of every product the mutation may touch, in
// ascending product order. Deduct and Restore later relock rows already
// held, so two multi-product mutations cannot deadlock on each other.
func (m *mutation) lockStock(ctx context.Context, lines []SaleLine, inputs []LineInput) error {
	seen := make(map[ProductID]bool)
	var ids []ProductID
	add := func(id *ProductID) {
		if id != nil && !seen[*id] {
			seen[*id] = true
			ids = append(ids, *id)
		}
	}
	for _, line := range lines {
		add(line.ProductID)
	}
	for _, in := range inputs {
		add(in.ProductID)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if _, err := m.tx.LockLots(ctx, id); err != nil {
			return fmt.Errorf("lock lots for product %d: %w", id, err)
		}
	}
	return nil
}

func (m *mutation) setPaid(ctx context.Context, line *SaleLine, paid bool) error {
	return m.svc.lines.SetPaid(ctx, m.tx, line, paid)
}

// addLines inserts lines at zero delivery and payment, then applies their
// targets through the state machine.
func (m *mutation) addLines(ctx context.Context, sale *Sale, inputs []LineInput, delivered, paid bool) error {
	if err := m.svc.requireProducts(ctx, m.tx, inputs); err != nil {
		return err
	}

	start := len(sale.Lines)
	for _, in := range inputs {
		line := SaleLine{
			SaleID:            sale.ID,
			ProductID:         in.ProductID,
			ManualProductName: strings.TrimSpace(in.ManualProductName),
			Quantity:          in.Quantity,
			UnitPrice:         in.UnitPrice,
			TotalPrice:        in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))),
		}
		if err := m.tx.InsertLine(ctx, &line); err != nil {
			return err
		}
		sale.Lines = append(sale.Lines, line)
	}

	for i, in := range inputs {
		line := &sale.Lines[start+i]
		target := 0
		switch {
		case in.DeliveredQuantity != nil:
			target = *in.DeliveredQuantity
		case delivered:
			target = line.Quantity
		}
		if err := m.setDelivered(ctx, line, target); err != nil {
			return err
		}

		isPaid := paid
		if in.Paid != nil {
			isPaid = *in.Paid
		}
		if err := m.setPaid(ctx, line, isPaid); err != nil {
			return err
		}
	}
	return nil
}

func (m *mutation) save(ctx context.Context, sale *Sale) error {
	sale.Recompute()
	sale.UpdatedAt = m.svc.now()
	return m.tx.SaveSaleHeader(ctx, sale)
}

func (s *Service) requireProducts(ctx context.Context, store Store, inputs []LineInput) error {
	var ids []ProductID
	for _, in := range inputs {
		if in.ProductID != nil {
			ids = append(ids, *in.ProductID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	found, err := store.GetProducts(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return &NotFoundError{Resource: "product", ID: int64(id)}
		}
	}
	return nil
}

// run executes fn in one transaction and reports the outcome.
func (s *Service) run(ctx context.Context, op string, fn func(m *mutation) error) error {
	var committed *mutation
	err := s.store.WithTx(ctx, func(tx Store) error {
		m := s.begin(tx)
		if err := fn(m); err != nil {
			return err
		}
		committed = m
		return nil
	})

	s.observer.SaleMutation(op, err)
	if err != nil {
		var stockErr *InsufficientStockError
		if errors.As(err, &stockErr) {
			s.observer.StockRejected(stockErr.ProductID)
		}
		if IsClientError(err) || IsNotFound(err) {
			s.log.Debug("sale mutation rejected", zap.String("op", op), zap.Error(err))
		} else {
			s.log.Error("sale mutation failed", zap.String("op", op), zap.Error(err))
		}
		return err
	}

	for productID, mv := range committed.moves {
		s.observer.StockMoved(productID, mv[0], mv[1])
	}
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateSale creates a sale and applies the requested initial delivery and
// payment through the line state machine.
func (s *Service) CreateSale(ctx context.Context, in CreateSaleInput) (*Sale, error) {
	if err := validateCustomer(in.Customer); err != nil {
		return nil, err
	}
	if err := validateLines(in.Lines); err != nil {
		return nil, err
	}

	var sale *Sale
	err := s.run(ctx, "create", func(m *mutation) error {
		now := s.now()
		sale = &Sale{Customer: in.Customer, CreatedAt: now, UpdatedAt: now}
		sale.Customer.Name = strings.TrimSpace(sale.Customer.Name)
		if err := m.lockStock(ctx, nil, in.Lines); err != nil {
			return err
		}
		if err := m.tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		if err := m.addLines(ctx, sale, in.Lines, in.Delivered, in.Paid); err != nil {
			return err
		}
		return m.save(ctx, sale)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("sale created",
		zap.Int64("sale_id", int64(sale.ID)),
		zap.Int("lines", len(sale.Lines)),
		zap.String("total", sale.TotalAmount.String()))
	return sale, nil
}

// UpdateSale applies a partial update to a sale.
func (s *Service) UpdateSale(ctx context.Context, id SaleID, upd SaleUpdate) (*Sale, error) {
	if err := validateUpdate(upd); err != nil {
		return nil, err
	}

	var sale *Sale
	err := s.run(ctx, "update", func(m *mutation) error {
		var err error
		sale, err = m.tx.LockSale(ctx, id)
		if err != nil {
			return err
		}
		if err := m.lockStock(ctx, sale.Lines, upd.Lines); err != nil {
			return err
		}

		if upd.CustomerName != nil {
			sale.Customer.Name = strings.TrimSpace(*upd.CustomerName)
		}
		if upd.Notes != nil {
			sale.Customer.Notes = *upd.Notes
		}
		if upd.Installments != nil {
			sale.Customer.Installments = upd.Installments
		}
		if upd.Seller != nil {
			sale.Customer.Seller = *upd.Seller
		}

		if upd.Lines != nil {
			err = m.replaceLines(ctx, sale, upd)
		} else {
			err = m.toggle(ctx, sale, upd)
		}
		if err != nil {
			return err
		}
		return m.save(ctx, sale)
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (m *mutation) replaceLines(ctx context.Context, sale *Sale, upd SaleUpdate) error {
	delivered, paid := sale.Delivered, sale.Paid
	if upd.Delivered != nil {
		delivered = *upd.Delivered
	}
	if upd.Paid != nil {
		paid = *upd.Paid
	}

	for i := range sale.Lines {
		if err := m.setDelivered(ctx, &sale.Lines[i], 0); err != nil {
			return err
		}
	}
	if err := m.tx.DeleteLines(ctx, sale.ID); err != nil {
		return err
	}
	sale.Lines = nil

	return m.addLines(ctx, sale, upd.Lines, delivered, paid)
}

func (m *mutation) toggle(ctx context.Context, sale *Sale, upd SaleUpdate) error {
	for i := range sale.Lines {
		line := &sale.Lines[i]
		if upd.Delivered != nil {
			target := 0
			if *upd.Delivered {
				target = line.Quantity
			}
			if err := m.setDelivered(ctx, line, target); err != nil {
				return err
			}
		}
		if upd.Paid != nil {
			if err := m.setPaid(ctx, line, *upd.Paid); err != nil {
				return err
			}
		}
	}

	for _, lu := range upd.LineUpdates {
		line := sale.Line(lu.LineID)
		if line == nil {
			return &NotFoundError{Resource: "line", ID: int64(lu.LineID)}
		}
		switch {
		case lu.DeliveredQuantity != nil:
			if err := m.setDelivered(ctx, line, *lu.DeliveredQuantity); err != nil {
				return err
			}
		case lu.Delivered != nil:
			target := 0
			if *lu.Delivered {
				target = line.Quantity
			}
			if err := m.setDelivered(ctx, line, target); err != nil {
				return err
			}
		}
		if lu.Paid != nil {
			if err := m.setPaid(ctx, line, *lu.Paid); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteSale restores every delivered unit and removes the sale with its lines.
func (s *Service) DeleteSale(ctx context.Context, id SaleID) error {
	return s.run(ctx, "delete", func(m *mutation) error {
		sale, err := m.tx.LockSale(ctx, id)
		if err != nil {
			return err
		}
		if err := m.lockStock(ctx, sale.Lines, nil); err != nil {
			return err
		}
		for i := range sale.Lines {
			if err := m.setDelivered(ctx, &sale.Lines[i], 0); err != nil {
				return err
			}
		}
		return m.tx.DeleteSale(ctx, sale.ID)
	})
}

// GetSale returns one sale with its lines.
func (s *Service) GetSale(ctx context.Context, id SaleID) (*Sale, error) {
	return s.store.GetSale(ctx, id)
}

// ListSales returns the newest sales first.
func (s *Service) ListSales(ctx context.Context, limit int) ([]Sale, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListSales(ctx, limit)
}
