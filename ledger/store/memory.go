// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nicktuk/HF-WEB/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. WithTx holds the
// mutex for the whole transaction, which gives the same serialization a
// locked lot row would.
type Memory struct {
	mu   *sync.Mutex
	inTx bool
	st   *state
}

type state struct {
	nextID    int64
	products  map[ledger.ProductID]ledger.Product
	purchases map[ledger.PurchaseID]ledger.Purchase
	payments  map[ledger.PurchaseID][]ledger.PurchasePayment
	lots      map[ledger.LotID]ledger.StockLot
	sales     map[ledger.SaleID]ledger.Sale // headers only
	lines     map[ledger.LineID]ledger.SaleLine
	runs      []ledger.ReconciliationRun
}

func NewMemory() *Memory {
	return &Memory{
		mu: &sync.Mutex{},
		st: &state{
			products:  make(map[ledger.ProductID]ledger.Product),
			purchases: make(map[ledger.PurchaseID]ledger.Purchase),
			payments:  make(map[ledger.PurchaseID][]ledger.PurchasePayment),
			lots:      make(map[ledger.LotID]ledger.StockLot),
			sales:     make(map[ledger.SaleID]ledger.Sale),
			lines:     make(map[ledger.LineID]ledger.SaleLine),
		},
	}
}

// lock is a no-op inside WithTx, where the mutex is already held.
func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (st *state) id() int64 {
	st.nextID++
	return st.nextID
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &Memory{mu: m.mu, inTx: true, st: m.st}
	if err := fn(view); err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

func (st *state) clone() *state {
	c := &state{
		nextID:    st.nextID,
		products:  make(map[ledger.ProductID]ledger.Product, len(st.products)),
		purchases: make(map[ledger.PurchaseID]ledger.Purchase, len(st.purchases)),
		payments:  make(map[ledger.PurchaseID][]ledger.PurchasePayment, len(st.payments)),
		lots:      make(map[ledger.LotID]ledger.StockLot, len(st.lots)),
		sales:     make(map[ledger.SaleID]ledger.Sale, len(st.sales)),
		lines:     make(map[ledger.LineID]ledger.SaleLine, len(st.lines)),
		runs:      append([]ledger.ReconciliationRun(nil), st.runs...),
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.purchases {
		c.purchases[k] = v
	}
	for k, v := range st.payments {
		c.payments[k] = append([]ledger.PurchasePayment(nil), v...)
	}
	for k, v := range st.lots {
		c.lots[k] = v
	}
	for k, v := range st.sales {
		c.sales[k] = v
	}
	for k, v := range st.lines {
		c.lines[k] = v
	}
	return c
}

// =============================================================================
// LOTS
// =============================================================================

func (m *Memory) lotsWhere(keep func(ledger.StockLot) bool) []ledger.StockLot {
	var out []ledger.StockLot
	for _, lot := range m.st.lots {
		if keep(lot) {
			out = append(out, lot)
		}
	}
	ledger.SortFIFO(out)
	return out
}

func (m *Memory) LockLots(_ context.Context, productID ledger.ProductID) ([]ledger.StockLot, error) {
	defer m.lock()()
	return m.lotsWhere(func(l ledger.StockLot) bool {
		return l.ProductID != nil && *l.ProductID == productID
	}), nil
}

func (m *Memory) AdjustLotOut(_ context.Context, lotID ledger.LotID, delta int) error {
	defer m.lock()()
	lot, ok := m.st.lots[lotID]
	if !ok || lot.OutQuantity+delta < 0 || lot.OutQuantity+delta > lot.Quantity {
		return fmt.Errorf("lot %d: %w", lotID, ledger.ErrConcurrentModification)
	}
	lot.OutQuantity += delta
	m.st.lots[lotID] = lot
	return nil
}

func (m *Memory) SetLotOut(_ context.Context, lotID ledger.LotID, out int) error {
	defer m.lock()()
	lot, ok := m.st.lots[lotID]
	if !ok || out < 0 || out > lot.Quantity {
		return fmt.Errorf("lot %d: %w", lotID, ledger.ErrConcurrentModification)
	}
	lot.OutQuantity = out
	m.st.lots[lotID] = lot
	return nil
}

func (m *Memory) ResetLotConsumption(_ context.Context) (int64, error) {
	defer m.lock()()
	var n int64
	for id, lot := range m.st.lots {
		if lot.OutQuantity != 0 {
			lot.OutQuantity = 0
			m.st.lots[id] = lot
			n++
		}
	}
	return n, nil
}

// LockLotTable is a no-op: WithTx already holds the store mutex.
func (m *Memory) LockLotTable(_ context.Context) error { return nil }

func (m *Memory) GetLot(_ context.Context, id ledger.LotID) (*ledger.StockLot, error) {
	defer m.lock()()
	lot, ok := m.st.lots[id]
	if !ok {
		return nil, &ledger.NotFoundError{Resource: "lot", ID: int64(id)}
	}
	return &lot, nil
}

func (m *Memory) AssignLotProduct(_ context.Context, id ledger.LotID, productID ledger.ProductID) error {
	defer m.lock()()
	lot, ok := m.st.lots[id]
	if !ok {
		return &ledger.NotFoundError{Resource: "lot", ID: int64(id)}
	}
	lot.ProductID = ledger.ProductRef(productID)
	m.st.lots[id] = lot
	return nil
}

func (m *Memory) ListLots(_ context.Context, filter ledger.LotFilter) ([]ledger.StockLot, error) {
	defer m.lock()()
	return m.lotsWhere(func(l ledger.StockLot) bool {
		switch {
		case filter.Unmatched:
			return l.ProductID == nil
		case filter.ProductID != nil:
			return l.ProductID != nil && *l.ProductID == *filter.ProductID
		}
		return true
	}), nil
}

func (m *Memory) LotsByProducts(_ context.Context, ids []ledger.ProductID) ([]ledger.StockLot, error) {
	defer m.lock()()
	want := productSet(ids)
	return m.lotsWhere(func(l ledger.StockLot) bool {
		return l.ProductID != nil && want[*l.ProductID]
	}), nil
}

func productSet(ids []ledger.ProductID) map[ledger.ProductID]bool {
	set := make(map[ledger.ProductID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// =============================================================================
// SALES
// =============================================================================

func (m *Memory) InsertSale(_ context.Context, sale *ledger.Sale) error {
	defer m.lock()()
	sale.ID = ledger.SaleID(m.st.id())
	header := *sale
	header.Lines = nil
	m.st.sales[sale.ID] = header
	return nil
}

func (m *Memory) SaveSaleHeader(_ context.Context, sale *ledger.Sale) error {
	defer m.lock()()
	if _, ok := m.st.sales[sale.ID]; !ok {
		return &ledger.NotFoundError{Resource: "sale", ID: int64(sale.ID)}
	}
	header := *sale
	header.Lines = nil
	m.st.sales[sale.ID] = header
	return nil
}

func (m *Memory) DeleteSale(_ context.Context, id ledger.SaleID) error {
	defer m.lock()()
	if _, ok := m.st.sales[id]; !ok {
		return &ledger.NotFoundError{Resource: "sale", ID: int64(id)}
	}
	delete(m.st.sales, id)
	for lid, line := range m.st.lines {
		if line.SaleID == id {
			delete(m.st.lines, lid)
		}
	}
	return nil
}

// withLines attaches lines to a copy of the header, ordered by line id.
func (m *Memory) withLines(header ledger.Sale) ledger.Sale {
	sale := header
	sale.Lines = nil
	for _, line := range m.st.lines {
		if line.SaleID == sale.ID {
			sale.Lines = append(sale.Lines, line)
		}
	}
	sort.Slice(sale.Lines, func(i, j int) bool { return sale.Lines[i].ID < sale.Lines[j].ID })
	return sale
}

func (m *Memory) GetSale(_ context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	defer m.lock()()
	header, ok := m.st.sales[id]
	if !ok {
		return nil, &ledger.NotFoundError{Resource: "sale", ID: int64(id)}
	}
	sale := m.withLines(header)
	return &sale, nil
}

// LockSale is GetSale; WithTx already holds the store mutex.
func (m *Memory) LockSale(ctx context.Context, id ledger.SaleID) (*ledger.Sale, error) {
	return m.GetSale(ctx, id)
}

func (m *Memory) sortedSales(newestFirst bool) []ledger.Sale {
	out := make([]ledger.Sale, 0, len(m.st.sales))
	for _, header := range m.st.sales {
		out = append(out, m.withLines(header))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if newestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (m *Memory) ListSales(_ context.Context, limit int) ([]ledger.Sale, error) {
	defer m.lock()()
	out := m.sortedSales(true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SalesChronological(_ context.Context) ([]ledger.Sale, error) {
	defer m.lock()()
	return m.sortedSales(false), nil
}

func (m *Memory) InsertLine(_ context.Context, line *ledger.SaleLine) error {
	defer m.lock()()
	if _, ok := m.st.sales[line.SaleID]; !ok {
		return &ledger.NotFoundError{Resource: "sale", ID: int64(line.SaleID)}
	}
	line.ID = ledger.LineID(m.st.id())
	m.st.lines[line.ID] = *line
	return nil
}

func (m *Memory) UpdateLine(_ context.Context, line *ledger.SaleLine) error {
	defer m.lock()()
	if _, ok := m.st.lines[line.ID]; !ok {
		return &ledger.NotFoundError{Resource: "line", ID: int64(line.ID)}
	}
	if line.DeliveredQuantity < 0 || line.DeliveredQuantity > line.Quantity {
		return fmt.Errorf("line %d delivered quantity %d out of range", line.ID, line.DeliveredQuantity)
	}
	m.st.lines[line.ID] = *line
	return nil
}

func (m *Memory) DeleteLines(_ context.Context, saleID ledger.SaleID) error {
	defer m.lock()()
	for id, line := range m.st.lines {
		if line.SaleID == saleID {
			delete(m.st.lines, id)
		}
	}
	return nil
}

func (m *Memory) OpenLinesByProducts(_ context.Context, ids []ledger.ProductID) ([]ledger.SaleLine, error) {
	defer m.lock()()
	want := productSet(ids)
	var out []ledger.SaleLine
	for _, line := range m.st.lines {
		if line.ProductID != nil && want[*line.ProductID] && line.DeliveredQuantity < line.Quantity {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// CATALOG AND PURCHASES
// =============================================================================

func (m *Memory) UpsertProduct(_ context.Context, p *ledger.Product) error {
	defer m.lock()()
	if p.ID == 0 {
		p.ID = ledger.ProductID(m.st.id())
	} else if existing, ok := m.st.products[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if int64(p.ID) > m.st.nextID {
		m.st.nextID = int64(p.ID)
	}
	m.st.products[p.ID] = *p
	return nil
}

func (m *Memory) GetProducts(_ context.Context, ids []ledger.ProductID) (map[ledger.ProductID]ledger.Product, error) {
	defer m.lock()()
	out := make(map[ledger.ProductID]ledger.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) InsertPurchase(_ context.Context, p *ledger.Purchase) error {
	defer m.lock()()
	p.ID = ledger.PurchaseID(m.st.id())
	for i := range p.Lots {
		p.Lots[i].ID = ledger.LotID(m.st.id())
		p.Lots[i].PurchaseID = p.ID
		m.st.lots[p.Lots[i].ID] = p.Lots[i]
	}
	for i := range p.Payments {
		p.Payments[i].ID = m.st.id()
		p.Payments[i].PurchaseID = p.ID
	}
	m.st.payments[p.ID] = append([]ledger.PurchasePayment(nil), p.Payments...)

	header := *p
	header.Lots = nil
	header.Payments = nil
	m.st.purchases[p.ID] = header
	return nil
}

func (m *Memory) GetPurchase(_ context.Context, id ledger.PurchaseID) (*ledger.Purchase, error) {
	defer m.lock()()
	p, ok := m.st.purchases[id]
	if !ok {
		return nil, &ledger.NotFoundError{Resource: "purchase", ID: int64(id)}
	}
	p.Lots = m.lotsWhere(func(l ledger.StockLot) bool { return l.PurchaseID == id })
	p.Payments = append([]ledger.PurchasePayment(nil), m.st.payments[id]...)
	return &p, nil
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func (m *Memory) SaveReconciliationRun(_ context.Context, run ledger.ReconciliationRun) error {
	defer m.lock()()
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("reconciliation run needs an id")
	}
	m.st.runs = append(m.st.runs, run)
	return nil
}

func (m *Memory) ListReconciliationRuns(_ context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	defer m.lock()()
	out := make([]ledger.ReconciliationRun, 0, len(m.st.runs))
	for i := len(m.st.runs) - 1; i >= 0; i-- {
		out = append(out, m.st.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TEST HELPERS
// =============================================================================

// PutLot inserts or overwrites a lot directly, bypassing the allocator. It
// exists to simulate drift and upstream imports in tests.
func (m *Memory) PutLot(lot ledger.StockLot) ledger.StockLot {
	defer m.lock()()
	if lot.ID == 0 {
		lot.ID = ledger.LotID(m.st.id())
	}
	m.st.lots[lot.ID] = lot
	return lot
}

// PutLine overwrites a sale line directly, bypassing the state machine.
func (m *Memory) PutLine(line ledger.SaleLine) {
	defer m.lock()()
	m.st.lines[line.ID] = line
}
