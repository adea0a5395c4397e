// Package orderstest provides an in-memory orders.Repository for tests.
package orderstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/ledger"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// MemRepository keeps orders in a map. Transactions work on a private copy
// and write back only the orders they touched.
type MemRepository struct {
	mu        sync.Mutex
	orders    map[int64]*orders.Order
	nextOrder int64
	nextItem  int64

	// FailItemUpdate injects an error for UpdateLineItem by item id.
	FailItemUpdate map[int64]error
	// BeforeTransition runs inside TransitionStatus before the status guard,
	// letting tests simulate a concurrent writer.
	BeforeTransition func(orderID int64)
}

// NewMemRepository creates an empty repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{orders: make(map[int64]*orders.Order), FailItemUpdate: make(map[int64]error)}
}

// Seed stores o with fresh ids and returns the stored copy.
func (m *MemRepository) Seed(o orders.Order) orders.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrder++
	o.ID = m.nextOrder
	if o.Status == "" {
		o.Status = orders.StatusReceived
	}
	for i := range o.Items {
		m.nextItem++
		o.Items[i].ID = m.nextItem
		o.Items[i].OrderID = o.ID
		if o.Items[i].Version == 0 {
			o.Items[i].Version = 1
		}
	}
	o.TotalValue = ledger.OrderValue(o.Items)
	stored := clone(&o)
	m.orders[o.ID] = stored
	return *clone(stored)
}

// Snapshot returns a copy of the committed order.
func (m *MemRepository) Snapshot(id int64) orders.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return orders.Order{}
	}
	return *clone(o)
}

// SetStatus overwrites the committed status, as another writer would.
func (m *MemRepository) SetStatus(id int64, status orders.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		o.Status = status
	}
}

// GetOrder implements orders.Repository.
func (m *MemRepository) GetOrder(_ context.Context, id int64) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, shared.ErrNotFound)
	}
	return clone(o), nil
}

// GetLineItem implements orders.Repository.
func (m *MemRepository) GetLineItem(_ context.Context, itemID int64) (*ledger.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		for _, it := range o.Items {
			if it.ID == itemID {
				cp := it
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("line item %d: %w", itemID, shared.ErrNotFound)
}

// ListPendingMissing implements orders.Repository.
func (m *MemRepository) ListPendingMissing(_ context.Context, page shared.PageRequest) ([]orders.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []orders.Order
	for _, o := range m.orders {
		if o.HasPendingMissing {
			all = append(all, *clone(o))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	page = page.Normalize()
	start := min(page.Offset(), len(all))
	end := min(start+page.PerPage, len(all))
	return all[start:end], len(all), nil
}

// WithTx implements orders.Repository.
func (m *MemRepository) WithTx(ctx context.Context, fn func(context.Context, orders.TxRepository) error) error {
	tx := &memTx{repo: m, work: make(map[int64]*orders.Order)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range tx.work {
		m.orders[id] = o
	}
	return nil
}

type memTx struct {
	repo *MemRepository
	work map[int64]*orders.Order
}

func (t *memTx) load(id int64) (*orders.Order, error) {
	if o, ok := t.work[id]; ok {
		return o, nil
	}
	t.repo.mu.Lock()
	o, ok := t.repo.orders[id]
	var cp *orders.Order
	if ok {
		cp = clone(o)
	}
	t.repo.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, shared.ErrNotFound)
	}
	t.work[id] = cp
	return cp, nil
}

func (t *memTx) InsertOrder(_ context.Context, o orders.Order) (int64, error) {
	t.repo.mu.Lock()
	t.repo.nextOrder++
	id := t.repo.nextOrder
	t.repo.mu.Unlock()
	o.ID = id
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	o.Items = nil
	t.work[id] = &o
	return id, nil
}

func (t *memTx) InsertLineItem(_ context.Context, item ledger.LineItem) (int64, error) {
	if err := ledger.CheckInvariants(item); err != nil {
		return 0, err
	}
	o, err := t.load(item.OrderID)
	if err != nil {
		return 0, err
	}
	t.repo.mu.Lock()
	t.repo.nextItem++
	item.ID = t.repo.nextItem
	t.repo.mu.Unlock()
	item.Version = 1
	o.Items = append(o.Items, item)
	return item.ID, nil
}

func (t *memTx) DeleteLineItems(_ context.Context, orderID int64) error {
	o, err := t.load(orderID)
	if err != nil {
		return err
	}
	o.Items = nil
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id int64) (*orders.Order, error) {
	o, err := t.load(id)
	if err != nil {
		return nil, err
	}
	return clone(o), nil
}

func (t *memTx) GetOrderStatus(_ context.Context, id int64) (orders.Status, error) {
	o, err := t.load(id)
	if err != nil {
		return "", err
	}
	return o.Status, nil
}

func (t *memTx) GetLineItemForUpdate(_ context.Context, orderID, itemID int64) (*ledger.LineItem, error) {
	o, err := t.load(orderID)
	if err != nil {
		return nil, err
	}
	if it := o.Item(itemID); it != nil {
		cp := *it
		return &cp, nil
	}
	return nil, shared.NewItemError(itemID, shared.ErrNotFound)
}

func (t *memTx) UpdateLineItem(_ context.Context, item *ledger.LineItem) error {
	if err := ledger.CheckInvariants(*item); err != nil {
		return err
	}
	if err := t.repo.FailItemUpdate[item.ID]; err != nil {
		return shared.NewItemError(item.ID, err)
	}
	o, err := t.load(item.OrderID)
	if err != nil {
		return err
	}
	stored := o.Item(item.ID)
	if stored == nil {
		return shared.NewItemError(item.ID, shared.ErrNotFound)
	}
	if stored.Version != item.Version {
		return shared.NewItemError(item.ID, shared.ErrConcurrentModification)
	}
	item.Version++
	item.UpdatedAt = time.Now()
	*stored = *item
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, id int64, updates map[string]interface{}) error {
	o, err := t.load(id)
	if err != nil {
		return err
	}
	return apply(o, updates)
}

func (t *memTx) TransitionStatus(_ context.Context, id int64, from, to orders.Status, updates map[string]interface{}) error {
	o, err := t.load(id)
	if err != nil {
		return err
	}
	if t.repo.BeforeTransition != nil {
		t.repo.BeforeTransition(id)
	}
	t.repo.mu.Lock()
	committed := t.repo.orders[id]
	t.repo.mu.Unlock()
	if o.Status != from || (committed != nil && committed.Status != from) {
		return fmt.Errorf("order %d left %s: %w", id, from, shared.ErrConcurrentModification)
	}
	o.Status = to
	return apply(o, updates)
}

func apply(o *orders.Order, updates map[string]interface{}) error {
	for field, value := range updates {
		switch field {
		case "status":
			o.Status = value.(orders.Status)
		case "route_id":
			id := value.(int64)
			o.RouteID = &id
		case "has_pending_missing":
			o.HasPendingMissing = value.(bool)
		case "total_value":
			o.TotalValue = value.(int64)
		case "updated_by":
			o.UpdatedBy = value.(int64)
		case "is_invoiced":
			o.IsInvoiced = value.(bool)
		default:
			return fmt.Errorf("orderstest: unsupported column %q", field)
		}
	}
	o.UpdatedAt = time.Now()
	return nil
}

func clone(o *orders.Order) *orders.Order {
	cp := *o
	cp.Items = append([]ledger.LineItem(nil), o.Items...)
	return &cp
}
