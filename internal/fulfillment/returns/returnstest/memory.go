// Package returnstest provides an in-memory returns.Repository for tests.
package returnstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// MemRepository keeps return records in insertion order.
type MemRepository struct {
	mu      sync.Mutex
	records []*returns.Record
	nextID  int64

	// Err fails every call while set.
	Err error
}

// NewMemRepository creates an empty repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{}
}

// All returns copies of every stored record.
func (m *MemRepository) All() []returns.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]returns.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

// SetErr toggles the injected failure.
func (m *MemRepository) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MemRepository) find(key uuid.UUID) *returns.Record {
	for _, r := range m.records {
		if r.SourceKey != nil && *r.SourceKey == key {
			return r
		}
	}
	return nil
}

func (m *MemRepository) UpsertEmitted(_ context.Context, rec returns.Record) (*returns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if rec.SourceKey == nil {
		return nil, fmt.Errorf("%w: emitted return without source key", shared.ErrValidation)
	}
	now := time.Now()
	if existing := m.find(*rec.SourceKey); existing != nil {
		if existing.Status != returns.StatusAccepted {
			existing.Quantity = rec.Quantity
			existing.Reason = rec.Reason
			existing.Status = returns.StatusPending
			existing.ResolvedBy = nil
			existing.ResolvedAt = nil
			existing.UpdatedAt = now
		}
		cp := *existing
		return &cp, nil
	}
	m.nextID++
	rec.ID = m.nextID
	rec.Status = returns.StatusPending
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records = append(m.records, &rec)
	cp := rec
	return &cp, nil
}

func (m *MemRepository) Insert(_ context.Context, rec returns.Record) (*returns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	m.records = append(m.records, &rec)
	cp := rec
	return &cp, nil
}

func (m *MemRepository) GetBySourceKey(_ context.Context, key uuid.UUID) (*returns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(key); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("return %s: %w", key, shared.ErrNotFound)
}

func (m *MemRepository) Resolve(_ context.Context, key uuid.UUID, from, to returns.Status, actor int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	r := m.find(key)
	if r == nil || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.ResolvedBy = &actor
	r.ResolvedAt = &at
	return true, nil
}

func (m *MemRepository) AcceptPending(_ context.Context, routeID *int64, productID int64, actor int64, at time.Time) ([]returns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []returns.Record
	for _, r := range m.records {
		if r.ProductID != productID || r.Status != returns.StatusPending {
			continue
		}
		if routeID != nil && (r.RouteID == nil || *r.RouteID != *routeID) {
			continue
		}
		r.Status = returns.StatusAccepted
		r.ResolvedBy = &actor
		r.ResolvedAt = &at
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemRepository) List(_ context.Context, f returns.Filter) ([]returns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []returns.Record
	for _, r := range m.records {
		if f.RouteID != nil && (r.RouteID == nil || *r.RouteID != *f.RouteID) {
			continue
		}
		if f.ProductID != nil && r.ProductID != *f.ProductID {
			continue
		}
		if f.OrderID != nil && r.OrderID != *f.OrderID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
