// Package routingtest provides an in-memory routing.Repository for tests.
package routingtest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// MemRepository stores routes and stops in maps. Order statuses are read
// through OrderStatus so stops always reflect the order store.
type MemRepository struct {
	mu       sync.Mutex
	routes   map[int64]*routing.Route
	stops    map[int64]*routing.Stop
	nextID   int64
	nextStop int64

	OrderStatus func(orderID int64) orders.Status
	// ListErr makes ListStopStatuses fail while set.
	ListErr error
	// ListCalls counts ListStopStatuses invocations.
	ListCalls int
}

// NewMemRepository creates an empty repository reading statuses from lookup.
func NewMemRepository(lookup func(orderID int64) orders.Status) *MemRepository {
	return &MemRepository{
		routes:      make(map[int64]*routing.Route),
		stops:       make(map[int64]*routing.Stop),
		OrderStatus: lookup,
	}
}

// SetListErr toggles the ListStopStatuses failure.
func (m *MemRepository) SetListErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListErr = err
}

// Calls returns the number of ListStopStatuses invocations.
func (m *MemRepository) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ListCalls
}

// Route returns a copy of the stored route.
func (m *MemRepository) Route(id int64) routing.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.routes[id]; ok {
		return *r
	}
	return routing.Route{}
}

// Stops returns the stops of a route ordered by id.
func (m *MemRepository) Stops(routeID int64) []routing.Stop {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []routing.Stop
	for _, s := range m.stops {
		if s.RouteID == routeID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemRepository) CreateRoute(_ context.Context, r routing.Route) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.routes {
		if existing.Code == r.Code {
			return 0, fmt.Errorf("route code %s exists: %w", r.Code, shared.ErrValidation)
		}
	}
	m.nextID++
	r.ID = m.nextID
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.routes[r.ID] = &r
	return r.ID, nil
}

func (m *MemRepository) GetRoute(_ context.Context, id int64) (*routing.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return nil, fmt.Errorf("route %d: %w", id, shared.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemRepository) StartRoute(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return fmt.Errorf("route %d: %w", id, shared.ErrNotFound)
	}
	if r.Status != routing.StatusPlanned {
		return fmt.Errorf("route %d is %s: %w", id, r.Status, shared.ErrInvalidTransition)
	}
	r.Status = routing.StatusInProgress
	r.StartedAt = &at
	return nil
}

func (m *MemRepository) CompleteRoute(_ context.Context, id int64, at time.Time, resolved []orders.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return false, fmt.Errorf("route %d: %w", id, shared.ErrNotFound)
	}
	if r.Status == routing.StatusCompleted {
		return false, nil
	}
	attached := 0
	for _, s := range m.stops {
		if s.RouteID != id {
			continue
		}
		attached++
		if !slices.Contains(resolved, m.OrderStatus(s.OrderID)) {
			return false, nil
		}
	}
	if attached == 0 {
		return false, nil
	}
	r.Status = routing.StatusCompleted
	r.CompletedAt = &at
	return true, nil
}

func (m *MemRepository) InsertStop(_ context.Context, s routing.Stop) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[s.RouteID]
	if !ok {
		return 0, fmt.Errorf("route %d: %w", s.RouteID, shared.ErrNotFound)
	}
	if r.Status == routing.StatusCompleted {
		return 0, fmt.Errorf("route %d is completed: %w", s.RouteID, shared.ErrAlreadyTerminal)
	}
	for _, existing := range m.stops {
		if existing.RouteID == s.RouteID && existing.OrderID == s.OrderID {
			return 0, fmt.Errorf("order %d: %w", s.OrderID, routing.ErrDuplicateStop)
		}
	}
	m.nextStop++
	s.ID = m.nextStop
	s.CreatedAt = time.Now()
	m.stops[s.ID] = &s
	return s.ID, nil
}

func (m *MemRepository) DeleteStop(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stops, id)
	return nil
}

func (m *MemRepository) GetStop(_ context.Context, id int64) (*routing.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[id]
	if !ok {
		return nil, fmt.Errorf("route stop %d: %w", id, shared.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemRepository) ListStopStatuses(_ context.Context, routeID int64) ([]routing.StopStatus, error) {
	m.mu.Lock()
	m.ListCalls++
	if m.ListErr != nil {
		err := m.ListErr
		m.mu.Unlock()
		return nil, err
	}
	var stops []routing.Stop
	for _, s := range m.stops {
		if s.RouteID == routeID {
			stops = append(stops, *s)
		}
	}
	m.mu.Unlock()

	sort.Slice(stops, func(i, j int) bool {
		if stops[i].Sequence != stops[j].Sequence {
			return stops[i].Sequence < stops[j].Sequence
		}
		return stops[i].ID < stops[j].ID
	})
	out := make([]routing.StopStatus, 0, len(stops))
	for _, s := range stops {
		out = append(out, routing.StopStatus{StopID: s.ID, OrderID: s.OrderID, OrderStatus: m.OrderStatus(s.OrderID)})
	}
	return out, nil
}

func (m *MemRepository) SetStopEvidence(_ context.Context, stopID int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[stopID]
	if !ok {
		return fmt.Errorf("route stop %d: %w", stopID, shared.ErrNotFound)
	}
	s.EvidenceRef = &ref
	return nil
}

func (m *MemRepository) MarkStopFinalized(_ context.Context, stopID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stops[stopID]; ok {
		s.FinalizedAt = &at
	}
	return nil
}
