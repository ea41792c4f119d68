package softlock

import (
	"context"
	"sort"
	"sync"
	"time"

	"slotboard/pkg/model"
)

// Registry tracks at most one advisory hold per connection. Holds are not
// durable and grant nothing at booking time.
type Registry interface {
	// Hold records slot for connID and returns the hold it replaced, if any.
	Hold(ctx context.Context, connID string, slot model.Slot) (*model.Hold, error)
	// Release drops the hold of connID and returns it, or nil if there was none.
	Release(ctx context.Context, connID string) (*model.Hold, error)
	ActiveHold(ctx context.Context, connID string) (*model.Hold, error)
	// ReleaseSlot drops every hold on slot and returns the affected connections.
	ReleaseSlot(ctx context.Context, slot model.Slot) ([]string, error)
	// ReleaseExpired drops and returns the holds taken before cutoff.
	ReleaseExpired(ctx context.Context, cutoff time.Time) ([]model.Hold, error)
}

// MemoryRegistry is a Registry for a single instance. Holds vanish on restart.
type MemoryRegistry struct {
	mu     sync.Mutex
	byConn map[string]model.Hold
	bySlot map[model.Slot]map[string]struct{}
	now    func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byConn: make(map[string]model.Hold),
		bySlot: make(map[model.Slot]map[string]struct{}),
		now:    time.Now,
	}
}

func (r *MemoryRegistry) Hold(_ context.Context, connID string, slot model.Slot) (*model.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.byConn[connID]
	if had {
		r.unindex(prev)
	}

	hold := model.Hold{ConnectionID: connID, Slot: slot, HeldAt: r.now().UTC()}
	r.byConn[connID] = hold
	conns, ok := r.bySlot[slot]
	if !ok {
		conns = make(map[string]struct{})
		r.bySlot[slot] = conns
	}
	conns[connID] = struct{}{}

	if !had {
		return nil, nil
	}
	return &prev, nil
}

func (r *MemoryRegistry) Release(_ context.Context, connID string) (*model.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hold, ok := r.byConn[connID]
	if !ok {
		return nil, nil
	}
	delete(r.byConn, connID)
	r.unindex(hold)
	return &hold, nil
}

func (r *MemoryRegistry) ActiveHold(_ context.Context, connID string) (*model.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hold, ok := r.byConn[connID]
	if !ok {
		return nil, nil
	}
	return &hold, nil
}

// ReleaseSlot returns the released connection ids sorted.
func (r *MemoryRegistry) ReleaseSlot(_ context.Context, slot model.Slot) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.bySlot[slot]
	released := make([]string, 0, len(conns))
	for connID := range conns {
		delete(r.byConn, connID)
		released = append(released, connID)
	}
	delete(r.bySlot, slot)
	sort.Strings(released)
	return released, nil
}

func (r *MemoryRegistry) ReleaseExpired(_ context.Context, cutoff time.Time) ([]model.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []model.Hold
	for connID, hold := range r.byConn {
		if hold.HeldAt.Before(cutoff) {
			delete(r.byConn, connID)
			r.unindex(hold)
			expired = append(expired, hold)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].HeldAt.Before(expired[j].HeldAt)
	})
	return expired, nil
}

// Len returns the number of active holds.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

func (r *MemoryRegistry) unindex(hold model.Hold) {
	conns := r.bySlot[hold.Slot]
	delete(conns, hold.ConnectionID)
	if len(conns) == 0 {
		delete(r.bySlot, hold.Slot)
	}
}
