package projection

import (
	"context"
	"sync"
)

// defaultMarkerLimit caps how many event ids the memory sink remembers
const defaultMarkerLimit = 100_000

// MemorySink keeps views in process; used when no Redis is configured.
// Like the Redis markers expiring, only the most recent event ids are
// remembered; an older duplicate still cannot regress a view past the
// version guard.
type MemorySink struct {
	mu    sync.RWMutex
	views map[string]View
	seen  map[string]struct{}
	// order is a ring of remembered ids; next is the oldest once it is full
	order []string
	next  int
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return newMemorySink(defaultMarkerLimit)
}

func newMemorySink(limit int) *MemorySink {
	if limit < 1 {
		limit = 1
	}
	return &MemorySink{
		views: make(map[string]View),
		seen:  make(map[string]struct{}, limit),
		order: make([]string, 0, limit),
	}
}

func (m *MemorySink) remember(eventID string) {
	m.seen[eventID] = struct{}{}
	if len(m.order) < cap(m.order) {
		m.order = append(m.order, eventID)
		return
	}
	delete(m.seen, m.order[m.next])
	m.order[m.next] = eventID
	m.next = (m.next + 1) % len(m.order)
}

func (m *MemorySink) Apply(ctx context.Context, eventID string, updates []Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.remember(eventID)

	for _, u := range updates {
		if cur, ok := m.views[u.AccountID]; ok && cur.Version >= u.Version {
			continue
		}
		m.views[u.AccountID] = View{
			AccountID:   u.AccountID,
			Balance:     u.Balance,
			Version:     u.Version,
			LastEventID: eventID,
		}
	}
	return true, nil
}

func (m *MemorySink) Get(ctx context.Context, accountID string) (*View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.views[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}
