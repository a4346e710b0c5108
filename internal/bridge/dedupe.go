package bridge

import (
	"container/list"
	"sync"
)

// DedupeGuard absorbs at-least-once delivery from the inbound transport:
// a bounded set of recently seen inbound message IDs with FIFO eviction.
// It is a re-processing guard only, not an ordering guarantee.
type DedupeGuard struct {
	mu    sync.Mutex
	limit int
	order *list.List
	seen  map[string]struct{}
}

// NewDedupeGuard creates a guard holding at most limit IDs.
func NewDedupeGuard(limit int) *DedupeGuard {
	if limit <= 0 {
		limit = 2000
	}
	return &DedupeGuard{
		limit: limit,
		order: list.New(),
		seen:  make(map[string]struct{}),
	}
}

// Seen records the ID and reports whether it was already present.
func (g *DedupeGuard) Seen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[id]; ok {
		return true
	}

	g.seen[id] = struct{}{}
	g.order.PushBack(id)
	for g.order.Len() > g.limit {
		front := g.order.Front()
		g.order.Remove(front)
		delete(g.seen, front.Value.(string))
	}
	return false
}

// Len returns the number of remembered IDs.
func (g *DedupeGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}
