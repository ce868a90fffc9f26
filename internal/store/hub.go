package store

import (
	"sync"

	"a2aflow/internal/domain"
)

// Hub fans out change notifications. Per-task subscribers receive a
// coalesced signal and re-read the store; listeners receive every snapshot.
type Hub struct {
	mu        sync.Mutex
	next      int
	subs      map[string]map[int]chan struct{}
	listeners map[int]func(domain.Task)
}

func NewHub() *Hub {
	return &Hub{
		subs:      make(map[string]map[int]chan struct{}),
		listeners: make(map[int]func(domain.Task)),
	}
}

func (h *Hub) Subscribe(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.next++
	key := h.next
	if h.subs[id] == nil {
		h.subs[id] = make(map[int]chan struct{})
	}
	h.subs[id][key] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[id], key)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
	}
}

func (h *Hub) Listen(fn func(domain.Task)) func() {
	h.mu.Lock()
	h.next++
	key := h.next
	h.listeners[key] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, key)
		h.mu.Unlock()
	}
}

// Publish must be called after the mutation is visible to Get.
func (h *Hub) Publish(t domain.Task) {
	h.mu.Lock()
	for _, ch := range h.subs[t.ID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	fns := make([]func(domain.Task), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(t.Clone())
	}
}
