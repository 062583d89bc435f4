// Package memory is an in-process LRU cache backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pario-ai/copydesk/pkg/models"
)

// Backend is a bounded LRU map of cache entries. Get marks an entry as most
// recently used; Set evicts the least recently used entry when full.
type Backend struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*node
	head     *node // most recent
	tail     *node // least recent
}

type node struct {
	entry models.CacheEntry
	prev  *node
	next  *node
}

// New creates a backend holding at most capacity entries. A capacity <= 0
// means unbounded.
func New(capacity int) *Backend {
	return &Backend{
		capacity: capacity,
		items:    make(map[string]*node),
	}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Get(_ context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.items[fingerprint]
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	b.moveToHead(n)
	return n.entry, true, nil
}

func (b *Backend) Set(_ context.Context, entry models.CacheEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := b.items[entry.Fingerprint]; ok {
		n.entry = entry
		b.moveToHead(n)
		return nil
	}

	if b.capacity > 0 && len(b.items) >= b.capacity {
		b.evictTail()
	}
	n := &node{entry: entry}
	b.items[entry.Fingerprint] = n
	b.addToHead(n)
	return nil
}

func (b *Backend) Delete(_ context.Context, fingerprint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := b.items[fingerprint]; ok {
		b.removeNode(n)
		delete(b.items, fingerprint)
	}
	return nil
}

func (b *Backend) Len(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.items)), nil
}

func (b *Backend) Clear(_ context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cutoff.IsZero() {
		n := int64(len(b.items))
		b.items = make(map[string]*node)
		b.head, b.tail = nil, nil
		return n, nil
	}

	var removed int64
	for key, n := range b.items {
		if n.entry.Expired(cutoff) {
			b.removeNode(n)
			delete(b.items, key)
			removed++
		}
	}
	return removed, nil
}

func (b *Backend) Close() error { return nil }

func (b *Backend) addToHead(n *node) {
	n.prev = nil
	n.next = b.head
	if b.head != nil {
		b.head.prev = n
	}
	b.head = n
	if b.tail == nil {
		b.tail = n
	}
}

func (b *Backend) removeNode(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		b.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		b.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (b *Backend) moveToHead(n *node) {
	if n == b.head {
		return
	}
	b.removeNode(n)
	b.addToHead(n)
}

func (b *Backend) evictTail() {
	if b.tail == nil {
		return
	}
	victim := b.tail
	b.removeNode(victim)
	delete(b.items, victim.entry.Fingerprint)
}
