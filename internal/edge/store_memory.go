package edge

import (
	"context"
	"sort"
	"sync"
)

type ramItem struct {
	key  string // composite
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// MemoryStore is a byte-bounded LRU shared by all partitions. When full
// it evicts the least recently used tenth of its entries.
type MemoryStore struct {
	maxBytes int64

	mu         sync.Mutex
	items      map[string]*ramItem
	partitions map[string]struct{}
	head       *ramItem
	tail       *ramItem
	total      int64
}

// NewMemoryStore returns an LRU bounded to maxBytes; zero means unbounded.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		maxBytes:   maxBytes,
		items:      map[string]*ramItem{},
		partitions: map[string]struct{}{},
	}
}

func (c *MemoryStore) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *MemoryStore) Open(_ context.Context, partition string) error {
	c.mu.Lock()
	c.partitions[partition] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *MemoryStore) Get(_ context.Context, partition, key string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[compositeKey(partition, key)]
	if !ok {
		return CacheEntry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent, true, nil
}

func (c *MemoryStore) Put(_ context.Context, partition, key string, ent CacheEntry) error {
	ck := compositeKey(partition, key)
	sz := ent.size()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitions[partition] = struct{}{}

	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big to keep; drop any older copy so reads do not go stale
		if it, ok := c.items[ck]; ok {
			c.removeLocked(it)
		}
		return nil
	}

	if it, ok := c.items[ck]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: ck, ent: ent, size: sz}
		c.items[ck] = it
		c.addToFront(it)
		c.total += sz
	}

	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil {
		c.evictLocked()
	}
	return nil
}

func (c *MemoryStore) Delete(_ context.Context, partition, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[compositeKey(partition, key)]; ok {
		c.removeLocked(it)
	}
	return nil
}

func (c *MemoryStore) Keys(_ context.Context, partition string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for ck := range c.items {
		if p, k, ok := splitCompositeKey(ck); ok && p == partition {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemoryStore) Partitions(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.partitions))
	for p := range c.partitions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemoryStore) Drop(_ context.Context, partition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ck, it := range c.items {
		if p, _, ok := splitCompositeKey(ck); ok && p == partition {
			c.removeLocked(it)
		}
	}
	delete(c.partitions, partition)
	return nil
}

func (c *MemoryStore) Close() error { return nil }

// evictLocked drops the least recently used 10% (at least one item).
func (c *MemoryStore) evictLocked() {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && c.tail != nil; i++ {
		c.removeLocked(c.tail)
	}
}

func (c *MemoryStore) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *MemoryStore) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *MemoryStore) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *MemoryStore) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
