package cache

import (
	"sync"
	"time"
)

const none = -1

// node is a slot in the MemCache arena.
// Links are arena indices, so unlinking never leaves a dangling reference.
type node struct {
	entry CacheEntry
	prev  int
	next  int
}

// MemCache keeps entries in a doubly linked list stored in a slice arena.
// Freed slots are reused through a free list.
type MemCache struct {
	mutex     sync.Mutex
	opts      Options
	nodes     []node
	free      []int
	head      int
	tail      int
	count     int
	totalSize int
	evictions int64
}

var _ CacheProvider = (*MemCache)(nil)

func NewMemCache(opts Options) *MemCache {
	return &MemCache{
		opts: opts.withDefaults(),
		head: none,
		tail: none,
	}
}

func (m *MemCache) Get(key string) ([]byte, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i := m.head; i != none; i = m.nodes[i].next {
		if m.nodes[i].entry.Key == key {
			m.nodes[i].entry.LastAccess = time.Now()
			content := make([]byte, len(m.nodes[i].entry.Bytes))
			copy(content, m.nodes[i].entry.Bytes)
			return content, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemCache) Put(ce CacheEntry) error {
	size := ce.Size()
	if size > m.opts.MaxObjectSize {
		return nil
	}
	// the cache owns its copy
	content := make([]byte, size)
	copy(content, ce.Bytes)
	ce.Bytes = content
	if ce.LastAccess.IsZero() {
		ce.LastAccess = time.Now()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if i := m.find(ce.Key); i != none {
		m.unlink(i)
	}
	for m.totalSize+size > m.opts.MaxCacheSize {
		m.evict()
	}
	i := m.alloc(ce)
	if m.opts.InsertAt == Tail {
		m.linkTail(i)
	} else {
		m.linkHead(i)
	}
	m.totalSize += size
	m.count++
	return nil
}

func (m *MemCache) Evict() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.evict()
	return nil
}

func (m *MemCache) RemoveHead() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.head != none {
		m.unlink(m.head)
	}
	return nil
}

func (m *MemCache) RemoveTail() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.tail != none {
		m.unlink(m.tail)
	}
	return nil
}

func (m *MemCache) Stats() (Stats, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return Stats{
		Count:         m.count,
		TotalSize:     m.totalSize,
		Evictions:     m.evictions,
		MaxCacheSize:  m.opts.MaxCacheSize,
		MaxObjectSize: m.opts.MaxObjectSize,
	}, nil
}

func (m *MemCache) Entries() ([]EntryInfo, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries := make([]EntryInfo, 0, m.count)
	for i := m.head; i != none; i = m.nodes[i].next {
		e := m.nodes[i].entry
		entries = append(entries, EntryInfo{Key: e.Key, Size: e.Size(), LastAccess: e.LastAccess})
	}
	return entries, nil
}

func (m *MemCache) Purge() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.nodes = nil
	m.free = nil
	m.head, m.tail = none, none
	m.count, m.totalSize = 0, 0
	return nil
}

func (m *MemCache) Close() error {
	return m.Purge()
}

// find returns the first node from the head holding key.
func (m *MemCache) find(key string) int {
	for i := m.head; i != none; i = m.nodes[i].next {
		if m.nodes[i].entry.Key == key {
			return i
		}
	}
	return none
}

// evict unlinks a uniformly random victim.
func (m *MemCache) evict() {
	if m.count == 0 {
		return
	}
	victim := m.head
	for n := m.opts.Rand.Intn(m.count); n > 0; n-- {
		victim = m.nodes[victim].next
	}
	m.unlink(victim)
	m.evictions++
}

func (m *MemCache) alloc(ce CacheEntry) int {
	n := node{entry: ce, prev: none, next: none}
	if l := len(m.free); l > 0 {
		i := m.free[l-1]
		m.free = m.free[:l-1]
		m.nodes[i] = n
		return i
	}
	m.nodes = append(m.nodes, n)
	return len(m.nodes) - 1
}

func (m *MemCache) linkHead(i int) {
	m.nodes[i].next = m.head
	if m.head != none {
		m.nodes[m.head].prev = i
	} else {
		m.tail = i
	}
	m.head = i
}

func (m *MemCache) linkTail(i int) {
	m.nodes[i].prev = m.tail
	if m.tail != none {
		m.nodes[m.tail].next = i
	} else {
		m.head = i
	}
	m.tail = i
}

// unlink removes node i from the list, updates the counters and frees the slot.
func (m *MemCache) unlink(i int) {
	n := m.nodes[i]
	if n.prev != none {
		m.nodes[n.prev].next = n.next
	} else {
		m.head = n.next
	}
	if n.next != none {
		m.nodes[n.next].prev = n.prev
	} else {
		m.tail = n.prev
	}
	m.totalSize -= n.entry.Size()
	m.count--
	m.nodes[i] = node{prev: none, next: none}
	m.free = append(m.free, i)
}
