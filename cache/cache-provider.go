package cache

import (
	"math/rand"
	"time"
)

// Recommended max cache and object sizes.
const (
	MaxCacheSize  = 1049000
	MaxObjectSize = 102400
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent raw HTTP responses,
// keyed by the raw request-target of the request that produced them.
// Entries form an ordered list; new entries are linked at one end of it.
//
// Implementations must be thread-safe!
// A single lock guards the whole cache, including Purge and Close.
type CacheProvider interface {
	// Get returns a copy of the content stored under key.
	// It also returns a boolean indicating whether the key was found.
	// The first match from the head of the list wins.
	Get(key string) ([]byte, bool, error)
	// Put stores the entry at the configured end of the list.
	// Entries larger than the max object size are silently dropped.
	// Random victims are evicted until the entry fits.
	// An existing entry with the same key is replaced.
	Put(ce CacheEntry) error
	// Evict removes one entry chosen uniformly at random.
	// It is a no-op on an empty cache.
	Evict() error
	// RemoveHead removes the entry at the head of the list, if any.
	RemoveHead() error
	// RemoveTail removes the entry at the tail of the list, if any.
	RemoveTail() error
	// Stats returns the current size counters.
	Stats() (Stats, error)
	// Entries lists entry metadata in list order, head first.
	Entries() ([]EntryInfo, error)
	// Purge removes all entries.
	Purge() error
	// Close purges the cache and releases its resources.
	Close() error
}

type CacheEntry struct {
	Key        string
	Bytes      []byte
	LastAccess time.Time
}

// Size is the number of content bytes the entry accounts for.
func (ce CacheEntry) Size() int {
	return len(ce.Bytes)
}

type EntryInfo struct {
	Key        string    `json:"key"`
	Size       int       `json:"size"`
	LastAccess time.Time `json:"lastAccess"`
}

type Stats struct {
	Count         int   `json:"count"`
	TotalSize     int   `json:"totalSize"`
	Evictions     int64 `json:"evictions"`
	MaxCacheSize  int   `json:"maxCacheSize"`
	MaxObjectSize int   `json:"maxObjectSize"`
}

// End selects which end of the list new entries are linked at.
type End int

const (
	Head End = iota
	Tail
)

type Options struct {
	// MaxCacheSize bounds the sum of all entry sizes. Defaults to MaxCacheSize.
	MaxCacheSize int
	// MaxObjectSize bounds a single entry. Defaults to MaxObjectSize.
	MaxObjectSize int
	// InsertAt is the end new entries are linked at. Defaults to Head.
	InsertAt End
	// Rand picks eviction victims. Defaults to a time-seeded source.
	// It is only used while holding the cache lock.
	Rand *rand.Rand
}

func (o Options) withDefaults() Options {
	if o.MaxCacheSize <= 0 {
		o.MaxCacheSize = MaxCacheSize
	}
	if o.MaxObjectSize <= 0 {
		o.MaxObjectSize = MaxObjectSize
	}
	// an object must always fit into an empty cache
	if o.MaxObjectSize > o.MaxCacheSize {
		o.MaxObjectSize = o.MaxCacheSize
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}
