package meshdht

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
)

// DefaultStorageTTL is how long a stored value lives without republish.
const DefaultStorageTTL = 20 * time.Second

// StoredItem is one key/value pair held by a store.
type StoredItem struct {
	Key   ID
	Value []byte
}

// Storer is the value store consumed by the protocol layer and the server's
// republish loop.
type Storer interface {
	// Set replaces any prior entry for key and restamps it.
	Set(key ID, value []byte)

	// Get returns the stored bytes for key, if present.
	Get(key ID) ([]byte, bool)

	// Items returns every live entry in insertion order.
	Items() []StoredItem

	// ItemsOlderThan returns entries stamped before now-age, oldest first.
	ItemsOlderThan(age time.Duration) []StoredItem
}

type storedValue struct {
	insertedAt time.Time
	data       []byte
}

// TTLStore is an in-memory value store with time-based eviction. Entries are
// kept in insertion order; overwriting a key re-inserts it at the tail, so a
// front-to-back scan always sees timestamps in ascending order.
type TTLStore struct {
	ttl   time.Duration
	mu    sync.Mutex
	items *orderedmap.OrderedMap[ID, storedValue]
}

// NewTTLStore creates a store that culls entries older than ttl on every
// access. A non-positive ttl falls back to DefaultStorageTTL.
func NewTTLStore(ttl time.Duration) *TTLStore {
	if ttl <= 0 {
		ttl = DefaultStorageTTL
	}
	return &TTLStore{
		ttl:   ttl,
		items: orderedmap.NewOrderedMap[ID, storedValue](),
	}
}

// Set stores value under key, replacing any prior entry.
func (s *TTLStore) Set(key ID, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cull()
	s.items.Delete(key)
	s.items.Set(key, storedValue{insertedAt: time.Now(), data: value})
}

// Get returns the value stored under key, if it has not expired.
func (s *TTLStore) Get(key ID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cull()
	v, ok := s.items.Get(key)
	if !ok {
		return nil, false
	}
	return v.data, true
}

// Items returns all live entries in insertion order.
func (s *TTLStore) Items() []StoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cull()
	out := make([]StoredItem, 0, s.items.Len())
	for el := s.items.Front(); el != nil; el = el.Next() {
		out = append(out, StoredItem{Key: el.Key, Value: el.Value.data})
	}
	return out
}

// ItemsOlderThan returns the entries stamped before now-age, oldest first.
// Used by the republish loop.
func (s *TTLStore) ItemsOlderThan(age time.Duration) []StoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cull()
	cutoff := time.Now().Add(-age)
	var out []StoredItem
	for el := s.items.Front(); el != nil; el = el.Next() {
		if el.Value.insertedAt.After(cutoff) {
			// Timestamps ascend along the insertion order; nothing
			// further back can be older.
			break
		}
		out = append(out, StoredItem{Key: el.Key, Value: el.Value.data})
	}
	return out
}

// Len returns the number of live entries.
func (s *TTLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cull()
	return s.items.Len()
}

// cull drops expired entries from the front. Caller must hold mu.
func (s *TTLStore) cull() {
	cutoff := time.Now().Add(-s.ttl)
	for el := s.items.Front(); el != nil; {
		if el.Value.insertedAt.After(cutoff) {
			break
		}
		next := el.Next()
		s.items.Delete(el.Key)
		el = next
	}
}
