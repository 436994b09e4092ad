// Package kvstore provides the ordered, string-keyed key/value store that
// the registry and dispatcher persist their state through. It stands in for
// a reliable external store, and iteration is always in key order. Values
// are not copied: Set keeps the caller's []byte, and Get and Range hand back
// that same slice.
package kvstore

import (
	"sync"

	"github.com/google/btree"
)

// Store is a reliable ordered key/value store keyed by string, holding
// bounded-size values. Implementations must be safe for concurrent use:
// the registry calls it only from its actor goroutine, but the dispatcher
// calls it from producer goroutines and from its fan-out workers at once.
type Store interface {
	// Get returns the value for key and true, or nil and false if absent.
	Get(key string) ([]byte, bool)
	// Set stores value under key, replacing any existing value.
	Set(key string, value []byte)
	// Delete removes key. It is a no-op if the key is absent.
	Delete(key string)
	// Has reports whether key is present.
	Has(key string) bool
	// Range calls fn for every key in the store, in ascending key order,
	// until fn returns false or every entry has been visited.
	Range(fn func(key string, value []byte) bool)
	// Len reports the number of stored entries.
	Len() int
}

const btreeDegree = 32

type entry struct {
	key   string
	value []byte
}

func (e entry) Less(than btree.Item) bool {
	return e.key < than.(entry).key
}

// BTreeStore is an in-memory Store backed by a google/btree ordered tree,
// giving deterministic ascending-key iteration for listing operations
// (topics(), subscribers(), the peer address book) without requiring
// callers to sort results themselves.
type BTreeStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// New creates an empty BTreeStore.
func New() *BTreeStore {
	return &BTreeStore{tree: btree.New(btreeDegree)}
}

func (s *BTreeStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(entry{key: key})
	if item == nil {
		return nil, false
	}
	return item.(entry).value, true
}

func (s *BTreeStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(entry{key: key, value: value})
}

func (s *BTreeStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(entry{key: key})
}

func (s *BTreeStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Has(entry{key: key})
}

func (s *BTreeStore) Range(fn func(key string, value []byte) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Ascend(func(i btree.Item) bool {
		e := i.(entry)
		return fn(e.key, e.value)
	})
}

func (s *BTreeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
