package anoncache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss indicates the requested key was not found in the store
// (or had expired).
var ErrCacheMiss = errors.New("cache miss")

// Store is the key/value abstraction behind the anonymous cache.
//
// Put overwrites unconditionally (last-writer-wins): concurrent
// producers for the same key are expected to generate identical
// content, so no coordination is required. ClearAll invalidates every
// entry at once and must not require the caller to enumerate keys.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores the entry under key with the given TTL.
	Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes a single entry. Absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// ClearAll drops every entry (deploy-time cache bust).
	ClearAll(ctx context.Context) error
}

type memoryEntry struct {
	entry   *Entry
	expires time.Time
}

// MemoryStore is an in-process Store. It is the default backend for
// single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// Get implements Store. Expired entries are purged on read.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	me, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if s.clock().After(me.expires) {
		s.mu.Lock()
		// Re-check under the write lock: a concurrent Put may have
		// refreshed the entry between the read and this purge.
		if cur, ok := s.entries[key]; ok && s.clock().After(cur.expires) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return me.entry, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{entry: entry, expires: s.clock().Add(ttl)}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// ClearAll implements Store.
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	return nil
}

// Len reports the number of live entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
