package credentials

import (
	"context"
	"sync"
)

// MemoryStore keeps the session in process memory. Intended for tests
// and short-lived tools.
type MemoryStore struct {
	mu        sync.RWMutex
	pair      *Pair
	principal *Principal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored pair.
func (s *MemoryStore) Save(ctx context.Context, pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pair
	s.pair = &p
	observe("memory", "save", nil)
	return nil
}

// Load returns the stored pair or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context) (Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		observe("memory", "load", ErrNotFound)
		return Pair{}, ErrNotFound
	}
	observe("memory", "load", nil)
	return *s.pair, nil
}

// Clear drops both records.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil
	s.principal = nil
	observe("memory", "clear", nil)
	return nil
}

// SavePrincipal replaces the stored principal.
func (s *MemoryStore) SavePrincipal(ctx context.Context, principal Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = clonePrincipal(principal)
	observe("memory", "save_principal", nil)
	return nil
}

// LoadPrincipal returns a copy of the stored principal or ErrNotFound.
func (s *MemoryStore) LoadPrincipal(ctx context.Context) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.principal == nil {
		observe("memory", "load_principal", ErrNotFound)
		return nil, ErrNotFound
	}
	observe("memory", "load_principal", nil)
	return clonePrincipal(*s.principal), nil
}
