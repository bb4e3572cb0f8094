package artifact

import (
	"context"
	"sync"
)

// MemoryStore keeps artifacts in process memory. Used in tests and in
// deployments without object storage configured.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string][]byte{}}
}

func (s *MemoryStore) Put(_ context.Context, sha256Hex string, pdf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sha256Hex] = append([]byte(nil), pdf...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sha256Hex string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pdf, ok := s.items[sha256Hex]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), pdf...), nil
}
