package memory

import (
	"context"
	"sync"

	"github.com/ent0n29/envo/internal/session"
)

// InMemoryStore keeps serialized history in process memory for local/dev use.
// Values are stored encoded so callers never share slices with the store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]byte)}
}

func (s *InMemoryStore) Load(_ context.Context, key string) ([]session.Turn, error) {
	s.mu.RLock()
	raw := s.records[key]
	s.mu.RUnlock()
	return decodeTurns(raw)
}

func (s *InMemoryStore) Save(_ context.Context, key string, turns []session.Turn) error {
	raw, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = raw
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
