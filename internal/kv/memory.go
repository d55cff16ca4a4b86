package kv

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and local development.
// All operations are serialized under one mutex, which trivially satisfies
// the atomicity contract of Update.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
	lists  map[string][][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current []byte
	if val, ok := s.values[key]; ok {
		current = append([]byte(nil), val...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	s.values[key] = append([]byte(nil), next...)
	return nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], append([]byte(nil), value...))
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// List returns a copy of the list at key. Test helper; Redis equivalents read
// audit trails through LRANGE, which the core never does.
func (s *MemoryStore) List(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.lists[key]))
	for i, v := range s.lists[key] {
		out[i] = append([]byte(nil), v...)
	}
	return out
}

// Keys returns the set of value keys currently present. Test helper.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}
