package store

import (
	"context"
	"strings"
	"sync"
)

// memoryStore keeps properties in process memory. It backs local dry runs
// and tests; it is only shared by components of one process.
type memoryStore struct {
	mu    sync.Mutex
	props map[string]string
}

// Compile-time interface check.
var _ Store = (*memoryStore)(nil)

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{props: make(map[string]string, 64)}
}

func (s *memoryStore) Start(_ context.Context) error { return nil }

func (s *memoryStore) Stop() error { return nil }

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.props[key]
	if !ok {
		return "", ErrNotFound
	}

	return v, nil
}

func (s *memoryStore) GetPrefix(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)

	for k, v := range s.props {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}

	return out, nil
}

func (s *memoryStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.props[key] = value

	return nil
}

func (s *memoryStore) PutAll(_ context.Context, props map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range props {
		s.props[k] = v
	}

	return nil
}

func (s *memoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.props, k)
	}

	return nil
}

func (s *memoryStore) PutIfEqual(
	ctx context.Context, key, expected, value string, others map[string]string,
) (bool, error) {
	return putIfEqual(ctx, s, key, expected, value, others)
}

func (s *memoryStore) Swap(_ context.Context, sw Swap) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.props[sw.Key]

	if sw.Expected == "" {
		if exists {
			return false, nil
		}
	} else if !exists || current != sw.Expected {
		return false, nil
	}

	s.props[sw.Key] = sw.Value

	for k, v := range sw.Puts {
		s.props[k] = v
	}

	for _, k := range sw.Deletes {
		delete(s.props, k)
	}

	return true, nil
}
