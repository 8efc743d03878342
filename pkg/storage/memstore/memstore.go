// Package memstore is an in-memory implementation of storage.Store, used in
// tests and by nodes run with no data directory configured. Nothing is
// persisted across process restarts.
package memstore

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/storage"
)

// Store is a mutex-guarded map of namespace -> key -> value.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

func (s *Store) Put(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.data[namespace]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, errNotFound(namespace, key))
	}
	v, ok := ns[key]
	if !ok {
		return nil, errkind.Wrap(errkind.NotFound, errNotFound(namespace, key))
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (s *Store) Iterate(namespace, prefix string) ([]storage.KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.data[namespace]
	if !ok {
		return nil, nil
	}

	var keys []string
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	result := make([]storage.KV, 0, len(keys))
	for _, k := range keys {
		v := ns[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		result = append(result, storage.KV{Key: k, Value: cp})
	}
	return result, nil
}

func (s *Store) Close() error { return nil }

func errNotFound(namespace, key string) error {
	return errors.New("memstore: key not found in " + namespace + ": " + key)
}
