package cache

import (
	"context"
	"sync"
)

// NewMemoryStorage 返回进程内缓存，进程退出即丢失，适用于测试与临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	order  []string
	stores map[string]*memoryStore
}

func (m *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[name]; ok {
		return store, nil
	}
	store := &memoryStore{name: name, entries: make(map[Key]*Response)}
	m.stores[name] = store
	m.order = append(m.order, name)
	return store, nil
}

func (m *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, existing := range m.order {
		if existing == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *memoryStorage) Match(ctx context.Context, key Key) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	stores := make([]*memoryStore, 0, len(m.order))
	for _, name := range m.order {
		stores = append(stores, m.stores[name])
	}
	m.mu.RUnlock()

	for _, store := range stores {
		if resp, err := store.Match(ctx, key); err == nil {
			return resp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryStorage) Close() error {
	return nil
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[Key]*Response
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	resp, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cloned := resp.Clone()
	cloned.CacheName = s.name
	return cloned, nil
}

func (s *memoryStore) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return ErrNilResponse
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	stored := newRecord(key, resp, true).response(s.name, append([]byte(nil), resp.Body...))
	s.mu.Lock()
	s.entries[key] = stored
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key Key) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys, nil
}
