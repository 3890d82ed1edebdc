package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// WithMemoryTier 在 base 之前加一层 ristretto 读缓存，maxCost 以正文字节计。
// 写入、删除条目或删除缓存时会失效对应内容，Match 始终返回副本。
// 读穿透期间若发生过写入或删除，本次结果不会回填到内存层。
func WithMemoryTier(base Storage, maxCost int64) (Storage, error) {
	if base == nil {
		return nil, errors.New("memory tier: base storage required")
	}
	if maxCost <= 0 {
		return base, nil
	}

	counters := maxCost / 1024 * 10
	if counters < 10_000 {
		counters = 10_000
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &tieredStorage{base: base, tier: &memoryTier{hot: hot}}, nil
}

// memoryTier 由 storage 与其打开的全部 store 共享。
// gen 在每次写入或删除时递增，回填前比较 gen 以丢弃过期的读结果。
type memoryTier struct {
	hot *ristretto.Cache

	mu  sync.RWMutex
	gen uint64
}

func (m *memoryTier) get(hk string) (*Response, bool) {
	cached, ok := m.hot.Get(hk)
	if !ok {
		return nil, false
	}
	resp, ok := cached.(*Response)
	if !ok {
		m.hot.Del(hk)
		return nil, false
	}
	return resp.Clone(), true
}

func (m *memoryTier) generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// fill 仅在 gen 未变化时写入内存层。
func (m *memoryTier) fill(gen uint64, hk string, resp *Response) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.gen != gen {
		return
	}
	m.hot.Set(hk, resp.Clone(), tierCost(resp))
}

func (m *memoryTier) invalidate(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	for _, hk := range keys {
		m.hot.Del(hk)
	}
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.hot.Clear()
}

type tieredStorage struct {
	base Storage
	tier *memoryTier
}

func (t *tieredStorage) Open(ctx context.Context, name string) (Store, error) {
	store, err := t.base.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &tieredStore{Store: store, tier: t.tier}, nil
}

func (t *tieredStorage) Has(ctx context.Context, name string) (bool, error) {
	return t.base.Has(ctx, name)
}

func (t *tieredStorage) Keys(ctx context.Context) ([]string, error) {
	return t.base.Keys(ctx)
}

func (t *tieredStorage) Delete(ctx context.Context, name string) (bool, error) {
	t.tier.clear()
	existed, err := t.base.Delete(ctx, name)
	t.tier.clear()
	return existed, err
}

func (t *tieredStorage) Match(ctx context.Context, key Key) (*Response, error) {
	hk := tierKey("", key)
	if resp, ok := t.tier.get(hk); ok {
		return resp, nil
	}

	gen := t.tier.generation()
	resp, err := t.base.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	t.tier.fill(gen, hk, resp)
	return resp, nil
}

func (t *tieredStorage) Close() error {
	t.tier.hot.Close()
	return t.base.Close()
}

type tieredStore struct {
	Store
	tier *memoryTier
}

func (s *tieredStore) Match(ctx context.Context, key Key) (*Response, error) {
	hk := tierKey(s.Name(), key)
	if resp, ok := s.tier.get(hk); ok {
		return resp, nil
	}

	gen := s.tier.generation()
	resp, err := s.Store.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	s.tier.fill(gen, hk, resp)
	return resp, nil
}

func (s *tieredStore) Put(ctx context.Context, key Key, resp *Response) error {
	s.tier.invalidate(tierKey(s.Name(), key), tierKey("", key))
	err := s.Store.Put(ctx, key, resp)
	s.tier.invalidate(tierKey(s.Name(), key), tierKey("", key))
	return err
}

func (s *tieredStore) Delete(ctx context.Context, key Key) (bool, error) {
	existed, err := s.Store.Delete(ctx, key)
	s.tier.invalidate(tierKey(s.Name(), key), tierKey("", key))
	return existed, err
}

// tierKey 以 \x00 分隔缓存名与请求标识；name 为空表示跨缓存的 Match 结果。
func tierKey(name string, key Key) string {
	return name + "\x00" + key.String()
}

func tierCost(resp *Response) int64 {
	return int64(len(resp.Body)) + 1
}
