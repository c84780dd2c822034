package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内缓存实现，适合测试与无需跨进程持久化的部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store := s.stores[name]
	if store == nil {
		store = &memoryStore{name: name, entries: make(map[string]*Response)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		return nil, ErrNotFound
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	delete(s.stores, name)
	store.drop()
	return true, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// memoryStore 在被 Storage 删除后不再接受写入，与磁盘实现中目录被移除的效果一致。
type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[string]*Response
	dropped bool
}

func (c *memoryStore) Name() string {
	return c.name
}

func (c *memoryStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (c *memoryStore) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	stored := resp.Clone()
	stored.URL = key
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return ErrNotFound
	}
	c.entries[key] = stored
	return nil
}

func (c *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memoryStore) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	c.entries = make(map[string]*Response)
}
