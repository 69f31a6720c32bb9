package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内存储，进程退出即丢失，适合测试与临时部署。
func NewMemoryStore() Storage {
	return &memoryStore{caches: make(map[string]*memoryCache)}
}

type memoryStore struct {
	mu     sync.Mutex
	caches map[string]*memoryCache
}

// memoryCache 以切片保留写入顺序，index 记录 Key 在切片中的位置。
type memoryCache struct {
	name string

	mu      sync.RWMutex
	entries []memoryEntry
	index   map[RequestKey]int
}

type memoryEntry struct {
	key  RequestKey
	resp *Response
}

func (s *memoryStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = &memoryCache{name: name, index: make(map[RequestKey]int)}
		s.caches[name] = c
	}
	return c, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key RequestKey) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	return c.entries[idx].resp.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, key RequestKey, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	stored := stamp(resp)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	c.index[key] = len(c.entries)
	c.entries = append(c.entries, memoryEntry{key: key, resp: stored})
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key), nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]RequestKey, len(c.entries))
	for i, entry := range c.entries {
		keys[i] = entry.key
	}
	return keys, nil
}

func (c *memoryCache) removeLocked(key RequestKey) bool {
	idx, ok := c.index[key]
	if !ok {
		return false
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	delete(c.index, key)
	for i := idx; i < len(c.entries); i++ {
		c.index[c.entries[i].key] = i
	}
	return true
}
