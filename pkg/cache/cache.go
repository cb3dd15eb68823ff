package cache

import (
	"context"
	"sync"
	"time"
)

// InMemoryCache 按键 TTL 缓存
// 控制面用它缓存账本查询结果，避免每次刷新页面都打数据库
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// cacheItem 缓存项
type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	cache := &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
	}

	// 启动清理 goroutine
	go cache.startCleanup()

	return cache
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists {
		var zero V
		return zero, false
	}

	// 检查是否过期
	if time.Now().After(item.expiresAt) {
		go c.Delete(key)
		var zero V
		return zero, false
	}

	return item.value, true
}

// Set 设置缓存值
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// startCleanup 启动清理 goroutine（定期清理过期项）
func (c *InMemoryCache[K, V]) startCleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.cleanup()
	}
}

// cleanup 清理过期项
func (c *InMemoryCache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// Snapshot 单值 TTL 快照缓存，带 single-flight 刷新
// 用于余额这类"取一次给所有人用"的数据：并发访问只触发一次底层查询
type Snapshot[V any] struct {
	ttl    time.Duration
	loader func(ctx context.Context) (V, error)

	mu        sync.Mutex
	value     V
	fetchedAt time.Time
	valid     bool
	inflight  chan struct{} // 非 nil 表示有一次加载在途
	lastErr   error
}

// NewSnapshot 创建快照缓存
func NewSnapshot[V any](ttl time.Duration, loader func(ctx context.Context) (V, error)) *Snapshot[V] {
	return &Snapshot[V]{
		ttl:    ttl,
		loader: loader,
	}
}

// Get 返回快照值；过期时触发一次加载，并发调用共享同一次加载结果
func (s *Snapshot[V]) Get(ctx context.Context) (V, error) {
	for {
		s.mu.Lock()
		if s.valid && time.Since(s.fetchedAt) < s.ttl {
			v := s.value
			s.mu.Unlock()
			return v, nil
		}
		if s.inflight != nil {
			ch := s.inflight
			s.mu.Unlock()
			select {
			case <-ch:
				// 加载完成，下一轮循环读取结果
				continue
			case <-ctx.Done():
				var zero V
				return zero, ctx.Err()
			}
		}
		ch := make(chan struct{})
		s.inflight = ch
		s.mu.Unlock()

		v, err := s.loader(ctx)

		s.mu.Lock()
		s.inflight = nil
		s.lastErr = err
		if err == nil {
			s.value = v
			s.fetchedAt = time.Now()
			s.valid = true
		}
		close(ch)
		s.mu.Unlock()

		if err != nil {
			var zero V
			return zero, err
		}
		return v, nil
	}
}

// Invalidate 使快照立即失效（如转账后强制刷新）
func (s *Snapshot[V]) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

// Peek 返回当前快照值（不触发加载）
func (s *Snapshot[V]) Peek() (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return s.value, false
	}
	return s.value, time.Since(s.fetchedAt) < s.ttl
}
