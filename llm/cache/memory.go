package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryBackend 进程内有界缓存后端。
// 容量达到上限时按写入顺序淘汰最早插入的条目（FIFO），每次超限
// 恰好淘汰一条，摊还 O(1)。TTL 惰性执行：过期条目在下一次读写
// 触及时视为未命中并物理删除。本后端永不返回 ErrBackendUnavailable。
type MemoryBackend struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // 插入顺序，队首最旧
	clock   func() time.Time
}

type memoryEntry struct {
	key       string
	value     string
	createdAt time.Time
	ttl       time.Duration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// NewMemoryBackend 创建内存后端，maxSize 为最大条目数。
func NewMemoryBackend(maxSize int) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryBackend{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		clock:   time.Now,
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, ok := b.items[key]
	if !ok {
		return "", ErrCacheMiss
	}

	entry := elem.Value.(*memoryEntry)
	if entry.expired(b.clock()) {
		b.remove(elem)
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 覆盖写：刷新值与时间戳，插入顺序重置为最新
	if elem, ok := b.items[key]; ok {
		b.remove(elem)
	}

	if b.order.Len() >= b.maxSize {
		b.evictOldest()
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		createdAt: b.clock(),
		ttl:       ttl,
	}
	b.items[key] = b.order.PushBack(entry)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.items[key]; ok {
		b.remove(elem)
	}
	return nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = make(map[string]*list.Element)
	b.order.Init()
	return nil
}

// Len 返回当前条目数（含尚未被惰性清理的过期条目）。
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

func (b *MemoryBackend) remove(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	b.order.Remove(elem)
	delete(b.items, entry.key)
}

func (b *MemoryBackend) evictOldest() {
	front := b.order.Front()
	if front == nil {
		return
	}
	b.remove(front)
}
