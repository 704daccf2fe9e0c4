package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache — BlobCache в памяти с TTL.
// Просроченные записи удаляются лениво при чтении и фоновым уборщиком.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	quit    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache создаёт кеш и запускает уборщик просроченных записей
func NewMemoryCache() *MemoryCache {
	mc := &MemoryCache{
		entries: make(map[string]memoryEntry),
		quit:    make(chan struct{}),
	}
	go mc.janitor()
	return mc
}

func (mc *MemoryCache) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-mc.quit:
			return
		case <-ticker.C:
			now := time.Now()
			mc.mu.Lock()
			for key, entry := range mc.entries {
				if now.After(entry.expiresAt) {
					delete(mc.entries, key)
				}
			}
			mc.mu.Unlock()
		}
	}
}

// Get возвращает запись, если она есть и не просрочена
func (mc *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	mc.mu.RLock()
	entry, exists := mc.entries[key]
	mc.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		mc.mu.Lock()
		delete(mc.entries, key)
		mc.mu.Unlock()
		return nil, false, nil
	}

	return append([]byte{}, entry.value...), true, nil
}

// Put сохраняет запись с указанным TTL
func (mc *MemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries[key] = memoryEntry{
		value:     append([]byte{}, value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete удаляет запись
func (mc *MemoryCache) Delete(_ context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.entries, key)
	return nil
}

// Close останавливает уборщик
func (mc *MemoryCache) Close() error {
	mc.once.Do(func() { close(mc.quit) })
	return nil
}
