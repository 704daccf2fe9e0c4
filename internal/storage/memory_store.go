package storage

import (
	"sync"

	"github.com/annel0/voxel-world/internal/vec"
)

// MemoryStore — DurableStore в памяти для тестов и одиночных запусков
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[vec.Vec3][]byte
}

// NewMemoryStore создаёт пустое in-memory хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[vec.Vec3][]byte),
	}
}

// Load читает байты куба; (nil, nil) если куб не сохранялся
func (ms *MemoryStore) Load(pos vec.Vec3) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	data, exists := ms.blobs[pos]
	if !exists {
		return nil, nil
	}

	// Копия, чтобы вызывающий не мог изменить содержимое хранилища
	return append([]byte{}, data...), nil
}

// Save сохраняет байты куба
func (ms *MemoryStore) Save(pos vec.Vec3, data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.blobs[pos] = append([]byte{}, data...)
	return nil
}

// Has проверяет наличие данных для координаты
func (ms *MemoryStore) Has(pos vec.Vec3) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	_, exists := ms.blobs[pos]
	return exists, nil
}

// Delete удаляет данные куба
func (ms *MemoryStore) Delete(pos vec.Vec3) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.blobs, pos)
	return nil
}

// Close ничего не делает для in-memory хранилища
func (ms *MemoryStore) Close() error { return nil }

// Len возвращает количество сохранённых кубов (для тестов)
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.blobs)
}
