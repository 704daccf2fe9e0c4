package storage

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/voxel-world/internal/vec"
)

// BadgerStore реализует DurableStore поверх BadgerDB
type BadgerStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerStore открывает (или создаёт) базу кубов в dataPath/world
func NewBadgerStore(dataPath string) (*BadgerStore, error) {
	dbPath := filepath.Join(dataPath, "world")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerStore{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

// Close закрывает хранилище данных
func (bs *BadgerStore) Close() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.isReady {
		return nil
	}

	bs.isReady = false
	return bs.db.Close()
}

func cubeKey(pos vec.Vec3) []byte {
	return []byte(fmt.Sprintf("cube:%d:%d:%d", pos.X, pos.Y, pos.Z))
}

// Load читает байты куба; (nil, nil) если куб не сохранялся
func (bs *BadgerStore) Load(pos vec.Vec3) ([]byte, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, ErrNotReady
	}

	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cubeKey(pos))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	return data, nil
}

// Save сохраняет байты куба
func (bs *BadgerStore) Save(pos vec.Vec3, data []byte) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return ErrNotReady
	}

	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cubeKey(pos), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}

	return nil
}

// Has проверяет наличие данных для координаты
func (bs *BadgerStore) Has(pos vec.Vec3) (bool, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return false, ErrNotReady
	}

	found := false
	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(cubeKey(pos))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	return found, nil
}

// Delete удаляет данные куба
func (bs *BadgerStore) Delete(pos vec.Vec3) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return ErrNotReady
	}

	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cubeKey(pos))
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления из BadgerDB: %w", err)
	}

	return nil
}
