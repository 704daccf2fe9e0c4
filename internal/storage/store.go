package storage

import (
	"errors"

	"github.com/annel0/voxel-world/internal/vec"
)

// ErrNotReady возвращается после закрытия хранилища
var ErrNotReady = errors.New("хранилище не готово")

// DurableStore — байтовое персистентное хранилище кубов по координате.
// Гарантируется только линеаризуемость по одному ключу: Save, затем Load
// той же координаты возвращает сохранённые байты.
type DurableStore interface {
	// Load возвращает (nil, nil), если данных для координаты нет
	Load(pos vec.Vec3) ([]byte, error)
	Save(pos vec.Vec3, data []byte) error
	Has(pos vec.Vec3) (bool, error)
	Delete(pos vec.Vec3) error
	Close() error
}
