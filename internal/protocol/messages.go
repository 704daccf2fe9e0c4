package protocol

import (
	"github.com/annel0/voxel-world/internal/vec"
)

// UpdateKind — тип обновления куба в пакете синхронизации
type UpdateKind uint8

const (
	UpdateSnapshot UpdateKind = iota + 1 // Полное содержимое куба
	UpdateDelta                          // Только изменённые воксели
	UpdateUnload                         // Куб вышел из зоны видимости
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateSnapshot:
		return "snapshot"
	case UpdateDelta:
		return "delta"
	case UpdateUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// DeltaEntry — одно изменение вокселя внутри куба.
// Index — линейный индекс в кубе 16³ (0..4095), Value — новый ID вокселя.
type DeltaEntry struct {
	Index uint16
	Value uint16
}

// CubeUpdate — обновление одного куба для конкретного получателя
type CubeUpdate struct {
	Kind    UpdateKind
	Pos     vec.Vec3
	Version uint64       // Версия куба на момент формирования
	Voxels  []uint16     // Заполнено для UpdateSnapshot (ровно 4096)
	Entries []DeltaEntry // Заполнено для UpdateDelta
}

// Batch — кадр синхронизации: несколько обновлений кубов одним пакетом
type Batch struct {
	Seq     uint64 // Монотонный номер кадра для получателя
	Updates []CubeUpdate
}

// Размеры сериализованных структур в байтах.
// Используются при нарезке пакетов по бюджету до фактической сериализации.
const (
	updateHeaderSize = 1 + 24 + 8 // kind + pos(3×int64) + version
	entrySize        = 4          // index + value
	batchHeaderSize  = 8 + 4      // seq + count
)

// EstimateSize возвращает точный размер несжатого тела обновления
func (u *CubeUpdate) EstimateSize() int {
	switch u.Kind {
	case UpdateSnapshot:
		return updateHeaderSize + 4 + len(u.Voxels)*2
	case UpdateDelta:
		return updateHeaderSize + 4 + len(u.Entries)*entrySize
	default:
		return updateHeaderSize
	}
}

// EstimateBatchSize возвращает размер несжатого тела пакета
func EstimateBatchSize(updates []CubeUpdate) int {
	total := batchHeaderSize
	for i := range updates {
		total += updates[i].EstimateSize()
	}
	return total
}
