package sync

import (
	"github.com/annel0/voxel-world/internal/protocol"
	"github.com/annel0/voxel-world/internal/world"
)

// Snapshot — зафиксированное состояние куба, известное конкретному зрителю.
// Сравнение текущего содержимого с ним даёт дельту для отправки.
type Snapshot struct {
	Voxels  []uint16
	Version uint64
}

// NewSnapshot снимает копию состояния куба
func NewSnapshot(voxels []uint16, version uint64) *Snapshot {
	return &Snapshot{Voxels: voxels, Version: version}
}

// Diff возвращает набор изменений: индексы, где new отличается от old.
// Записи идут в порядке возрастания индекса — кодирование детерминировано.
func Diff(old, new []uint16) []protocol.DeltaEntry {
	entries := make([]protocol.DeltaEntry, 0)
	for i := 0; i < world.CubeVolume; i++ {
		if old[i] != new[i] {
			entries = append(entries, protocol.DeltaEntry{Index: uint16(i), Value: new[i]})
		}
	}
	return entries
}

// ApplyDelta накатывает дельту на копию состояния.
// Используется в тестах для проверки эквивалентности snapshot+delta.
func ApplyDelta(voxels []uint16, entries []protocol.DeltaEntry) []uint16 {
	out := make([]uint16, len(voxels))
	copy(out, voxels)
	for _, e := range entries {
		out[e.Index] = e.Value
	}
	return out
}
