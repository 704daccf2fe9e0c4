package world

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-world/internal/vec"
)

func TestCubeStorePutTouchRemove(t *testing.T) {
	cs := NewCubeStore()
	pos := vec.Vec3{X: 1, Y: 2, Z: 3}

	require.True(t, cs.Put(NewCube(pos)))
	assert.False(t, cs.Put(NewCube(pos)), "повторный Put той же позиции отбрасывается")
	assert.Equal(t, 1, cs.Len())

	cube, ok := cs.Touch(pos)
	require.True(t, ok)
	assert.Equal(t, pos, cube.Pos)

	_, ok = cs.Remove(pos)
	assert.True(t, ok)
	assert.Zero(t, cs.Len())
}

func TestCubeStoreMutate(t *testing.T) {
	cs := NewCubeStore()
	pos := vec.Vec3{X: 5}
	cs.Put(NewCube(pos))

	version, changed, resident := cs.Mutate(pos, 100, VoxelStone)
	require.True(t, resident)
	assert.True(t, changed)
	assert.Equal(t, uint64(1), version)

	// Идемпотентная запись не поднимает версию
	version, changed, _ = cs.Mutate(pos, 100, VoxelStone)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), version)

	_, _, resident = cs.Mutate(vec.Vec3{X: 99}, 0, 1)
	assert.False(t, resident)
}

func TestCubeStoreSnapshotIsCopy(t *testing.T) {
	cs := NewCubeStore()
	pos := vec.Vec3{}
	cs.Put(NewCube(pos))

	snap, version, ok := cs.ReadSnapshot(pos)
	require.True(t, ok)
	assert.Zero(t, version)

	snap[0] = 7
	value, _, _ := cs.ReadVoxel(pos, 0)
	assert.Equal(t, VoxelAir, value, "мутация снимка не должна менять куб")
}

func TestCubeStoreEvictionCandidatesLRU(t *testing.T) {
	cs := NewCubeStore()

	old := NewCube(vec.Vec3{X: 1})
	old.LastAccess = time.Now().Add(-time.Hour)
	mid := NewCube(vec.Vec3{X: 2})
	mid.LastAccess = time.Now().Add(-time.Minute)
	fresh := NewCube(vec.Vec3{X: 3})

	// Put ставит LastAccess=now, выставляем вручную после вставки
	for _, c := range []*Cube{old, mid, fresh} {
		access := c.LastAccess
		cs.Put(c)
		c.LastAccess = access
	}

	candidates := cs.EvictionCandidates(2, nil)
	require.Len(t, candidates, 2)
	assert.Equal(t, vec.Vec3{X: 1}, candidates[0], "самый старый первым")
	assert.Equal(t, vec.Vec3{X: 2}, candidates[1])

	// Фильтр защиты исключает куб из кандидатов независимо от возраста
	protected := cs.EvictionCandidates(3, func(p vec.Vec3) bool {
		return p.Equals(vec.Vec3{X: 1})
	})
	assert.Equal(t, []vec.Vec3{{X: 2}, {X: 3}}, protected)
}

func TestCubeStorePinProtectsFromEviction(t *testing.T) {
	cs := NewCubeStore()
	pinned := vec.Vec3{X: 1}
	free := vec.Vec3{X: 2}
	cs.Put(NewCube(pinned))
	cs.Put(NewCube(free))

	require.True(t, cs.Pin(pinned))
	candidates := cs.EvictionCandidates(10, nil)
	assert.Equal(t, []vec.Vec3{free}, candidates, "закреплённый куб не кандидат")

	cs.Unpin(pinned)
	assert.Len(t, cs.EvictionCandidates(10, nil), 2)

	assert.False(t, cs.Pin(vec.Vec3{X: 99}), "нерезидентный куб не закрепляется")
}

func TestCubeStoreDirtyTracking(t *testing.T) {
	cs := NewCubeStore()
	pos := vec.Vec3{X: 1}
	cs.Put(NewCube(pos))

	assert.Empty(t, cs.DirtyCubes())

	cs.Mutate(pos, 0, VoxelDirt)
	assert.Equal(t, []vec.Vec3{pos}, cs.DirtyCubes())

	// Сериализация для записи снимает флаг
	blob, ok := cs.EncodeForSave(pos)
	require.True(t, ok)
	assert.NotEmpty(t, blob)
	assert.Empty(t, cs.DirtyCubes())

	// Неудачная запись возвращает флаг
	cs.MarkDirty(pos)
	assert.Equal(t, []vec.Vec3{pos}, cs.DirtyCubes())
}
