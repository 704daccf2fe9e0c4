package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-world/internal/vec"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ms := NewMemoryStore()
	pos := vec.Vec3{X: -5, Y: 120, Z: 3}

	// До записи данных нет
	data, err := ms.Load(pos)
	require.NoError(t, err)
	assert.Nil(t, data, "пустое хранилище должно вернуть nil")

	has, err := ms.Has(pos)
	require.NoError(t, err)
	assert.False(t, has)

	// Записываем и читаем обратно
	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, ms.Save(pos, payload))

	data, err = ms.Load(pos)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	has, err = ms.Has(pos)
	require.NoError(t, err)
	assert.True(t, has)

	// Мутация возвращённого среза не должна портить хранилище
	data[0] = 99
	again, err := ms.Load(pos)
	require.NoError(t, err)
	assert.Equal(t, byte(1), again[0])

	// Удаление
	require.NoError(t, ms.Delete(pos))
	data, err = ms.Load(pos)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	bs, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer bs.Close()

	pos := vec.Vec3{X: 1000000, Y: -1000000, Z: 7}
	payload := []byte("cube-bytes")

	data, err := bs.Load(pos)
	require.NoError(t, err)
	assert.Nil(t, data, "несохранённый куб должен дать nil")

	require.NoError(t, bs.Save(pos, payload))

	data, err = bs.Load(pos)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	has, err := bs.Has(pos)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, bs.Delete(pos))
	has, err = bs.Has(pos)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBadgerStoreClosedIsNotReady(t *testing.T) {
	bs, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	_, err = bs.Load(vec.Vec3{})
	assert.ErrorIs(t, err, ErrNotReady)

	err = bs.Save(vec.Vec3{}, []byte{1})
	assert.ErrorIs(t, err, ErrNotReady)
}
