package world

import (
	"time"

	"github.com/annel0/voxel-world/internal/vec"
)

// Геометрия куба: 16×16×16 вокселей, линейная укладка x + y*16 + z*256
const (
	CubeSize   = 16
	CubeVolume = CubeSize * CubeSize * CubeSize
)

// VoxelID — идентификатор типа вокселя; 0 означает воздух
type VoxelID = uint16

const (
	VoxelAir VoxelID = iota
	VoxelStone
	VoxelDirt
	VoxelGrass
	VoxelSand
	VoxelWater
)

// Cube — единица загрузки мира: куб 16³ вокселей с версией и флагом dirty.
// Доступ к полям защищён блокировкой CubeStore, сам куб мьютекса не несёт.
type Cube struct {
	Pos        vec.Vec3
	Voxels     []uint16 // Длина всегда CubeVolume
	Version    uint64   // Растёт на каждую мутацию, сбрасывается только при выгрузке
	Dirty      bool     // Есть несохранённые изменения
	LastAccess time.Time
	LastTick   uint64 // Последний пройденный координационный цикл
	pins       int    // Активные читатели снимка; вытеснение пропускает куб
}

// NewCube создаёт пустой (воздушный) куб
func NewCube(pos vec.Vec3) *Cube {
	return &Cube{
		Pos:        pos,
		Voxels:     make([]uint16, CubeVolume),
		LastAccess: time.Now(),
	}
}

// VoxelIndex переводит локальные координаты в линейный индекс
func VoxelIndex(x, y, z int) uint16 {
	return uint16(x + y*CubeSize + z*CubeSize*CubeSize)
}

// Get возвращает воксель по линейному индексу
func (c *Cube) Get(index uint16) uint16 {
	return c.Voxels[index]
}

// Set записывает воксель, поднимает версию и помечает куб как dirty.
// Возвращает false если значение не изменилось (версия не трогается).
func (c *Cube) Set(index uint16, value uint16) bool {
	if c.Voxels[index] == value {
		return false
	}
	c.Voxels[index] = value
	c.Version++
	c.Dirty = true
	return true
}

// Tick фиксирует прохождение периодического цикла.
// Вызывается менеджером под блокировкой CubeStore.
func (c *Cube) Tick(tickID uint64) {
	c.LastTick = tickID
}

// CopyVoxels возвращает независимую копию содержимого куба
func (c *Cube) CopyVoxels() []uint16 {
	out := make([]uint16, CubeVolume)
	copy(out, c.Voxels)
	return out
}

// Fill заполняет весь куб одним значением без подъёма версии.
// Используется генератором до публикации куба.
func (c *Cube) Fill(value uint16) {
	for i := range c.Voxels {
		c.Voxels[i] = value
	}
}
