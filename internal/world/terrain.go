package world

import (
	"github.com/aquilax/go-perlin"

	"github.com/annel0/voxel-world/internal/vec"
)

// Generator заполняет содержимое нового куба. Внешний коллаборатор
// менеджера: реализация обязана быть детерминированной по позиции,
// повторная генерация одного куба даёт идентичные воксели.
type Generator interface {
	Generate(pos vec.Vec3) *Cube
}

// Константы генерации ландшафта
const (
	terrainScale  = 0.02 // Масштаб основного шума высот
	terrainAmp    = 24.0 // Амплитуда рельефа в вокселях
	seaLevel      = 0    // Мировая высота воды
	dirtThickness = 3    // Слой земли под поверхностью
)

// TerrainGenerator детерминированно генерирует содержимое кубов.
// Один сид — один мир: повторная генерация куба даёт идентичные воксели.
type TerrainGenerator struct {
	seed  int64
	noise *perlin.Perlin
}

// NewTerrainGenerator создаёт генератор для указанного сида
func NewTerrainGenerator(seed int64) *TerrainGenerator {
	return &TerrainGenerator{
		seed:  seed,
		noise: perlin.NewPerlin(2, 2, 3, seed),
	}
}

// Generate заполняет новый куб ландшафтом.
// Версия куба остаётся нулевой: сгенерированный куб не dirty,
// пока его не тронула мутация.
func (tg *TerrainGenerator) Generate(pos vec.Vec3) *Cube {
	cube := NewCube(pos)

	baseX := pos.X * CubeSize
	baseY := pos.Y * CubeSize
	baseZ := pos.Z * CubeSize

	for z := 0; z < CubeSize; z++ {
		for x := 0; x < CubeSize; x++ {
			worldX := float64(baseX + x)
			worldZ := float64(baseZ + z)

			// Высота поверхности в мировых координатах (ось Y — вверх)
			h := tg.noise.Noise2D(worldX*terrainScale, worldZ*terrainScale)
			surface := int(h * terrainAmp)

			for y := 0; y < CubeSize; y++ {
				worldY := baseY + y
				idx := VoxelIndex(x, y, z)

				switch {
				case worldY > surface:
					if worldY <= seaLevel {
						cube.Voxels[idx] = VoxelWater
					}
					// Иначе воздух (нулевое значение уже на месте)
				case worldY == surface:
					if surface <= seaLevel+1 {
						cube.Voxels[idx] = VoxelSand
					} else {
						cube.Voxels[idx] = VoxelGrass
					}
				case worldY >= surface-dirtThickness:
					cube.Voxels[idx] = VoxelDirt
				default:
					cube.Voxels[idx] = VoxelStone
				}
			}
		}
	}

	return cube
}
