package world

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/annel0/voxel-world/internal/vec"
)

// Формат блоба куба в хранилище:
// [uint8 версия формата][uint64 версия куба][4096 × uint16 воксели], LE.
const (
	blobFormatV1 = 1
	blobSize     = 1 + 8 + CubeVolume*2
)

// ErrCorruptBlob возвращается при нераспознаваемом блобе.
// Вызывающий трактует куб как отсутствующий и генерирует заново.
var ErrCorruptBlob = errors.New("corrupt cube blob")

// EncodeCube сериализует куб для записи в хранилище
func EncodeCube(c *Cube) []byte {
	buf := make([]byte, 0, blobSize)
	buf = append(buf, blobFormatV1)
	buf = binary.LittleEndian.AppendUint64(buf, c.Version)
	for _, v := range c.Voxels {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}

// DecodeCube восстанавливает куб из блоба хранилища
func DecodeCube(pos vec.Vec3, blob []byte) (*Cube, error) {
	if len(blob) != blobSize {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrCorruptBlob, len(blob), blobSize)
	}
	if blob[0] != blobFormatV1 {
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorruptBlob, blob[0])
	}

	c := NewCube(pos)
	c.Version = binary.LittleEndian.Uint64(blob[1:9])
	raw := blob[9:]
	for i := range c.Voxels {
		c.Voxels[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return c, nil
}
