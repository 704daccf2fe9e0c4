package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/annel0/voxel-world/internal/metrics"
	"github.com/annel0/voxel-world/internal/vec"
)

// Кадр на проводе: [uint32 длина][uint8 флаги][тело].
// Бит 0 флагов — тело сжато zstd.
const (
	frameHeaderSize = 5
	flagCompressed  = 0x01

	// MaxFrameSize ограничивает размер кадра при декодировании,
	// чтобы битый заголовок не привёл к гигантской аллокации
	MaxFrameSize = 8 << 20
)

// Codec сериализует пакеты синхронизации в бинарный формат (little-endian)
// и прозрачно сжимает их. Потокобезопасен: EncodeAll/DecodeAll у zstd
// не требуют внешней синхронизации.
type Codec struct {
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder

	// Тела меньше порога не сжимаем: накладные расходы zstd съедают выигрыш
	minCompressBytes int
}

// NewCodec создаёт кодек; minCompressBytes <= 0 отключает сжатие
func NewCodec(minCompressBytes int) (*Codec, error) {
	c := &Codec{minCompressBytes: minCompressBytes}

	if minCompressBytes > 0 {
		var err error
		c.compressor, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
	}

	// Декомпрессор нужен всегда: удалённая сторона может прислать сжатый кадр
	var err error
	c.decompressor, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}

	return c, nil
}

// EncodeBatch сериализует пакет в кадр, готовый к отправке
func (c *Codec) EncodeBatch(b *Batch) ([]byte, error) {
	body := make([]byte, 0, EstimateBatchSize(b.Updates))
	body = binary.LittleEndian.AppendUint64(body, b.Seq)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(b.Updates)))

	for i := range b.Updates {
		var err error
		body, err = appendUpdate(body, &b.Updates[i])
		if err != nil {
			return nil, err
		}
	}

	flags := uint8(0)
	if c.compressor != nil && len(body) >= c.minCompressBytes {
		compressed := c.compressor.EncodeAll(body, make([]byte, 0, len(body)))
		// Оставляем сжатое тело только при реальном выигрыше
		if len(compressed) < len(body) {
			metrics.CompressionRatio.Observe(float64(len(compressed)) / float64(len(body)))
			body = compressed
			flags |= flagCompressed
		}
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = flags
	return append(frame, body...), nil
}

// DecodeBatch разбирает кадр, полученный с провода
func (c *Codec) DecodeBatch(frame []byte) (*Batch, error) {
	body, err := c.unwrap(frame)
	if err != nil {
		return nil, err
	}
	if len(body) < batchHeaderSize {
		return nil, fmt.Errorf("batch body too short: %d bytes", len(body))
	}

	b := &Batch{Seq: binary.LittleEndian.Uint64(body[:8])}
	count := binary.LittleEndian.Uint32(body[8:12])
	body = body[12:]

	b.Updates = make([]CubeUpdate, 0, count)
	for i := uint32(0); i < count; i++ {
		var u CubeUpdate
		body, err = consumeUpdate(body, &u)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		b.Updates = append(b.Updates, u)
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after batch", len(body))
	}

	return b, nil
}

// unwrap проверяет заголовок кадра и при необходимости распаковывает тело
func (c *Codec) unwrap(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	length := binary.LittleEndian.Uint32(frame[:4])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", length)
	}
	if uint32(len(frame)-frameHeaderSize) != length {
		return nil, fmt.Errorf("frame length mismatch: header=%d actual=%d", length, len(frame)-frameHeaderSize)
	}

	body := frame[frameHeaderSize:]
	if frame[4]&flagCompressed != 0 {
		decompressed, err := c.decompressor.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		body = decompressed
	}
	return body, nil
}

func appendUpdate(buf []byte, u *CubeUpdate) ([]byte, error) {
	buf = append(buf, byte(u.Kind))
	buf = appendVec3(buf, u.Pos)
	buf = binary.LittleEndian.AppendUint64(buf, u.Version)

	switch u.Kind {
	case UpdateSnapshot:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(u.Voxels)))
		for _, v := range u.Voxels {
			buf = binary.LittleEndian.AppendUint16(buf, v)
		}
	case UpdateDelta:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(u.Entries)))
		for _, e := range u.Entries {
			buf = binary.LittleEndian.AppendUint16(buf, e.Index)
			buf = binary.LittleEndian.AppendUint16(buf, e.Value)
		}
	case UpdateUnload:
		// Тела нет
	default:
		return nil, fmt.Errorf("unknown update kind %d", u.Kind)
	}
	return buf, nil
}

func consumeUpdate(buf []byte, u *CubeUpdate) ([]byte, error) {
	if len(buf) < updateHeaderSize {
		return nil, fmt.Errorf("update header truncated")
	}
	u.Kind = UpdateKind(buf[0])
	u.Pos = consumeVec3(buf[1:25])
	u.Version = binary.LittleEndian.Uint64(buf[25:33])
	buf = buf[updateHeaderSize:]

	switch u.Kind {
	case UpdateSnapshot:
		count, rest, err := consumeCount(buf, 2)
		if err != nil {
			return nil, err
		}
		u.Voxels = make([]uint16, count)
		for i := range u.Voxels {
			u.Voxels[i] = binary.LittleEndian.Uint16(rest[i*2:])
		}
		return rest[count*2:], nil
	case UpdateDelta:
		count, rest, err := consumeCount(buf, entrySize)
		if err != nil {
			return nil, err
		}
		u.Entries = make([]DeltaEntry, count)
		for i := range u.Entries {
			u.Entries[i].Index = binary.LittleEndian.Uint16(rest[i*entrySize:])
			u.Entries[i].Value = binary.LittleEndian.Uint16(rest[i*entrySize+2:])
		}
		return rest[count*entrySize:], nil
	case UpdateUnload:
		return buf, nil
	default:
		return nil, fmt.Errorf("unknown update kind %d", u.Kind)
	}
}

// consumeCount читает uint32-счётчик и проверяет, что буфер вмещает элементы
func consumeCount(buf []byte, elemSize int) (int, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("count truncated")
	}
	count := int(binary.LittleEndian.Uint32(buf[:4]))
	rest := buf[4:]
	if count < 0 || len(rest) < count*elemSize {
		return 0, nil, fmt.Errorf("payload truncated: need %d elems", count)
	}
	return count, rest, nil
}

// Координаты кубов идут как int64: диапазон мира не ограничен,
// усечение до меньшей разрядности молча исказило бы дальние кубы
func appendVec3(buf []byte, v vec.Vec3) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(v.X)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(v.Y)))
	return binary.LittleEndian.AppendUint64(buf, uint64(int64(v.Z)))
}

func consumeVec3(buf []byte) vec.Vec3 {
	return vec.Vec3{
		X: int(int64(binary.LittleEndian.Uint64(buf[0:8]))),
		Y: int(int64(binary.LittleEndian.Uint64(buf[8:16]))),
		Z: int(int64(binary.LittleEndian.Uint64(buf[16:24]))),
	}
}
