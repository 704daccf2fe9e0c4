package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/annel0/voxel-world/internal/vec"
)

// Сообщения клиент → сервер. Идут без сжатия: они крошечные.
// Формат: [uint8 тип][тело], все числа little-endian.
type ClientMsgType uint8

const (
	ClientHello ClientMsgType = iota + 1 // Регистрация наблюдателя
	ClientMove                           // Обновление позиции
	ClientEdit                           // Правка вокселя
	ClientBye                            // Корректное отключение
)

// HelloMsg регистрирует наблюдателя с начальной позицией
type HelloMsg struct {
	ViewerID string
	Pos      vec.Vec3Float
}

// MoveMsg сообщает новую позицию наблюдателя
type MoveMsg struct {
	Pos vec.Vec3Float
}

// EditMsg — правка одного вокселя в загруженном кубе
type EditMsg struct {
	CubePos vec.Vec3
	Index   uint16
	Value   uint16
}

// EncodeHello сериализует HelloMsg
func EncodeHello(m *HelloMsg) []byte {
	buf := []byte{byte(ClientHello)}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.ViewerID)))
	buf = append(buf, m.ViewerID...)
	return appendVec3f(buf, m.Pos)
}

// EncodeMove сериализует MoveMsg
func EncodeMove(m *MoveMsg) []byte {
	buf := []byte{byte(ClientMove)}
	return appendVec3f(buf, m.Pos)
}

// EncodeEdit сериализует EditMsg
func EncodeEdit(m *EditMsg) []byte {
	buf := []byte{byte(ClientEdit)}
	buf = appendVec3(buf, m.CubePos)
	buf = binary.LittleEndian.AppendUint16(buf, m.Index)
	return binary.LittleEndian.AppendUint16(buf, m.Value)
}

// EncodeBye сериализует сообщение отключения
func EncodeBye() []byte {
	return []byte{byte(ClientBye)}
}

// DecodeClientMsg разбирает сообщение клиента; возвращает одно из
// *HelloMsg, *MoveMsg, *EditMsg или nil для ClientBye.
func DecodeClientMsg(data []byte) (ClientMsgType, interface{}, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("empty client message")
	}
	typ := ClientMsgType(data[0])
	body := data[1:]

	switch typ {
	case ClientHello:
		if len(body) < 2 {
			return 0, nil, fmt.Errorf("hello truncated")
		}
		idLen := int(binary.LittleEndian.Uint16(body[:2]))
		body = body[2:]
		if len(body) < idLen+24 {
			return 0, nil, fmt.Errorf("hello truncated")
		}
		return typ, &HelloMsg{
			ViewerID: string(body[:idLen]),
			Pos:      consumeVec3f(body[idLen:]),
		}, nil
	case ClientMove:
		if len(body) < 24 {
			return 0, nil, fmt.Errorf("move truncated")
		}
		return typ, &MoveMsg{Pos: consumeVec3f(body)}, nil
	case ClientEdit:
		if len(body) < 28 {
			return 0, nil, fmt.Errorf("edit truncated")
		}
		return typ, &EditMsg{
			CubePos: consumeVec3(body[:24]),
			Index:   binary.LittleEndian.Uint16(body[24:26]),
			Value:   binary.LittleEndian.Uint16(body[26:28]),
		}, nil
	case ClientBye:
		return typ, nil, nil
	default:
		return 0, nil, fmt.Errorf("unknown client message type %d", typ)
	}
}

func appendVec3f(buf []byte, v vec.Vec3Float) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.X))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Y))
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Z))
}

func consumeVec3f(buf []byte) vec.Vec3Float {
	return vec.Vec3Float{
		X: math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8])),
		Y: math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16])),
		Z: math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
	}
}
