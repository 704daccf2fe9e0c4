package world

import (
	"context"
	"encoding/json"
	"time"

	"github.com/annel0/voxel-world/internal/eventbus"
	"github.com/annel0/voxel-world/internal/vec"
)

// CubeObserver получает уведомления о жизненном цикле кубов.
// Вызовы идут из тикового цикла и воркеров; обработчики должны быть быстрыми.
type CubeObserver interface {
	// OnCubeLoaded вызывается когда куб стал резидентным (загружен или сгенерирован)
	OnCubeLoaded(cube *Cube)

	// OnCubeMutated вызывается после успешной правки вокселя
	OnCubeMutated(pos vec.Vec3, version uint64, index uint16, value uint16)

	// OnCubeUnloaded вызывается после вытеснения куба из памяти
	OnCubeUnloaded(pos vec.Vec3)
}

// cubeEventPayload — JSON-тело событий куба для внешней шины
type cubeEventPayload struct {
	Pos     vec.Vec3  `json:"pos"`
	Version uint64    `json:"version,omitempty"`
	At      time.Time `json:"at"`
}

// publishEvent отправляет событие куба во внешнюю шину, если она подключена.
// Ошибки публикации не прерывают жизненный цикл — шина вспомогательная.
func (m *Manager) publishEvent(eventType string, pos vec.Vec3, version uint64) {
	if m.bus == nil {
		return
	}

	payload, err := json.Marshal(cubeEventPayload{Pos: pos, Version: version, At: time.Now().UTC()})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev := eventbus.NewEnvelope(m.nodeID, eventType, 3, payload)
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("Публикация события %s для куба %v не удалась: %v", eventType, pos, err)
	}
}
