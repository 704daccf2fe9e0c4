package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/annel0/voxel-world/internal/logging"
	syncengine "github.com/annel0/voxel-world/internal/sync"
	"github.com/annel0/voxel-world/internal/vec"
	"github.com/annel0/voxel-world/internal/world"
)

// sessionBridge связывает сетевые сессии с миром и движком синхронизации:
// hello/move/bye управляют зрителями, edit превращается в мутацию вокселя.
type sessionBridge struct {
	manager *world.Manager

	mu     sync.RWMutex
	engine *syncengine.Engine
}

func newSessionBridge(manager *world.Manager) *sessionBridge {
	return &sessionBridge{manager: manager}
}

func (b *sessionBridge) setEngine(engine *syncengine.Engine) {
	b.mu.Lock()
	b.engine = engine
	b.mu.Unlock()
}

func (b *sessionBridge) getEngine() *syncengine.Engine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.engine
}

func (b *sessionBridge) OnHello(viewerID string, pos vec.Vec3Float) {
	if engine := b.getEngine(); engine != nil {
		engine.AddViewer(viewerID, pos)
	}
}

func (b *sessionBridge) OnMove(viewerID string, pos vec.Vec3Float) {
	if engine := b.getEngine(); engine != nil {
		engine.MoveViewer(viewerID, pos)
	}
}

// OnEdit применяет правку вокселя. Если куб ещё не в памяти, он срочно
// загружается (класс High) и правка накатывается по готовности.
func (b *sessionBridge) OnEdit(viewerID string, cubePos vec.Vec3, index uint16, value uint16) {
	_, err := b.manager.SetVoxel(cubePos, index, value)
	if err == nil {
		return
	}
	if !errors.Is(err, world.ErrCubeNotLoaded) {
		logging.Warn("Правка %v[%d] от %s отклонена: %v", cubePos, index, viewerID, err)
		return
	}

	promise := b.manager.RequestCubeUrgent(cubePos, 0)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, werr := promise.Wait(ctx); werr != nil {
			logging.Warn("Куб %v для правки от %s не загрузился: %v", cubePos, viewerID, werr)
			return
		}
		if _, serr := b.manager.SetVoxel(cubePos, index, value); serr != nil {
			logging.Warn("Отложенная правка %v[%d] от %s не применилась: %v", cubePos, index, viewerID, serr)
		}
	}()
}

func (b *sessionBridge) OnBye(viewerID string) {
	if engine := b.getEngine(); engine != nil {
		engine.RemoveViewer(viewerID)
	}
}
