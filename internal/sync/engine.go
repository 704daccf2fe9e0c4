package sync

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/annel0/voxel-world/internal/config"
	"github.com/annel0/voxel-world/internal/logging"
	"github.com/annel0/voxel-world/internal/metrics"
	"github.com/annel0/voxel-world/internal/protocol"
	"github.com/annel0/voxel-world/internal/vec"
	"github.com/annel0/voxel-world/internal/world"
)

// Transport доставляет кадры синхронизации зрителям.
// Реализации: KCP-сервер и loopback для тестов.
type Transport interface {
	Send(viewerID string, frame []byte) error
}

// Engine — движок дельта-синхронизации. Ведёт по каждому зрителю кеш
// известных ему кубов и рассылает минимальные изменения: снапшот при первом
// знакомстве с кубом, дельту дальше, уведомление при выходе из зоны.
//
// Подписывается на жизненный цикл кубов как world.CubeObserver.
type Engine struct {
	cfg       config.SyncConfig
	manager   *world.Manager
	codec     *protocol.Codec
	transport Transport
	logger    *logging.Logger

	mu      sync.Mutex
	viewers map[string]*Viewer
}

// NewEngine создаёт движок и подписывает его на события менеджера мира
func NewEngine(cfg config.SyncConfig, manager *world.Manager, transport Transport) (*Engine, error) {
	codec, err := protocol.NewCodec(cfg.MinCompressBytes)
	if err != nil {
		return nil, fmt.Errorf("sync codec: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		manager:   manager,
		codec:     codec,
		transport: transport,
		logger:    logging.NewConsoleLogger("sync"),
		viewers:   make(map[string]*Viewer),
	}
	manager.AddObserver(e)
	return e, nil
}

// SetLogger заменяет логгер (консольный по умолчанию)
func (e *Engine) SetLogger(l *logging.Logger) {
	e.logger = l
}

// AddViewer регистрирует зрителя и сразу пересчитывает его зону интереса
func (e *Engine) AddViewer(id string, pos vec.Vec3Float) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.viewers[id]; exists {
		return
	}
	v := newViewer(id, pos)
	e.viewers[id] = v
	e.recomputeInterest(v, time.Now())

	metrics.ConnectedViewers.Set(float64(len(e.viewers)))
	e.logger.Info("Зритель %s подключён: %v", id, pos)
}

// RemoveViewer снимает зрителя с учёта; его очередь отправок отбрасывается
func (e *Engine) RemoveViewer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.viewers[id]; !exists {
		return
	}
	delete(e.viewers, id)
	e.manager.DropViewerInterest(id)
	metrics.ConnectedViewers.Set(float64(len(e.viewers)))
	e.logger.Info("Зритель %s отключён", id)
}

// MoveViewer обновляет позицию зрителя. Пересчёт зоны интереса произойдёт
// на ближайшем тике, если смещение превысило порог.
func (e *Engine) MoveViewer(id string, pos vec.Vec3Float) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.viewers[id]; ok {
		v.Pos = pos
	}
}

// OnCubeLoaded планирует отправку свежезагруженного куба всем зрителям,
// в чьей зоне он находится
func (e *Engine) OnCubeLoaded(cube *world.Cube) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range e.viewers {
		dist := v.distanceTo(cube.Pos)
		if dist > float64(e.cfg.ViewRange) {
			continue
		}
		class := world.ClassifyDistance(dist, float64(e.cfg.ViewRange))
		v.queue.schedule(cube.Pos, sendState, class, dist, now)
	}
}

// OnCubeMutated планирует рассылку изменения. Класс фиксирован на High:
// мутация видна зрителю быстро, но не отодвигает кубы вплотную к нему.
func (e *Engine) OnCubeMutated(pos vec.Vec3, version uint64, index uint16, value uint16) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range e.viewers {
		dist := v.distanceTo(pos)
		if dist > float64(e.cfg.ViewRange) {
			continue
		}
		v.queue.schedule(pos, sendState, world.PriorityHigh, dist, now)
	}
}

// OnCubeUnloaded ничего не рассылает: выгрузка из памяти сервера
// не означает выход из зоны видимости зрителя
func (e *Engine) OnCubeUnloaded(pos vec.Vec3) {}

// Tick выполняет один цикл синхронизации: пересчёт зон интереса
// сдвинувшихся зрителей и рассылка накопленных изменений
func (e *Engine) Tick() {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	queued := 0
	for _, v := range e.viewers {
		if moveDistance(v.Pos, v.interestPos) >= e.cfg.MoveThreshold {
			e.recomputeInterest(v, now)
		}
		e.drainViewer(v, now)
		queued += v.queue.Len()
	}
	metrics.SyncQueueLength.Set(float64(queued))
}

// recomputeInterest пересчитывает зону интереса зрителя. Загрузку зоны
// обеспечивает менеджер мира через UpdateViewerInterest — движок сам
// генерацию не запускает и читает только резидентные кубы: они
// планируются к отправке сразу, остальные придут через OnCubeLoaded.
// Вызывается под e.mu.
func (e *Engine) recomputeInterest(v *Viewer, now time.Time) {
	v.interestPos = v.Pos
	center := v.centerCube()
	maxRange := float64(e.cfg.ViewRange)

	e.manager.UpdateViewerInterest(v.ID, center)

	for _, pos := range vec.ShellOrder(center, e.cfg.ViewRange) {
		if !e.manager.Store().Contains(pos) {
			continue
		}
		dist := center.DistanceTo(pos)
		v.queue.schedule(pos, sendState, world.ClassifyDistance(dist, maxRange), dist, now)
	}

	// Уведомление о выгрузке только после выхода за зону с запасом
	// гистерезиса: дрожание зрителя у границы куба не рождает
	// пар unload/snapshot
	margin := e.cfg.ViewRange + e.cfg.Hysteresis
	for pos := range v.known {
		if !vec.InRange(center, pos, margin) {
			v.queue.schedule(pos, sendUnload, world.PriorityNormal, v.distanceTo(pos), now)
		}
	}
}

// commit — отложенное обновление кеша зрителя, применяется после
// успешной отправки кадра
type commit struct {
	pos      vec.Vec3
	snapshot *Snapshot // nil — убрать базовый снимок (выгрузка)
}

// drainViewer собирает и отправляет один кадр для зрителя.
// Кеш известных кубов обновляется только после успешной отправки:
// при отказе транспорта задачи возвращаются в очередь, и следующая
// попытка пересчитает дельты от прежней базы. Вызывается под e.mu.
func (e *Engine) drainViewer(v *Viewer, now time.Time) {
	ttl := e.cfg.SendTTL()

	var (
		updates  []protocol.CubeUpdate
		jobs     []*sendJob
		commits  []commit
		deferred []*sendJob
		bytes    int
	)

	for taken := 0; taken < e.cfg.MaxSendsPerTick && len(updates) < e.cfg.MaxBatchEntries; {
		job := v.queue.next()
		if job == nil {
			break
		}

		// Протухшие отправки дропаются молча: зритель уже далеко,
		// актуальное состояние догонит его при следующем пересчёте
		if ttl > 0 && now.Sub(job.enqueuedAt) > ttl {
			metrics.SyncStaleDrops.Inc()
			continue
		}
		taken++

		update, cm, ok := e.buildUpdate(v, job)
		if !ok {
			continue
		}

		size := update.EstimateSize()
		if len(updates) > 0 && bytes+size > e.cfg.MaxBatchBytes {
			// Кадр полон; задача уходит в следующий тик
			deferred = append(deferred, job)
			break
		}

		updates = append(updates, update)
		jobs = append(jobs, job)
		commits = append(commits, cm)
		bytes += size
	}

	defer func() {
		for _, job := range deferred {
			v.queue.requeue(job)
		}
	}()

	if len(updates) == 0 {
		return
	}

	v.batchSeq++
	frame, err := e.codec.EncodeBatch(&protocol.Batch{Seq: v.batchSeq, Updates: updates})
	if err != nil {
		// Ошибка кодирования не лечится повтором; кадр теряется
		e.logger.Error("Кодирование кадра для %s не удалось: %v", v.ID, err)
		v.batchSeq--
		return
	}

	if err := e.transport.Send(v.ID, frame); err != nil {
		e.logger.Warn("Отправка кадра %d зрителю %s не удалась: %v", v.batchSeq, v.ID, err)
		metrics.SyncSendFailures.Inc()
		v.batchSeq--
		for _, job := range jobs {
			v.queue.requeue(job)
		}
		return
	}

	for _, cm := range commits {
		if cm.snapshot == nil {
			delete(v.known, cm.pos)
		} else {
			v.known[cm.pos] = cm.snapshot
		}
	}

	metrics.SyncBatches.Inc()
	metrics.SyncBytes.Add(float64(len(frame)))
}

// buildUpdate превращает задачу в обновление для кадра.
// ok=false — отправлять нечего (куб нерезидентен, дельта пуста
// или выгрузка неизвестного зрителю куба).
func (e *Engine) buildUpdate(v *Viewer, job *sendJob) (protocol.CubeUpdate, commit, bool) {
	if job.kind == sendUnload {
		if _, known := v.known[job.pos]; !known {
			return protocol.CubeUpdate{}, commit{}, false
		}
		return protocol.CubeUpdate{Kind: protocol.UpdateUnload, Pos: job.pos},
			commit{pos: job.pos, snapshot: nil}, true
	}

	// Pin защищает куб от вытеснения между чтением и фиксацией кадра
	if !e.manager.Store().Pin(job.pos) {
		return protocol.CubeUpdate{}, commit{}, false
	}
	defer e.manager.Store().Unpin(job.pos)

	voxels, version, ok := e.manager.Store().ReadSnapshot(job.pos)
	if !ok {
		return protocol.CubeUpdate{}, commit{}, false
	}

	baseline, known := v.known[job.pos]
	if !known {
		return protocol.CubeUpdate{Kind: protocol.UpdateSnapshot, Pos: job.pos, Version: version, Voxels: voxels},
			commit{pos: job.pos, snapshot: NewSnapshot(voxels, version)}, true
	}

	entries := Diff(baseline.Voxels, voxels)
	if len(entries) == 0 {
		// Содержимое не изменилось; двигаем версию базы без отправки
		baseline.Version = version
		return protocol.CubeUpdate{}, commit{}, false
	}

	// Плотная дельта дороже снапшота — шлём снапшот
	deltaUpdate := protocol.CubeUpdate{Kind: protocol.UpdateDelta, Pos: job.pos, Version: version, Entries: entries}
	snapUpdate := protocol.CubeUpdate{Kind: protocol.UpdateSnapshot, Pos: job.pos, Version: version, Voxels: voxels}
	update := deltaUpdate
	if deltaUpdate.EstimateSize() >= snapUpdate.EstimateSize() {
		update = snapUpdate
	}

	return update, commit{pos: job.pos, snapshot: NewSnapshot(voxels, version)}, true
}

// ViewerCount возвращает число подключённых зрителей
func (e *Engine) ViewerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.viewers)
}

// KnownCubes возвращает число кубов, известных зрителю (для отладочного API)
func (e *Engine) KnownCubes(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.viewers[id]; ok {
		return len(v.known)
	}
	return 0
}

func moveDistance(a, b vec.Vec3Float) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
