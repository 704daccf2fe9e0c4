package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/voxel-world/internal/cache"
	"github.com/annel0/voxel-world/internal/config"
	"github.com/annel0/voxel-world/internal/eventbus"
	"github.com/annel0/voxel-world/internal/logging"
	"github.com/annel0/voxel-world/internal/metrics"
	"github.com/annel0/voxel-world/internal/storage"
	"github.com/annel0/voxel-world/internal/vec"
)

var (
	// ErrStaleRequest — запрос пролежал в очереди дольше окна валидности.
	// Наблюдатель уже ушёл; вызывающий просто перезапрашивает при нужде.
	ErrStaleRequest = errors.New("load request expired")

	// ErrCubeNotLoaded — мутация адресует нерезидентный куб
	ErrCubeNotLoaded = errors.New("cube not loaded")

	// ErrShuttingDown — менеджер останавливается, новые запросы не принимаются
	ErrShuttingDown = errors.New("manager shutting down")
)

// Manager владеет жизненным циклом кубов: приём запросов, дедупликация,
// асинхронная загрузка/генерация пулом воркеров, вытеснение по LRU
// и фоновое сохранение. Координируется внешним тиковым циклом через Tick().
type Manager struct {
	cfg     config.WorldConfig
	store   *CubeStore
	durable storage.DurableStore
	gen     Generator
	logger  *logging.Logger
	nodeID  string

	// Опциональные подсистемы; nil — отключено
	cache    cache.BlobCache
	cacheTTL time.Duration
	bus      eventbus.EventBus

	// Очередь запросов и реестр in-flight под одним мьютексом:
	// дедупликация должна видеть согласованную картину
	mu       sync.Mutex
	queue    *requestQueue
	inflight map[vec.Vec3]*LoadPromise

	// Зоны интереса наблюдателей: по центрам зон запрашивается загрузка
	// и фильтруются кандидаты на вытеснение
	viewMu  sync.RWMutex
	viewers map[string]vec.Vec3

	tasks   chan *loadTask
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	runOnce sync.Once
	tickID  uint64 // Растёт на каждый Tick; доступ только из тикового цикла

	obsMu     sync.RWMutex
	observers []CubeObserver
	tickHooks []TickHook
}

// TickHook вызывается для каждого резидентного куба на каждом
// координационном цикле. Исполняется вне блокировок хранилища.
type TickHook func(tickID uint64, pos vec.Vec3)

type loadTask struct {
	req     *loadRequest
	promise *LoadPromise
}

// NewManager создаёт менеджер; Run нужно вызвать до первого Tick.
// gen — внешний генератор содержимого кубов; nil включает эталонный
// ландшафтный генератор с сидом из конфигурации.
func NewManager(cfg config.WorldConfig, durable storage.DurableStore, gen Generator) *Manager {
	if gen == nil {
		gen = NewTerrainGenerator(cfg.Seed)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		store:    NewCubeStore(),
		durable:  durable,
		gen:      gen,
		logger:   logging.NewConsoleLogger("world"),
		nodeID:   "world-server",
		queue:    newRequestQueue(),
		inflight: make(map[vec.Vec3]*LoadPromise),
		viewers:  make(map[string]vec.Vec3),
		tasks:    make(chan *loadTask, cfg.Workers*2),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetBlobCache подключает горячий кеш сериализованных кубов
func (m *Manager) SetBlobCache(bc cache.BlobCache, ttl time.Duration) {
	m.cache = bc
	m.cacheTTL = ttl
}

// SetEventBus подключает внешнюю шину событий
func (m *Manager) SetEventBus(bus eventbus.EventBus) {
	m.bus = bus
}

// SetLogger заменяет логгер (консольный по умолчанию)
func (m *Manager) SetLogger(l *logging.Logger) {
	m.logger = l
}

// AddObserver регистрирует получателя событий жизненного цикла.
// Вызывать до Run: список не защищён от конкурентной записи после старта.
func (m *Manager) AddObserver(o CubeObserver) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// RegisterTickHook регистрирует обработчик периодического тика кубов.
// Вызывать до Run, как и AddObserver.
func (m *Manager) RegisterTickHook(h TickHook) {
	m.obsMu.Lock()
	m.tickHooks = append(m.tickHooks, h)
	m.obsMu.Unlock()
}

// Store даёт прямой доступ к резидентным кубам (чтение снимков, pin)
func (m *Manager) Store() *CubeStore {
	return m.store
}

// UpdateViewerInterest регистрирует зону интереса наблюдателя: кубы зоны
// запрашиваются на загрузку, а вытеснение обходит зону стороной.
// center — куб, в котором находится наблюдатель.
func (m *Manager) UpdateViewerInterest(id string, center vec.Vec3) {
	m.viewMu.Lock()
	m.viewers[id] = center
	m.viewMu.Unlock()

	for _, pos := range vec.ShellOrder(center, m.cfg.ViewRange) {
		m.RequestCube(pos, center.DistanceTo(pos))
	}
}

// DropViewerInterest снимает зону интереса отключившегося наблюдателя
func (m *Manager) DropViewerInterest(id string) {
	m.viewMu.Lock()
	delete(m.viewers, id)
	m.viewMu.Unlock()
}

// Run запускает пул воркеров и фоновое сохранение
func (m *Manager) Run(parentCtx context.Context) {
	m.runOnce.Do(func() {
		if parentCtx != nil {
			m.ctx, m.cancel = context.WithCancel(parentCtx)
		}

		for i := 0; i < m.cfg.Workers; i++ {
			m.wg.Add(1)
			go m.worker(i)
		}

		m.wg.Add(1)
		go m.autoSaveLoop()

		m.logger.Info("Менеджер мира запущен: воркеров=%d, лимит кубов=%d",
			m.cfg.Workers, m.cfg.MaxLoadedCubes)
	})
}

// RequestCube запрашивает загрузку куба. distance — расстояние до ближайшего
// наблюдателя в кубах; от него зависит класс приоритета.
//
// Повторный запрос той же позиции возвращает тот же promise (дедупликация);
// более срочный повтор поднимает приоритет уже стоящего в очереди запроса.
// Для резидентного куба возвращается сразу разрешённый promise.
func (m *Manager) RequestCube(pos vec.Vec3, distance float64) *LoadPromise {
	return m.request(pos, ClassifyDistance(distance, float64(m.cfg.ViewRange)), distance)
}

// RequestCubeUrgent ставит запрос с фиксированным классом High независимо
// от расстояния. Используется для кубов, которых ждёт мутация.
func (m *Manager) RequestCubeUrgent(pos vec.Vec3, distance float64) *LoadPromise {
	return m.request(pos, PriorityHigh, distance)
}

func (m *Manager) request(pos vec.Vec3, class PriorityClass, distance float64) *LoadPromise {
	// Быстрый путь: куб уже в памяти
	if cube, ok := m.store.Touch(pos); ok {
		return resolvedPromise(cube, nil)
	}

	select {
	case <-m.ctx.Done():
		return resolvedPromise(nil, ErrShuttingDown)
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Дедупликация: кто-то уже ждёт этот куб
	if promise, ok := m.inflight[pos]; ok {
		m.queue.promote(pos, class, distance)
		return promise
	}

	// Куб мог стать резидентным пока мы брали мьютекс
	if cube, ok := m.store.Touch(pos); ok {
		return resolvedPromise(cube, nil)
	}

	promise := newPromise()
	m.inflight[pos] = promise
	m.queue.enqueue(pos, class, distance, time.Now())
	metrics.LoadQueueLength.Set(float64(m.queue.Len()))
	return promise
}

// Tick выполняет один координационный цикл: отправка запросов воркерам,
// отбраковка протухших, продвижение тика резидентных кубов и цикл
// вытеснения. Вызывается из единственной горутины тикового цикла.
func (m *Manager) Tick() {
	m.drainQueue()
	m.tickResident()
	m.evict()
	metrics.ResidentCubes.Set(float64(m.store.Len()))
}

// tickResident продвигает периодический тик всех резидентных кубов
// и зовёт зарегистрированные обработчики вне блокировки хранилища
func (m *Manager) tickResident() {
	m.tickID++
	positions := m.store.AdvanceTick(m.tickID)

	m.obsMu.RLock()
	hooks := m.tickHooks
	m.obsMu.RUnlock()

	for _, h := range hooks {
		for _, pos := range positions {
			h(m.tickID, pos)
		}
	}
}

// drainQueue передаёт воркерам до DrainPerTick запросов.
// Протухшие запросы разрешаются ошибкой без обращения к воркерам.
func (m *Manager) drainQueue() {
	ttl := m.cfg.RequestTTL()
	now := time.Now()
	dispatched := 0

	m.mu.Lock()
	defer m.mu.Unlock()

	for dispatched < m.cfg.DrainPerTick {
		req := m.queue.next()
		if req == nil {
			break
		}

		promise := m.inflight[req.pos]
		if promise == nil {
			continue // Запрос уже разрешён другим путём
		}

		if ttl > 0 && now.Sub(req.enqueuedAt) > ttl {
			delete(m.inflight, req.pos)
			promise.resolve(nil, ErrStaleRequest)
			metrics.StaleLoadRequests.Inc()
			continue
		}

		select {
		case m.tasks <- &loadTask{req: req, promise: promise}:
			dispatched++
			continue
		default:
		}

		// Воркеры заняты: возвращаем запрос в очередь до следующего тика
		m.queue.requeue(req)
		break
	}

	metrics.LoadQueueLength.Set(float64(m.queue.Len()))
}

// worker обслуживает запросы загрузки до остановки менеджера
func (m *Manager) worker(id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case task := <-m.tasks:
			cube, err := m.materialize(task.req.pos)
			m.complete(task, cube, err)
		}
	}
}

// materialize достаёт куб: кеш → хранилище → генерация.
// Ошибки хранилища ретраятся с экспоненциальным backoff; битый блоб
// трактуется как отсутствующий.
func (m *Manager) materialize(pos vec.Vec3) (*Cube, error) {
	key := cache.CubeKey(pos)

	if m.cache != nil {
		if blob, hit, err := m.cache.Get(m.ctx, key); err == nil && hit {
			if cube, derr := DecodeCube(pos, blob); derr == nil {
				metrics.CubesLoaded.Inc()
				return cube, nil
			}
			// Битая запись кеша: убираем и идём в хранилище
			_ = m.cache.Delete(m.ctx, key)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.BackoffBase() << (attempt - 1)
			select {
			case <-m.ctx.Done():
				return nil, ErrShuttingDown
			case <-time.After(backoff):
			}
		}

		blob, err := m.durable.Load(pos)
		if err != nil {
			lastErr = err
			m.logger.Warn("Чтение куба %v не удалось (попытка %d/%d): %v",
				pos, attempt+1, m.cfg.MaxRetries+1, err)
			continue
		}

		if blob == nil {
			// Куба нет в хранилище: генерируем детерминированно
			metrics.CubesGenerated.Inc()
			return m.gen.Generate(pos), nil
		}

		cube, derr := DecodeCube(pos, blob)
		if derr != nil {
			// Битый блоб равносилен отсутствию; содержимое восстановит генератор
			m.logger.Error("Блоб куба %v повреждён, генерируем заново: %v", pos, derr)
			metrics.CorruptBlobs.Inc()
			metrics.CubesGenerated.Inc()
			return m.gen.Generate(pos), nil
		}

		metrics.CubesLoaded.Inc()
		return cube, nil
	}

	metrics.LoadFailures.Inc()
	return nil, fmt.Errorf("load cube %v: %w", pos, lastErr)
}

// complete публикует результат загрузки и снимает запрос с учёта
func (m *Manager) complete(task *loadTask, cube *Cube, err error) {
	if err == nil {
		if !m.store.Put(cube) {
			// Гонка: куб уже резидентен, отдаём существующий
			if existing, ok := m.store.Touch(cube.Pos); ok {
				cube = existing
			}
		}
	}

	m.mu.Lock()
	delete(m.inflight, task.req.pos)
	m.mu.Unlock()

	task.promise.resolve(cube, err)

	if err == nil {
		m.notifyLoaded(cube)
		m.publishEvent(eventbus.EventCubeLoaded, cube.Pos, cube.Version)
	}
}

func (m *Manager) notifyLoaded(cube *Cube) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.OnCubeLoaded(cube)
	}
}

// SetVoxel правит воксель резидентного куба. Возвращает новую версию куба.
// Идемпотентная запись (то же значение) не поднимает версию и не
// порождает уведомлений.
func (m *Manager) SetVoxel(pos vec.Vec3, index uint16, value uint16) (uint64, error) {
	if index >= CubeVolume {
		return 0, fmt.Errorf("voxel index %d out of range", index)
	}

	version, changed, resident := m.store.Mutate(pos, index, value)
	if !resident {
		return 0, ErrCubeNotLoaded
	}
	if !changed {
		return version, nil
	}

	m.obsMu.RLock()
	for _, o := range m.observers {
		o.OnCubeMutated(pos, version, index, value)
	}
	m.obsMu.RUnlock()

	m.publishEvent(eventbus.EventCubeMutated, pos, version)
	return version, nil
}

// GetVoxel читает воксель резидентного куба
func (m *Manager) GetVoxel(pos vec.Vec3, index uint16) (uint16, error) {
	if index >= CubeVolume {
		return 0, fmt.Errorf("voxel index %d out of range", index)
	}
	value, _, resident := m.store.ReadVoxel(pos, index)
	if !resident {
		return 0, ErrCubeNotLoaded
	}
	return value, nil
}

// evict выполняет один цикл вытеснения: при превышении лимита выгружает
// по LRU не более доли EvictionFraction излишка. Кубы в зонах интереса
// наблюдателей (с запасом гистерезиса) кандидатами не становятся:
// под стоящим на месте наблюдателем мир не выгружается. Dirty-кубы
// перед выгрузкой сохраняются; ошибка записи логируется, но вытеснение
// не блокирует.
func (m *Manager) evict() {
	resident := m.store.Len()
	if resident <= m.cfg.MaxLoadedCubes {
		return
	}

	excess := resident - m.cfg.MaxLoadedCubes
	budget := int(float64(excess) * m.cfg.EvictionFraction)
	if budget < 1 {
		budget = 1
	}

	for _, pos := range m.store.EvictionCandidates(budget, m.protectedByViewer) {
		m.evictOne(pos)
	}
}

// protectedByViewer сообщает, лежит ли куб в зоне интереса какого-либо
// наблюдателя. Запас Hysteresis к радиусу зоны гасит выгрузку у границы:
// куб, только что покинувший зону, не выгружается мгновенно.
func (m *Manager) protectedByViewer(pos vec.Vec3) bool {
	margin := m.cfg.ViewRange + m.cfg.Hysteresis

	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	for _, center := range m.viewers {
		if vec.InRange(center, pos, margin) {
			return true
		}
	}
	return false
}

func (m *Manager) evictOne(pos vec.Vec3) {
	blob, ok := m.store.EncodeForSave(pos)
	if !ok {
		return
	}

	if err := m.durable.Save(pos, blob); err != nil {
		m.logger.Error("Сохранение куба %v при вытеснении не удалось: %v", pos, err)
		metrics.SaveFailures.Inc()
	} else {
		metrics.CubesSaved.Inc()
	}

	// Горячий кеш: куб у границы зоны часто нужен снова
	if m.cache != nil {
		if err := m.cache.Put(m.ctx, cache.CubeKey(pos), blob, m.cacheTTL); err != nil {
			m.logger.Warn("Кеширование куба %v не удалось: %v", pos, err)
		}
	}

	if _, removed := m.store.Remove(pos); !removed {
		return
	}
	metrics.CubesEvicted.Inc()

	m.obsMu.RLock()
	for _, o := range m.observers {
		o.OnCubeUnloaded(pos)
	}
	m.obsMu.RUnlock()

	m.publishEvent(eventbus.EventCubeUnloaded, pos, 0)
}

// SaveDirty сохраняет все кубы с несохранёнными изменениями
func (m *Manager) SaveDirty() {
	for _, pos := range m.store.DirtyCubes() {
		blob, ok := m.store.EncodeForSave(pos)
		if !ok {
			continue
		}
		if err := m.durable.Save(pos, blob); err != nil {
			// Возвращаем флаг: изменения попадут в следующий проход
			m.store.MarkDirty(pos)
			m.logger.Error("Фоновое сохранение куба %v не удалось: %v", pos, err)
			metrics.SaveFailures.Inc()
			continue
		}
		metrics.CubesSaved.Inc()
	}
}

func (m *Manager) autoSaveLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.AutoSaveSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.SaveDirty()
		}
	}
}

// Stop останавливает воркеры, разрешает ожидающие запросы ошибкой
// и сохраняет несохранённые изменения
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()

	// Хвост задач в канале и очереди разрешаем ошибкой остановки
	m.mu.Lock()
	for pos, promise := range m.inflight {
		delete(m.inflight, pos)
		promise.resolve(nil, ErrShuttingDown)
	}
	m.mu.Unlock()

	m.SaveDirty()
	m.logger.Info("Менеджер мира остановлен")
}
