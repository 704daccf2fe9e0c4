package world

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-world/internal/config"
	"github.com/annel0/voxel-world/internal/storage"
	"github.com/annel0/voxel-world/internal/vec"
)

func testWorldConfig() config.WorldConfig {
	return config.WorldConfig{
		Seed:             1,
		MaxLoadedCubes:   1024,
		Workers:          2,
		DrainPerTick:     64,
		EvictionFraction: 0.25,
		ViewRange:        8,
		Hysteresis:       1,
		RequestTTLMs:     5000,
		MaxRetries:       2,
		BackoffBaseMs:    1,
		AutoSaveSeconds:  3600,
	}
}

// loadCube прогоняет запрос через тик и ждёт результата
func loadCube(t *testing.T, m *Manager, pos vec.Vec3) *Cube {
	t.Helper()
	promise := m.RequestCube(pos, 1)
	m.Tick()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cube, err := promise.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, cube)
	return cube
}

func TestRequestCubeDedup(t *testing.T) {
	m := NewManager(testWorldConfig(), storage.NewMemoryStore(), nil)
	defer m.Stop()

	pos := vec.Vec3{X: 1, Y: 2, Z: 3}
	p1 := m.RequestCube(pos, 5)
	p2 := m.RequestCube(pos, 3)
	assert.Same(t, p1, p2, "повторный запрос должен делить promise")

	p3 := m.RequestCube(vec.Vec3{X: 9}, 5)
	assert.NotSame(t, p1, p3)
}

func TestRequestCubeGeneratesMissing(t *testing.T) {
	m := NewManager(testWorldConfig(), storage.NewMemoryStore(), nil)
	m.Run(context.Background())
	defer m.Stop()

	pos := vec.Vec3{X: 0, Y: -1, Z: 0}
	cube := loadCube(t, m, pos)
	assert.Equal(t, pos, cube.Pos)
	assert.True(t, m.Store().Contains(pos))

	// Резидентный куб отдаётся мгновенно разрешённым promise
	p := m.RequestCube(pos, 1)
	select {
	case <-p.Done():
	default:
		t.Fatal("запрос резидентного куба должен разрешаться сразу")
	}
}

func TestMutationSurvivesEviction(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testWorldConfig()
	cfg.MaxLoadedCubes = 1
	cfg.Hysteresis = 0
	m := NewManager(cfg, store, nil)
	m.Run(context.Background())
	defer m.Stop()

	target := vec.Vec3{X: 0, Y: 0, Z: 0}
	loadCube(t, m, target)

	version, err := m.SetVoxel(target, 42, VoxelStone)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	// Прижимаем target к LRU-хвосту и перегружаем память другими кубами
	other1 := loadCube(t, m, vec.Vec3{X: 1})
	other2 := loadCube(t, m, vec.Vec3{X: 2})
	_, _ = other1, other2

	for m.Store().Contains(target) {
		m.Tick()
	}

	// Dirty-куб обязан был сохраниться перед выгрузкой
	has, err := store.Has(target)
	require.NoError(t, err)
	assert.True(t, has)

	// Повторная загрузка возвращает мутацию, а не свежую генерацию
	cube := loadCube(t, m, target)
	assert.Equal(t, uint16(VoxelStone), cube.Get(42))
	assert.Equal(t, uint64(1), cube.Version)
}

func TestEvictionBoundedPerTick(t *testing.T) {
	cfg := testWorldConfig()
	cfg.MaxLoadedCubes = 2
	cfg.Hysteresis = 1
	cfg.EvictionFraction = 0.25
	m := NewManager(cfg, storage.NewMemoryStore(), nil)
	defer m.Stop()

	// Заполняем память напрямую, чтобы тики загрузки не вытесняли попутно
	for i := 0; i < 8; i++ {
		require.True(t, m.Store().Put(NewCube(vec.Vec3{X: i})))
	}
	require.Equal(t, 8, m.Store().Len())

	// Излишек 6, бюджет цикла int(6*0.25)=1
	m.Tick()
	assert.Equal(t, 7, m.Store().Len(), "за цикл вытесняется не больше доли излишка")
}

func TestEvictionSkipsViewerZone(t *testing.T) {
	cfg := testWorldConfig()
	cfg.MaxLoadedCubes = 2
	cfg.ViewRange = 1
	cfg.Hysteresis = 1
	cfg.EvictionFraction = 1.0
	m := NewManager(cfg, storage.NewMemoryStore(), nil)
	defer m.Stop()

	// home — самый старый куб (LRU-хвост), edge — за радиусом зоны,
	// но в пределах запаса гистерезиса
	home := vec.Vec3{}
	edge := vec.Vec3{X: 2}
	require.True(t, m.Store().Put(NewCube(home)))
	require.True(t, m.Store().Put(NewCube(edge)))
	for i := 0; i < 4; i++ {
		require.True(t, m.Store().Put(NewCube(vec.Vec3{X: 100 + i})))
	}

	m.UpdateViewerInterest("v1", home)
	m.Tick()

	assert.True(t, m.Store().Contains(home), "куб под наблюдателем не вытесняется")
	assert.True(t, m.Store().Contains(edge), "куб в запасе гистерезиса не вытесняется")
	assert.Equal(t, 2, m.Store().Len(), "дальние кубы вытеснены до лимита")
	assert.False(t, m.Store().Contains(vec.Vec3{X: 100}))
}

// countingGenerator считает обращения к генерации
type countingGenerator struct {
	calls atomic.Int32
}

func (cg *countingGenerator) Generate(pos vec.Vec3) *Cube {
	cg.calls.Add(1)
	cube := NewCube(pos)
	cube.Fill(VoxelStone)
	return cube
}

func TestConcurrentRequestsInvokeGeneratorOnce(t *testing.T) {
	gen := &countingGenerator{}
	m := NewManager(testWorldConfig(), storage.NewMemoryStore(), gen)
	m.Run(context.Background())
	defer m.Stop()

	pos := vec.Vec3{X: 4, Y: -2, Z: 1}
	promises := make([]*LoadPromise, 16)
	var wg sync.WaitGroup
	for i := range promises {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			promises[i] = m.RequestCube(pos, float64(i))
		}(i)
	}
	wg.Wait()
	m.Tick()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range promises {
		cube, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint16(VoxelStone), cube.Get(0))
	}
	assert.Equal(t, int32(1), gen.calls.Load(), "N запросов — одна генерация")
}

func TestResidentCubesTickedEachCycle(t *testing.T) {
	m := NewManager(testWorldConfig(), storage.NewMemoryStore(), nil)
	m.Run(context.Background())
	defer m.Stop()

	a := vec.Vec3{X: 1}
	b := vec.Vec3{X: 2}
	loadCube(t, m, a)
	loadCube(t, m, b)

	var mu sync.Mutex
	ticked := make(map[vec.Vec3]int)
	m.RegisterTickHook(func(tickID uint64, pos vec.Vec3) {
		mu.Lock()
		ticked[pos]++
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		m.Tick()
	}

	mu.Lock()
	assert.Equal(t, 3, ticked[a], "каждый резидентный куб тикается каждый цикл")
	assert.Equal(t, 3, ticked[b])
	mu.Unlock()

	cube, ok := m.Store().Touch(a)
	require.True(t, ok)
	assert.GreaterOrEqual(t, cube.LastTick, uint64(3))
}

func TestStaleRequestResolvedWithError(t *testing.T) {
	cfg := testWorldConfig()
	cfg.RequestTTLMs = 1
	m := NewManager(cfg, storage.NewMemoryStore(), nil)
	defer m.Stop()
	// Run не вызываем: запрос должен протухнуть до диспетчеризации

	promise := m.RequestCube(vec.Vec3{X: 5}, 1)
	time.Sleep(10 * time.Millisecond)
	m.Tick()

	select {
	case <-promise.Done():
		_, err := promise.Wait(context.Background())
		assert.ErrorIs(t, err, ErrStaleRequest)
	default:
		t.Fatal("протухший запрос должен быть разрешён на тике")
	}
}

// brokenStore имитирует отказ постоянного хранилища
type brokenStore struct {
	mu    sync.Mutex
	loads int
}

var errDiskGone = errors.New("disk gone")

func (bs *brokenStore) Load(pos vec.Vec3) ([]byte, error) {
	bs.mu.Lock()
	bs.loads++
	bs.mu.Unlock()
	return nil, errDiskGone
}

func (bs *brokenStore) Save(pos vec.Vec3, data []byte) error { return errDiskGone }
func (bs *brokenStore) Has(pos vec.Vec3) (bool, error)       { return false, errDiskGone }
func (bs *brokenStore) Delete(pos vec.Vec3) error            { return errDiskGone }
func (bs *brokenStore) Close() error                         { return nil }

func TestLoadFailureAfterRetries(t *testing.T) {
	bs := &brokenStore{}
	cfg := testWorldConfig()
	m := NewManager(cfg, bs, nil)
	m.Run(context.Background())
	defer m.Stop()

	promise := m.RequestCube(vec.Vec3{X: 1}, 1)
	m.Tick()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := promise.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskGone)

	bs.mu.Lock()
	loads := bs.loads
	bs.mu.Unlock()
	assert.Equal(t, cfg.MaxRetries+1, loads, "все попытки должны быть израсходованы")
}

func TestSetVoxelRequiresResidentCube(t *testing.T) {
	m := NewManager(testWorldConfig(), storage.NewMemoryStore(), nil)
	defer m.Stop()

	_, err := m.SetVoxel(vec.Vec3{X: 1}, 0, VoxelStone)
	assert.ErrorIs(t, err, ErrCubeNotLoaded)

	_, err = m.SetVoxel(vec.Vec3{X: 1}, CubeVolume, VoxelStone)
	assert.Error(t, err, "индекс за пределами куба")
}

// recordingObserver копит уведомления жизненного цикла
type recordingObserver struct {
	mu       sync.Mutex
	loaded   []vec.Vec3
	mutated  []vec.Vec3
	unloaded []vec.Vec3
}

func (ro *recordingObserver) OnCubeLoaded(cube *Cube) {
	ro.mu.Lock()
	ro.loaded = append(ro.loaded, cube.Pos)
	ro.mu.Unlock()
}

func (ro *recordingObserver) OnCubeMutated(pos vec.Vec3, version uint64, index uint16, value uint16) {
	ro.mu.Lock()
	ro.mutated = append(ro.mutated, pos)
	ro.mu.Unlock()
}

func (ro *recordingObserver) OnCubeUnloaded(pos vec.Vec3) {
	ro.mu.Lock()
	ro.unloaded = append(ro.unloaded, pos)
	ro.mu.Unlock()
}

func TestObserverNotifications(t *testing.T) {
	obs := &recordingObserver{}
	cfg := testWorldConfig()
	cfg.MaxLoadedCubes = 1
	cfg.Hysteresis = 0
	m := NewManager(cfg, storage.NewMemoryStore(), nil)
	m.AddObserver(obs)
	m.Run(context.Background())
	defer m.Stop()

	pos := vec.Vec3{X: 1}
	loadCube(t, m, pos)

	_, err := m.SetVoxel(pos, 7, VoxelDirt)
	require.NoError(t, err)

	// Идемпотентная запись не порождает уведомления
	_, err = m.SetVoxel(pos, 7, VoxelDirt)
	require.NoError(t, err)

	loadCube(t, m, vec.Vec3{X: 2})
	loadCube(t, m, vec.Vec3{X: 3})
	for m.Store().Len() > 1 {
		m.Tick()
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.loaded, 3)
	assert.Equal(t, []vec.Vec3{pos}, obs.mutated)
	assert.NotEmpty(t, obs.unloaded)
}
