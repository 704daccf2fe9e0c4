package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/voxel-world/internal/config"
	"github.com/annel0/voxel-world/internal/protocol"
	"github.com/annel0/voxel-world/internal/storage"
	"github.com/annel0/voxel-world/internal/vec"
	"github.com/annel0/voxel-world/internal/world"
)

// captureTransport копит отправленные кадры; может имитировать отказы
type captureTransport struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   bool
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{frames: make(map[string][][]byte)}
}

func (ct *captureTransport) Send(viewerID string, frame []byte) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.fail {
		return errors.New("transport down")
	}
	ct.frames[viewerID] = append(ct.frames[viewerID], append([]byte{}, frame...))
	return nil
}

func (ct *captureTransport) setFail(fail bool) {
	ct.mu.Lock()
	ct.fail = fail
	ct.mu.Unlock()
}

func (ct *captureTransport) take(viewerID string) [][]byte {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := ct.frames[viewerID]
	ct.frames[viewerID] = nil
	return out
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ViewRange:        1,
		Hysteresis:       1,
		MoveThreshold:    8,
		MaxSendsPerTick:  32,
		MaxBatchBytes:    1 << 20,
		MaxBatchEntries:  64,
		SendTTLMs:        60000,
		MinCompressBytes: 512,
	}
}

type syncFixture struct {
	mgr       *world.Manager
	eng       *Engine
	transport *captureTransport
	codec     *protocol.Codec
}

func newSyncFixture(t *testing.T, syncCfg config.SyncConfig) *syncFixture {
	t.Helper()

	worldCfg := config.WorldConfig{
		Seed:             1,
		MaxLoadedCubes:   1024,
		Workers:          2,
		DrainPerTick:     64,
		EvictionFraction: 0.25,
		ViewRange:        8,
		Hysteresis:       2,
		RequestTTLMs:     60000,
		MaxRetries:       2,
		BackoffBaseMs:    1,
		AutoSaveSeconds:  3600,
	}

	mgr := world.NewManager(worldCfg, storage.NewMemoryStore(), nil)
	transport := newCaptureTransport()
	eng, err := NewEngine(syncCfg, mgr, transport)
	require.NoError(t, err)

	mgr.Run(context.Background())
	t.Cleanup(mgr.Stop)

	codec, err := protocol.NewCodec(0)
	require.NoError(t, err)

	return &syncFixture{mgr: mgr, eng: eng, transport: transport, codec: codec}
}

// pump гоняет тики мира и синхронизации до выполнения условия
func (f *syncFixture) pump(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mgr.Tick()
		f.eng.Tick()
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

// decodeAll разбирает все кадры зрителя в плоский список обновлений
func (f *syncFixture) decodeAll(t *testing.T, frames [][]byte) []protocol.CubeUpdate {
	t.Helper()
	var updates []protocol.CubeUpdate
	for _, frame := range frames {
		batch, err := f.codec.DecodeBatch(frame)
		require.NoError(t, err)
		updates = append(updates, batch.Updates...)
	}
	return updates
}

// interestSize — число кубов в зоне радиуса 1 (центр + шесть соседей)
const interestSize = 7

func TestViewerReceivesSnapshotsThenDeltas(t *testing.T) {
	f := newSyncFixture(t, testSyncConfig())

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })

	updates := f.decodeAll(t, f.transport.take("v1"))
	require.Len(t, updates, interestSize)
	byPos := make(map[vec.Vec3]protocol.CubeUpdate)
	for _, u := range updates {
		assert.Equal(t, protocol.UpdateSnapshot, u.Kind, "первое знакомство — всегда снапшот")
		byPos[u.Pos] = u
	}
	center := vec.Vec3{X: 0, Y: 0, Z: 0}
	require.Contains(t, byPos, center)

	// Мутация даёт дельту ровно с одним изменением
	version, err := f.mgr.SetVoxel(center, 5, world.VoxelStone)
	require.NoError(t, err)

	f.pump(t, func() bool {
		f.transport.mu.Lock()
		defer f.transport.mu.Unlock()
		return len(f.transport.frames["v1"]) > 0
	})

	updates = f.decodeAll(t, f.transport.take("v1"))
	require.Len(t, updates, 1)
	delta := updates[0]
	assert.Equal(t, protocol.UpdateDelta, delta.Kind)
	assert.Equal(t, center, delta.Pos)
	assert.Equal(t, version, delta.Version)
	assert.Equal(t, []protocol.DeltaEntry{{Index: 5, Value: world.VoxelStone}}, delta.Entries)

	// Snapshot + delta эквивалентны текущему состоянию
	reconstructed := ApplyDelta(byPos[center].Voxels, delta.Entries)
	current, _, ok := f.mgr.Store().ReadSnapshot(center)
	require.True(t, ok)
	assert.Equal(t, current, reconstructed)
}

func TestIdempotentMutationSendsNothing(t *testing.T) {
	f := newSyncFixture(t, testSyncConfig())

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })
	f.transport.take("v1")

	center := vec.Vec3{}
	_, err := f.mgr.SetVoxel(center, 9, world.VoxelDirt)
	require.NoError(t, err)
	f.pump(t, func() bool {
		f.transport.mu.Lock()
		defer f.transport.mu.Unlock()
		return len(f.transport.frames["v1"]) > 0
	})
	f.transport.take("v1")

	// Запись того же значения не рождает ни события, ни кадра
	_, err = f.mgr.SetVoxel(center, 9, world.VoxelDirt)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.mgr.Tick()
		f.eng.Tick()
	}
	assert.Empty(t, f.transport.take("v1"))
}

func TestMoveSendsUnloadNotices(t *testing.T) {
	f := newSyncFixture(t, testSyncConfig())

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })
	f.transport.take("v1")

	// Уходим далеко: прежняя зона целиком выпадает
	f.eng.MoveViewer("v1", vec.Vec3Float{X: 8 + 160, Y: 8, Z: 8})

	f.pump(t, func() bool {
		updates := f.decodeAll(t, f.transport.take("v1"))
		for _, u := range updates {
			if u.Kind == protocol.UpdateUnload && u.Pos.Equals(vec.Vec3{}) {
				return true
			}
		}
		return false
	})

	// Новая зона доезжает снапшотами
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })
}

func TestBoundaryOscillationAvoidsUnloadThrash(t *testing.T) {
	cfg := testSyncConfig()
	cfg.MoveThreshold = 1
	f := newSyncFixture(t, cfg)

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })
	f.transport.take("v1")

	// Шаг через границу куба: прежняя зона остаётся в запасе гистерезиса
	f.eng.MoveViewer("v1", vec.Vec3Float{X: 17, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") > interestSize })

	for _, u := range f.decodeAll(t, f.transport.take("v1")) {
		assert.NotEqual(t, protocol.UpdateUnload, u.Kind,
			"дрожание на границе не должно рождать уведомлений о выгрузке")
	}

	// Шаг назад тоже обходится без выгрузок
	f.eng.MoveViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	for i := 0; i < 10; i++ {
		f.mgr.Tick()
		f.eng.Tick()
	}
	for _, u := range f.decodeAll(t, f.transport.take("v1")) {
		assert.NotEqual(t, protocol.UpdateUnload, u.Kind)
	}
}

func TestBatchEntriesBounded(t *testing.T) {
	cfg := testSyncConfig()
	cfg.MaxBatchEntries = 2
	f := newSyncFixture(t, cfg)

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })

	for _, frame := range f.transport.take("v1") {
		batch, err := f.codec.DecodeBatch(frame)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(batch.Updates), 2, "кадр не должен превышать лимит записей")
	}
}

func TestBatchBytesBounded(t *testing.T) {
	cfg := testSyncConfig()
	// В бюджет помещается один снапшот, но не два
	cfg.MaxBatchBytes = 10 * 1024
	f := newSyncFixture(t, cfg)

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })

	frames := f.transport.take("v1")
	assert.GreaterOrEqual(t, len(frames), interestSize, "каждый снапшот уходит отдельным кадром")
	for _, frame := range frames {
		batch, err := f.codec.DecodeBatch(frame)
		require.NoError(t, err)
		assert.Len(t, batch.Updates, 1)
	}
}

func TestTransportFailureKeepsBaseline(t *testing.T) {
	f := newSyncFixture(t, testSyncConfig())
	f.transport.setFail(true)

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})

	// Пока транспорт лежит, кеш зрителя не обновляется
	for i := 0; i < 10; i++ {
		f.mgr.Tick()
		f.eng.Tick()
	}
	assert.Zero(t, f.eng.KnownCubes("v1"))

	// После восстановления зритель получает все снапшоты
	f.transport.setFail(false)
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })

	updates := f.decodeAll(t, f.transport.take("v1"))
	for _, u := range updates {
		assert.Equal(t, protocol.UpdateSnapshot, u.Kind)
	}
}

func TestStaleSendsDroppedSilently(t *testing.T) {
	cfg := testSyncConfig()
	cfg.SendTTLMs = 1
	f := newSyncFixture(t, cfg)

	// Кубы зоны делаем резидентными заранее, чтобы отправки легли в очередь сразу
	for _, pos := range vec.ShellOrder(vec.Vec3{}, cfg.ViewRange) {
		p := f.mgr.RequestCube(pos, 0)
		f.mgr.Tick()
		_, err := p.Wait(context.Background())
		require.NoError(t, err)
	}

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	time.Sleep(20 * time.Millisecond) // Все запланированные отправки протухают

	for i := 0; i < 5; i++ {
		f.eng.Tick()
	}
	assert.Empty(t, f.transport.take("v1"), "протухшие отправки дропаются без кадров")
	assert.Zero(t, f.eng.KnownCubes("v1"))
}

func TestBatchSeqMonotonicPerViewer(t *testing.T) {
	f := newSyncFixture(t, testSyncConfig())

	f.eng.AddViewer("v1", vec.Vec3Float{X: 8, Y: 8, Z: 8})
	f.pump(t, func() bool { return f.eng.KnownCubes("v1") == interestSize })

	var last uint64
	for _, frame := range f.transport.take("v1") {
		batch, err := f.codec.DecodeBatch(frame)
		require.NoError(t, err)
		assert.Greater(t, batch.Seq, last, "номера кадров строго растут")
		last = batch.Seq
	}
}
