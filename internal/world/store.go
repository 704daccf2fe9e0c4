package world

import (
	"sort"
	"sync"
	"time"

	"github.com/annel0/voxel-world/internal/vec"
)

// CubeStore хранит резидентные кубы.
// Единственный владелец мьютекса над кубами: все мутации и чтения
// содержимого куба проходят через его методы.
type CubeStore struct {
	mu    sync.RWMutex
	cubes map[vec.Vec3]*Cube
}

func NewCubeStore() *CubeStore {
	return &CubeStore{cubes: make(map[vec.Vec3]*Cube)}
}

// Len возвращает число резидентных кубов
func (cs *CubeStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.cubes)
}

// Contains проверяет резидентность куба без обновления LastAccess
func (cs *CubeStore) Contains(pos vec.Vec3) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.cubes[pos]
	return ok
}

// Touch обновляет LastAccess и возвращает куб, если он резидентен
func (cs *CubeStore) Touch(pos vec.Vec3) (*Cube, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cube, ok := cs.cubes[pos]
	if ok {
		cube.LastAccess = time.Now()
	}
	return cube, ok
}

// Put делает куб резидентным. Возвращает false если позиция уже занята:
// гонка между воркерами разрешается в пользу первого, второй результат
// отбрасывается.
func (cs *CubeStore) Put(cube *Cube) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.cubes[cube.Pos]; exists {
		return false
	}
	cube.LastAccess = time.Now()
	cs.cubes[cube.Pos] = cube
	return true
}

// Remove выгружает куб; возвращает его для финальной записи
func (cs *CubeStore) Remove(pos vec.Vec3) (*Cube, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cube, ok := cs.cubes[pos]
	if ok {
		delete(cs.cubes, pos)
	}
	return cube, ok
}

// Mutate выполняет правку вокселя под блокировкой записи.
// Возвращает новую версию куба и признак фактического изменения.
func (cs *CubeStore) Mutate(pos vec.Vec3, index uint16, value uint16) (version uint64, changed bool, resident bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cube, ok := cs.cubes[pos]
	if !ok {
		return 0, false, false
	}
	cube.LastAccess = time.Now()
	changed = cube.Set(index, value)
	return cube.Version, changed, true
}

// ReadSnapshot копирует содержимое куба под блокировкой чтения.
// Возвращает копию вокселей и версию на момент снятия.
func (cs *CubeStore) ReadSnapshot(pos vec.Vec3) ([]uint16, uint64, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	cube, ok := cs.cubes[pos]
	if !ok {
		return nil, 0, false
	}
	return cube.CopyVoxels(), cube.Version, true
}

// ReadVoxel возвращает один воксель и версию куба
func (cs *CubeStore) ReadVoxel(pos vec.Vec3, index uint16) (uint16, uint64, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	cube, ok := cs.cubes[pos]
	if !ok {
		return 0, 0, false
	}
	return cube.Get(index), cube.Version, true
}

// Pin защищает куб от вытеснения на время длительного чтения
func (cs *CubeStore) Pin(pos vec.Vec3) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cube, ok := cs.cubes[pos]
	if !ok {
		return false
	}
	cube.pins++
	return true
}

// Unpin снимает защиту, поставленную Pin
func (cs *CubeStore) Unpin(pos vec.Vec3) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cube, ok := cs.cubes[pos]; ok && cube.pins > 0 {
		cube.pins--
	}
}

// AdvanceTick продвигает периодический тик всех резидентных кубов
// и возвращает их позиции для внешних обработчиков
func (cs *CubeStore) AdvanceTick(tickID uint64) []vec.Vec3 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]vec.Vec3, 0, len(cs.cubes))
	for pos, cube := range cs.cubes {
		cube.Tick(tickID)
		out = append(out, pos)
	}
	return out
}

// EvictionCandidates возвращает до limit кубов в порядке LRU, пропуская
// закреплённые и защищённые фильтром protected (nil — без фильтра).
// Ничьи по времени решает порядок позиций.
func (cs *CubeStore) EvictionCandidates(limit int, protected func(vec.Vec3) bool) []vec.Vec3 {
	if limit <= 0 {
		return nil
	}

	type candidate struct {
		pos        vec.Vec3
		lastAccess time.Time
	}

	cs.mu.RLock()
	all := make([]candidate, 0, len(cs.cubes))
	for pos, cube := range cs.cubes {
		if cube.pins > 0 {
			continue
		}
		if protected != nil && protected(pos) {
			continue
		}
		all = append(all, candidate{pos: pos, lastAccess: cube.LastAccess})
	}
	cs.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].lastAccess.Equal(all[j].lastAccess) {
			return all[i].lastAccess.Before(all[j].lastAccess)
		}
		return all[i].pos.Less(all[j].pos)
	})

	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]vec.Vec3, len(all))
	for i, c := range all {
		out[i] = c.pos
	}
	return out
}

// DirtyCubes возвращает позиции всех кубов с несохранёнными изменениями
func (cs *CubeStore) DirtyCubes() []vec.Vec3 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]vec.Vec3, 0)
	for pos, cube := range cs.cubes {
		if cube.Dirty {
			out = append(out, pos)
		}
	}
	return out
}

// EncodeForSave сериализует куб и снимает флаг dirty.
// Если запись в хранилище провалится, вызывающий обязан вернуть флаг
// через MarkDirty, иначе изменения потеряются при вытеснении.
func (cs *CubeStore) EncodeForSave(pos vec.Vec3) ([]byte, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cube, ok := cs.cubes[pos]
	if !ok {
		return nil, false
	}
	blob := EncodeCube(cube)
	cube.Dirty = false
	return blob, true
}

// MarkDirty возвращает флаг dirty после неудачной записи
func (cs *CubeStore) MarkDirty(pos vec.Vec3) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cube, ok := cs.cubes[pos]; ok {
		cube.Dirty = true
	}
}

// Positions возвращает позиции всех резидентных кубов
func (cs *CubeStore) Positions() []vec.Vec3 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]vec.Vec3, 0, len(cs.cubes))
	for pos := range cs.cubes {
		out = append(out, pos)
	}
	return out
}
