package sync

import (
	"container/heap"
	"time"

	"github.com/annel0/voxel-world/internal/vec"
	"github.com/annel0/voxel-world/internal/world"
)

// sendKind — вид запланированной отправки
type sendKind uint8

const (
	sendState  sendKind = iota + 1 // Снапшот или дельта, решается при сборке
	sendUnload                     // Уведомление о выходе куба из зоны
)

// sendJob — запланированная отправка одного куба зрителю
type sendJob struct {
	pos        vec.Vec3
	kind       sendKind
	class      world.PriorityClass
	distance   float64
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// sendQueue — приоритетная куча отправок зрителя.
// Порядок тот же, что у очереди загрузки: класс → расстояние → время → seq.
type sendQueue struct {
	items   []*sendJob
	byPos   map[vec.Vec3]*sendJob
	nextSeq uint64
}

func newSendQueue() *sendQueue {
	return &sendQueue{byPos: make(map[vec.Vec3]*sendJob)}
}

func (q *sendQueue) Len() int { return len(q.items) }

func (q *sendQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.class != b.class {
		return a.class < b.class
	}
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (q *sendQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *sendQueue) Push(x interface{}) {
	job := x.(*sendJob)
	job.index = len(q.items)
	q.items = append(q.items, job)
	q.byPos[job.pos] = job
}

func (q *sendQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	delete(q.byPos, job.pos)
	return job
}

// schedule ставит отправку в очередь. Повторное планирование того же куба
// сливается с уже стоящей задачей: выгрузка перекрывает отправку состояния,
// более срочный класс поднимает приоритет.
func (q *sendQueue) schedule(pos vec.Vec3, kind sendKind, class world.PriorityClass, distance float64, now time.Time) {
	if job, ok := q.byPos[pos]; ok {
		changed := false
		if kind == sendUnload && job.kind != sendUnload {
			job.kind = sendUnload
			changed = true
		}
		if class < job.class {
			job.class = class
			changed = true
		}
		if distance < job.distance {
			job.distance = distance
			changed = true
		}
		if changed {
			heap.Fix(q, job.index)
		}
		return
	}

	q.nextSeq++
	heap.Push(q, &sendJob{
		pos:        pos,
		kind:       kind,
		class:      class,
		distance:   distance,
		enqueuedAt: now,
		seq:        q.nextSeq,
	})
}

func (q *sendQueue) next() *sendJob {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*sendJob)
}

func (q *sendQueue) requeue(job *sendJob) {
	if _, ok := q.byPos[job.pos]; ok {
		return // Задача уже перепланирована свежим событием
	}
	heap.Push(q, job)
}

// Viewer — состояние одного зрителя: позиция, известные ему кубы
// и очередь отправок. Доступ сериализуется мьютексом Engine.
type Viewer struct {
	ID  string
	Pos vec.Vec3Float

	// interestPos — позиция, для которой пересчитана зона интереса
	interestPos vec.Vec3Float

	// known — базовые снимки: что зритель уже получил по каждому кубу
	known map[vec.Vec3]*Snapshot

	queue    *sendQueue
	batchSeq uint64 // Монотонный номер кадра для этого зрителя
}

func newViewer(id string, pos vec.Vec3Float) *Viewer {
	return &Viewer{
		ID:          id,
		Pos:         pos,
		interestPos: pos,
		known:       make(map[vec.Vec3]*Snapshot),
		queue:       newSendQueue(),
	}
}

// centerCube возвращает куб, в котором находится зритель
func (v *Viewer) centerCube() vec.Vec3 {
	return v.Pos.ToCube(world.CubeSize)
}

// distanceTo возвращает расстояние от центра зрителя до куба (в кубах)
func (v *Viewer) distanceTo(pos vec.Vec3) float64 {
	return v.centerCube().DistanceTo(pos)
}
