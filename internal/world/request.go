package world

import (
	"container/heap"
	"context"
	"time"

	"github.com/annel0/voxel-world/internal/vec"
)

// PriorityClass — класс срочности запроса загрузки.
// Меньшее значение обслуживается раньше.
type PriorityClass uint8

const (
	PriorityNearest PriorityClass = iota // Кубы вплотную к наблюдателю
	PriorityHigh                         // Близкая зона и кубы с мутациями
	PriorityNormal                       // Остальная зона видимости
	PriorityLow                          // За пределами зоны (prefetch)
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityNearest:
		return "nearest"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "invalid"
	}
}

// ClassifyDistance относит расстояние (в кубах) к классу приоритета
// по долям максимального радиуса: <⅓ → Nearest, <⅔ → High, ≤1 → Normal.
func ClassifyDistance(distance, maxRange float64) PriorityClass {
	if maxRange <= 0 {
		return PriorityLow
	}
	switch frac := distance / maxRange; {
	case frac < 1.0/3.0:
		return PriorityNearest
	case frac < 2.0/3.0:
		return PriorityHigh
	case frac <= 1.0:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// LoadPromise — результат асинхронной загрузки куба.
// Все вызывающие, запросившие один и тот же куб, делят один promise.
type LoadPromise struct {
	done chan struct{}
	cube *Cube
	err  error
}

func newPromise() *LoadPromise {
	return &LoadPromise{done: make(chan struct{})}
}

// resolve публикует результат; вызывается ровно один раз
func (p *LoadPromise) resolve(cube *Cube, err error) {
	p.cube = cube
	p.err = err
	close(p.done)
}

func resolvedPromise(cube *Cube, err error) *LoadPromise {
	p := newPromise()
	p.resolve(cube, err)
	return p
}

// Done возвращает канал, закрываемый по завершении загрузки
func (p *LoadPromise) Done() <-chan struct{} {
	return p.done
}

// Wait блокирует до результата или отмены контекста
func (p *LoadPromise) Wait(ctx context.Context) (*Cube, error) {
	select {
	case <-p.done:
		return p.cube, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadRequest — элемент очереди загрузки
type loadRequest struct {
	pos        vec.Vec3
	class      PriorityClass
	distance   float64 // В кубах, от ближайшего наблюдателя
	enqueuedAt time.Time
	seq        uint64 // Глобальный счётчик для детерминированных ничьих
	index      int    // Позиция в куче
}

// requestQueue — приоритетная куча запросов загрузки.
// Порядок: класс → расстояние → время постановки → seq.
type requestQueue struct {
	items   []*loadRequest
	byPos   map[vec.Vec3]*loadRequest
	nextSeq uint64
}

func newRequestQueue() *requestQueue {
	return &requestQueue{byPos: make(map[vec.Vec3]*loadRequest)}
}

func (q *requestQueue) Len() int { return len(q.items) }

func (q *requestQueue) Less(i, j int) bool {
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

func (q *requestQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *requestQueue) Push(x interface{}) {
	req := x.(*loadRequest)
	req.index = len(q.items)
	q.items = append(q.items, req)
	q.byPos[req.pos] = req
}

func (q *requestQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	delete(q.byPos, req.pos)
	return req
}

// enqueue ставит запрос в очередь; seq присваивается здесь
func (q *requestQueue) enqueue(pos vec.Vec3, class PriorityClass, distance float64, now time.Time) {
	q.nextSeq++
	heap.Push(q, &loadRequest{
		pos:        pos,
		class:      class,
		distance:   distance,
		enqueuedAt: now,
		seq:        q.nextSeq,
	})
}

// requeue возвращает извлечённый запрос в очередь, сохраняя его поля
func (q *requestQueue) requeue(req *loadRequest) {
	heap.Push(q, req)
}

// next извлекает самый срочный запрос; nil если очередь пуста
func (q *requestQueue) next() *loadRequest {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*loadRequest)
}

// promote поднимает класс существующего запроса, если новый срочнее.
// Расстояние при этом тоже обновляется в меньшую сторону.
func (q *requestQueue) promote(pos vec.Vec3, class PriorityClass, distance float64) bool {
	req, ok := q.byPos[pos]
	if !ok {
		return false
	}
	changed := false
	if class < req.class {
		req.class = class
		changed = true
	}
	if distance < req.distance {
		req.distance = distance
		changed = true
	}
	if changed {
		heap.Fix(q, req.index)
	}
	return true
}
