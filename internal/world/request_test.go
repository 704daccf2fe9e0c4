package world

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/annel0/voxel-world/internal/vec"
)

func TestClassifyDistance(t *testing.T) {
	const maxRange = 9.0

	assert.Equal(t, PriorityNearest, ClassifyDistance(0, maxRange))
	assert.Equal(t, PriorityNearest, ClassifyDistance(2.9, maxRange))
	assert.Equal(t, PriorityHigh, ClassifyDistance(3, maxRange))
	assert.Equal(t, PriorityHigh, ClassifyDistance(5.9, maxRange))
	assert.Equal(t, PriorityNormal, ClassifyDistance(6, maxRange))
	assert.Equal(t, PriorityNormal, ClassifyDistance(9, maxRange))
	assert.Equal(t, PriorityLow, ClassifyDistance(9.1, maxRange))
	assert.Equal(t, PriorityLow, ClassifyDistance(1, 0), "нулевой радиус — всё в Low")
}

func TestRequestQueueOrdering(t *testing.T) {
	q := newRequestQueue()
	now := time.Now()

	// Ставим в нарочно перепутанном порядке
	q.enqueue(vec.Vec3{X: 1}, PriorityNormal, 7, now)
	q.enqueue(vec.Vec3{X: 2}, PriorityNearest, 2, now)
	q.enqueue(vec.Vec3{X: 3}, PriorityHigh, 4, now)
	q.enqueue(vec.Vec3{X: 4}, PriorityNearest, 1, now)
	q.enqueue(vec.Vec3{X: 5}, PriorityHigh, 4, now.Add(-time.Second))

	var order []int
	for req := q.next(); req != nil; req = q.next() {
		order = append(order, req.pos.X)
	}

	// Класс → расстояние → время постановки
	assert.Equal(t, []int{4, 2, 5, 3, 1}, order)
}

func TestRequestQueueTieBreakBySeq(t *testing.T) {
	q := newRequestQueue()
	now := time.Now()

	q.enqueue(vec.Vec3{X: 10}, PriorityNormal, 5, now)
	q.enqueue(vec.Vec3{X: 20}, PriorityNormal, 5, now)

	first := q.next()
	second := q.next()
	assert.Less(t, first.seq, second.seq, "при полной ничьей побеждает ранний seq")
	assert.Equal(t, 10, first.pos.X)
	assert.Equal(t, 20, second.pos.X)
}

func TestRequestQueuePromote(t *testing.T) {
	q := newRequestQueue()
	now := time.Now()

	q.enqueue(vec.Vec3{X: 1}, PriorityNearest, 1, now)
	q.enqueue(vec.Vec3{X: 2}, PriorityLow, 20, now)

	// Повторный запрос той же позиции с большей срочностью
	assert.True(t, q.promote(vec.Vec3{X: 2}, PriorityNearest, 0.5))
	assert.False(t, q.promote(vec.Vec3{X: 99}, PriorityNearest, 0), "неизвестная позиция не продвигается")

	first := q.next()
	assert.Equal(t, 2, first.pos.X, "продвинутый запрос должен обогнать остальных")

	// Понижение класса игнорируется
	q.enqueue(vec.Vec3{X: 3}, PriorityHigh, 4, now)
	q.promote(vec.Vec3{X: 3}, PriorityLow, 100)
	assert.Equal(t, PriorityHigh, q.next().class)
}
