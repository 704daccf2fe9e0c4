package vec

import "math"

// Vec3 представляет трехмерный вектор с целочисленными координатами.
// Используется как адрес куба в мире — ни одна из осей не ограничена.
type Vec3 struct {
	X int
	Y int
	Z int
}

// Vec3Float представляет трехмерный вектор с плавающими координатами
type Vec3Float struct {
	X float64
	Y float64
	Z float64
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{
		X: v.X + other.X,
		Y: v.Y + other.Y,
		Z: v.Z + other.Z,
	}
}

// Sub вычитает другой вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{
		X: v.X - other.X,
		Y: v.Y - other.Y,
		Z: v.Z - other.Z,
	}
}

// Equals проверяет равенство векторов
func (v Vec3) Equals(other Vec3) bool {
	return v.X == other.X && v.Y == other.Y && v.Z == other.Z
}

// DistanceSq возвращает квадрат евклидова расстояния до другого вектора.
// Для сравнений квадрата достаточно, корень не извлекаем.
func (v Vec3) DistanceSq(other Vec3) int {
	dx := v.X - other.X
	dy := v.Y - other.Y
	dz := v.Z - other.Z
	return dx*dx + dy*dy + dz*dz
}

// DistanceTo возвращает евклидово расстояние до другого вектора
func (v Vec3) DistanceTo(other Vec3) float64 {
	return math.Sqrt(float64(v.DistanceSq(other)))
}

// Less задаёт тотальный порядок X→Y→Z.
// Нужен для детерминированного разрешения ничьих в очередях.
func (v Vec3) Less(other Vec3) bool {
	if v.X != other.X {
		return v.X < other.X
	}
	if v.Y != other.Y {
		return v.Y < other.Y
	}
	return v.Z < other.Z
}

// ToCube переводит мировую позицию в координату куба со стороной size
func (v Vec3Float) ToCube(size int) Vec3 {
	return Vec3{
		X: FloorDiv(int(math.Floor(v.X)), size),
		Y: FloorDiv(int(math.Floor(v.Y)), size),
		Z: FloorDiv(int(math.Floor(v.Z)), size),
	}
}

// FloorDiv делит с округлением вниз (корректно для отрицательных координат)
func FloorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// FloorMod возвращает неотрицательный остаток от деления
func FloorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
