package vec

import "sort"

// ShellOrder возвращает все координаты кубов в радиусе radius от center,
// упорядоченные от центра наружу ("расширяющиеся оболочки"). Внутри одной
// дистанции порядок детерминирован через Less.
func ShellOrder(center Vec3, radius int) []Vec3 {
	if radius < 0 {
		return nil
	}

	rsq := radius * radius
	result := make([]Vec3, 0, (2*radius+1)*(2*radius+1))

	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			for dz := -radius; dz <= radius; dz++ {
				if dx*dx+dy*dy+dz*dz > rsq {
					continue
				}
				result = append(result, Vec3{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz})
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		di := result[i].DistanceSq(center)
		dj := result[j].DistanceSq(center)
		if di != dj {
			return di < dj
		}
		return result[i].Less(result[j])
	})

	return result
}

// InRange сообщает, лежит ли pos в сферическом радиусе radius от center
func InRange(center, pos Vec3, radius int) bool {
	return pos.DistanceSq(center) <= radius*radius
}
