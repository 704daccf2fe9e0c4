package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/voxel-world/internal/vec"
)

// BlobCache — горячий кеш сериализованных кубов перед постоянным хранилищем.
// Менеджер жизненного цикла кладёт сюда байты при вытеснении и спрашивает
// перед обращением к диску: куб у границы выгрузки часто нужен снова.
type BlobCache interface {
	// Get возвращает (nil, false, nil) при промахе
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// CubeKey формирует ключ кеша для координаты куба
func CubeKey(pos vec.Vec3) string {
	return fmt.Sprintf("cube:%d:%d:%d", pos.X, pos.Y, pos.Z)
}
