package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/voxel-world/internal/api"
	"github.com/annel0/voxel-world/internal/cache"
	"github.com/annel0/voxel-world/internal/config"
	"github.com/annel0/voxel-world/internal/eventbus"
	"github.com/annel0/voxel-world/internal/logging"
	"github.com/annel0/voxel-world/internal/metrics"
	"github.com/annel0/voxel-world/internal/network"
	"github.com/annel0/voxel-world/internal/storage"
	syncengine "github.com/annel0/voxel-world/internal/sync"
	"github.com/annel0/voxel-world/internal/world"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (иначе VOXEL_CONFIG или дефолты)")
	flag.Parse()

	if err := logging.Init("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.Close()

	logging.Info("🧊 Запуск сервера воксельного мира...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка чтения конфигурации: %v", err)
		log.Fatalf("❌ Ошибка чтения конфигурации: %v", err)
	}

	kcpPort := cfg.Server.GetKCPPort()
	restPort := cfg.Server.GetRESTPort()
	metricsPort := cfg.Server.GetMetricsPort()
	logging.Info("📡 Конфигурация: KCP=:%d, REST=:%d, метрики=:%d, сид=%d",
		kcpPort, restPort, metricsPort, cfg.World.Seed)

	// === ХРАНИЛИЩЕ ===
	store, err := storage.NewBadgerStore(cfg.Storage.DataPath)
	if err != nil {
		logging.Error("❌ Ошибка открытия хранилища: %v", err)
		log.Fatalf("❌ Ошибка открытия хранилища: %v", err)
	}
	defer store.Close()

	// === МЕНЕДЖЕР МИРА ===
	manager := world.NewManager(cfg.World, store, world.NewTerrainGenerator(cfg.World.Seed))

	// Горячий кеш: Redis если настроен, иначе in-memory
	if cfg.Cache.Enabled {
		blobCache := buildBlobCache(cfg.Cache)
		defer blobCache.Close()
		manager.SetBlobCache(blobCache, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	}

	// Шина событий: NATS JetStream если настроен, иначе in-memory
	if bus, closeBus := buildEventBus(cfg.EventBus); bus != nil {
		if closeBus != nil {
			defer closeBus()
		}
		manager.SetEventBus(bus)
	}

	// === СЕТЬ И СИНХРОНИЗАЦИЯ ===
	// Мост создаётся до движка: KCP серверу нужен обработчик сразу,
	// а движку — транспорт; engine доезжает в мост после создания
	bridge := newSessionBridge(manager)
	kcpServer := network.NewKCPServer(fmt.Sprintf(":%d", kcpPort), bridge)

	engine, err := syncengine.NewEngine(cfg.Sync, manager, kcpServer)
	if err != nil {
		logging.Error("❌ Ошибка создания движка синхронизации: %v", err)
		log.Fatalf("❌ Ошибка создания движка синхронизации: %v", err)
	}
	bridge.setEngine(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Run(ctx)

	if err := kcpServer.Listen(); err != nil {
		logging.Error("❌ Ошибка запуска KCP сервера: %v", err)
		log.Fatalf("❌ Ошибка запуска KCP сервера: %v", err)
	}
	defer kcpServer.Close()

	// === REST И МЕТРИКИ ===
	restServer := api.NewRestServer(manager, engine)
	restServer.Start(restPort)

	go func() {
		if err := metrics.ServeHTTP(metricsPort); err != nil {
			logging.Error("❌ Сервер метрик упал: %v", err)
		}
	}()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🧊 Игровой трафик: KCP :%d", kcpPort)
	logging.Info("   🌐 REST API: http://localhost:%d", restPort)
	logging.Info("   📊 Метрики: http://localhost:%d/metrics", metricsPort)

	// === ТИКОВЫЙ ЦИКЛ ===
	ticker := time.NewTicker(time.Second / time.Duration(cfg.Server.TickRateHz))
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			manager.Tick()
			engine.Tick()
		case sig := <-sigCh:
			logging.Info("🛑 Получен сигнал %v, останавливаемся...", sig)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := restServer.Stop(shutdownCtx); err != nil {
				logging.Warn("REST сервер остановился с ошибкой: %v", err)
			}
			shutdownCancel()

			manager.Stop()
			logging.Info("👋 Сервер остановлен")
			return
		}
	}
}

// buildBlobCache выбирает реализацию горячего кеша по конфигурации
func buildBlobCache(cfg config.CacheConfig) cache.BlobCache {
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err == nil {
			return redisCache
		}
		logging.Warn("⚠️ Redis недоступен (%v), используем in-memory кеш", err)
	}
	return cache.NewMemoryCache()
}

// buildEventBus выбирает шину событий по конфигурации
func buildEventBus(cfg config.EventBusConfig) (eventbus.EventBus, func()) {
	if cfg.URL != "" {
		jsBus, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream,
			time.Duration(cfg.Retention)*time.Hour)
		if err == nil {
			return jsBus, jsBus.Close
		}
		logging.Warn("⚠️ NATS недоступен (%v), используем in-memory шину", err)
	}
	return eventbus.NewMemoryBus(4096), nil
}
