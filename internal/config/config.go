package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера.
// Все тюнинги жизненного цикла и синхронизации задаются здесь и передаются
// менеджерам при конструировании — глобальных мутабельных настроек нет.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	World    WorldConfig    `yaml:"world"`
	Sync     SyncConfig     `yaml:"sync"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	EventBus EventBusConfig `yaml:"eventbus"`
}

type ServerConfig struct {
	KCPPort     int `yaml:"kcp_port"`
	RESTPort    int `yaml:"rest_port"`
	TickRateHz  int `yaml:"tick_rate_hz"` // частота координационного цикла
	MetricsPort int `yaml:"metrics_port"`
}

// WorldConfig — тюнинги менеджера жизненного цикла кубов
type WorldConfig struct {
	Seed             int64   `yaml:"seed"`
	MaxLoadedCubes   int     `yaml:"max_loaded_cubes"`
	Workers          int     `yaml:"workers"`            // размер пула воркеров load/generate/save
	DrainPerTick     int     `yaml:"drain_per_tick"`     // сколько запросов очереди обрабатываем за цикл
	EvictionFraction float64 `yaml:"eviction_fraction"`  // доля излишка, вытесняемая за один цикл
	ViewRange        int     `yaml:"view_range"`         // радиус удержания в кубах
	Hysteresis       int     `yaml:"hysteresis"`         // запас в кубах к зоне наблюдателя при вытеснении
	RequestTTLMs     int     `yaml:"request_ttl_ms"`     // окно валидности запроса загрузки
	MaxRetries       int     `yaml:"max_retries"`        // после этого requestCube отдаёт ошибку
	BackoffBaseMs    int     `yaml:"backoff_base_ms"`    // база экспоненциального backoff
	AutoSaveSeconds  int     `yaml:"auto_save_seconds"`  // период фонового сохранения dirty-кубов
}

// SyncConfig — тюнинги движка дельта-синхронизации
type SyncConfig struct {
	ViewRange        int     `yaml:"view_range"`         // радиус рассылки в кубах
	Hysteresis       int     `yaml:"hysteresis"`         // запас в кубах до уведомления о выгрузке
	MoveThreshold    float64 `yaml:"move_threshold"`     // минимальное смещение для пересчёта (в блоках)
	MaxSendsPerTick  int     `yaml:"max_sends_per_tick"` // лимит отправок на зрителя за цикл
	MaxBatchBytes    int     `yaml:"max_batch_bytes"`
	MaxBatchEntries  int     `yaml:"max_batch_entries"`
	SendTTLMs        int     `yaml:"send_ttl_ms"`        // окно валидности отправки
	MinCompressBytes int     `yaml:"min_compress_bytes"` // порог, ниже которого сжатие не пробуем
}

type StorageConfig struct {
	DataPath string `yaml:"data_path"`
}

type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // пусто — in-memory шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

// GetKCPPort возвращает KCP порт с поддержкой fallback значений
func (s *ServerConfig) GetKCPPort() int {
	return getPortWithEnvFallback(s.KCPPort, "VOXEL_KCP_PORT", 7777)
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "VOXEL_REST_PORT", 8088)
}

// GetMetricsPort возвращает порт Prometheus метрик с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "VOXEL_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

// RequestTTL возвращает окно валидности запроса загрузки
func (w *WorldConfig) RequestTTL() time.Duration {
	return time.Duration(w.RequestTTLMs) * time.Millisecond
}

// BackoffBase возвращает базовый интервал backoff
func (w *WorldConfig) BackoffBase() time.Duration {
	return time.Duration(w.BackoffBaseMs) * time.Millisecond
}

// SendTTL возвращает окно валидности отправки
func (s *SyncConfig) SendTTL() time.Duration {
	return time.Duration(s.SendTTLMs) * time.Millisecond
}

// Default возвращает конфигурацию с осмысленными значениями по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{TickRateHz: 20},
		World: WorldConfig{
			Seed:             1,
			MaxLoadedCubes:   4096,
			Workers:          4,
			DrainPerTick:     64,
			EvictionFraction: 0.25,
			ViewRange:        8,
			Hysteresis:       2,
			RequestTTLMs:     5000,
			MaxRetries:       3,
			BackoffBaseMs:    250,
			AutoSaveSeconds:  300,
		},
		Sync: SyncConfig{
			ViewRange:        8,
			Hysteresis:       1,
			MoveThreshold:    8.0,
			MaxSendsPerTick:  32,
			MaxBatchBytes:    1 << 20, // 1 MB
			MaxBatchEntries:  64,
			SendTTLMs:        3000,
			MinCompressBytes: 512,
		},
		Storage: StorageConfig{DataPath: "data"},
		Cache:   CacheConfig{TTLSeconds: 60},
	}
}

// normalize заполняет нулевые поля значениями по умолчанию
func (c *Config) normalize() {
	def := Default()
	if c.Server.TickRateHz <= 0 {
		c.Server.TickRateHz = def.Server.TickRateHz
	}
	if c.World.MaxLoadedCubes <= 0 {
		c.World.MaxLoadedCubes = def.World.MaxLoadedCubes
	}
	if c.World.Workers <= 0 {
		c.World.Workers = def.World.Workers
	}
	if c.World.DrainPerTick <= 0 {
		c.World.DrainPerTick = def.World.DrainPerTick
	}
	if c.World.EvictionFraction <= 0 {
		c.World.EvictionFraction = def.World.EvictionFraction
	}
	if c.World.ViewRange <= 0 {
		c.World.ViewRange = def.World.ViewRange
	}
	if c.World.Hysteresis <= 0 {
		c.World.Hysteresis = def.World.Hysteresis
	}
	if c.World.RequestTTLMs <= 0 {
		c.World.RequestTTLMs = def.World.RequestTTLMs
	}
	if c.World.MaxRetries <= 0 {
		c.World.MaxRetries = def.World.MaxRetries
	}
	if c.World.BackoffBaseMs <= 0 {
		c.World.BackoffBaseMs = def.World.BackoffBaseMs
	}
	if c.World.AutoSaveSeconds <= 0 {
		c.World.AutoSaveSeconds = def.World.AutoSaveSeconds
	}
	if c.Sync.ViewRange <= 0 {
		c.Sync.ViewRange = def.Sync.ViewRange
	}
	if c.Sync.Hysteresis <= 0 {
		c.Sync.Hysteresis = def.Sync.Hysteresis
	}
	if c.Sync.MoveThreshold <= 0 {
		c.Sync.MoveThreshold = def.Sync.MoveThreshold
	}
	if c.Sync.MaxSendsPerTick <= 0 {
		c.Sync.MaxSendsPerTick = def.Sync.MaxSendsPerTick
	}
	if c.Sync.MaxBatchBytes <= 0 {
		c.Sync.MaxBatchBytes = def.Sync.MaxBatchBytes
	}
	if c.Sync.MaxBatchEntries <= 0 {
		c.Sync.MaxBatchEntries = def.Sync.MaxBatchEntries
	}
	if c.Sync.SendTTLMs <= 0 {
		c.Sync.SendTTLMs = def.Sync.SendTTLMs
	}
	if c.Sync.MinCompressBytes <= 0 {
		c.Sync.MinCompressBytes = def.Sync.MinCompressBytes
	}
	if c.Storage.DataPath == "" {
		c.Storage.DataPath = def.Storage.DataPath
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = def.Cache.TTLSeconds
	}
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV VOXEL_CONFIG или возвращает дефолты.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VOXEL_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	return &cfg, nil
}
