package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики жизненного цикла кубов
var (
	ResidentCubes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxel_resident_cubes",
		Help: "Количество кубов, находящихся в памяти",
	})

	CubesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_cubes_generated_total",
		Help: "Количество кубов, заполненных генератором",
	})

	CubesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_cubes_loaded_total",
		Help: "Количество кубов, загруженных из хранилища",
	})

	CubesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_cubes_saved_total",
		Help: "Количество кубов, записанных в хранилище",
	})

	CubesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_cubes_evicted_total",
		Help: "Количество кубов, вытесненных из памяти",
	})

	SaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_save_failures_total",
		Help: "Ошибки записи при вытеснении (данные потеряны)",
	})

	LoadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_load_failures_total",
		Help: "Ошибки чтения/генерации куба",
	})

	CorruptBlobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_corrupt_blobs_total",
		Help: "Повреждённые данные куба в хранилище (вызвали регенерацию)",
	})

	StaleLoadRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_stale_load_requests_total",
		Help: "Запросы загрузки, отброшенные по истечении окна валидности",
	})

	LoadQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxel_load_queue_length",
		Help: "Длина очереди запросов загрузки",
	})
)

// Метрики дельта-синхронизации
var (
	SyncBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_sync_batches_total",
		Help: "Количество отправленных пакетов обновлений",
	})

	SyncBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_sync_bytes_total",
		Help: "Объём отправленных данных синхронизации",
	})

	SyncStaleDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_sync_stale_drops_total",
		Help: "Отправки, отброшенные по истечении окна валидности",
	})

	SyncSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxel_sync_send_failures_total",
		Help: "Неудачные передачи пакетов (будут повторены)",
	})

	SyncQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxel_sync_queue_length",
		Help: "Суммарная длина очередей отправки по всем зрителям",
	})

	CompressionRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxel_sync_compression_ratio",
		Help:    "Отношение сжатого размера к исходному для пакетов",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	ConnectedViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxel_connected_viewers",
		Help: "Количество подключённых зрителей",
	})
)

// ServeHTTP запускает отдельный HTTP сервер для scrape-эндпоинта
func ServeHTTP(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
