package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMiddleware собирает базовые HTTP-метрики отладочного API:
//   - voxel_api_http_request_duration_seconds{method,path,status}
//   - voxel_api_http_requests_inflight
//   - voxel_api_http_request_errors_total{method,path,status}
//
// Метрики живут в дефолтном регистре; эндпоинт /metrics обслуживает
// отдельный сервер пакета metrics.
type PrometheusMiddleware struct {
	reqDuration *prometheus.HistogramVec
	reqInflight prometheus.Gauge
	reqErrors   *prometheus.CounterVec
}

var (
	promOnce sync.Once
	promInst *PrometheusMiddleware
)

// NewPrometheusMiddleware возвращает общий экземпляр middleware.
// Синглтон: повторная регистрация метрик в регистре запрещена.
func NewPrometheusMiddleware() *PrometheusMiddleware {
	promOnce.Do(func() {
		promInst = &PrometheusMiddleware{
			reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "voxel_api",
				Name:      "http_request_duration_seconds",
				Help:      "Длительность HTTP-запросов.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			}, []string{"method", "path", "status"}),
			reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "voxel_api",
				Name:      "http_requests_inflight",
				Help:      "Текущее количество обрабатываемых HTTP-запросов.",
			}),
			reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "voxel_api",
				Name:      "http_request_errors_total",
				Help:      "Число запросов, завершившихся статусом 4xx/5xx.",
			}, []string{"method", "path", "status"}),
		}
		prometheus.MustRegister(promInst.reqDuration, promInst.reqInflight, promInst.reqErrors)
	})
	return promInst
}

// Handler возвращает gin.HandlerFunc для router.Use()
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		pm.reqInflight.Inc()
		c.Next()
		pm.reqInflight.Dec()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		pm.reqDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		if c.Writer.Status() >= 400 {
			pm.reqErrors.WithLabelValues(method, path, status).Inc()
		}
	}
}
