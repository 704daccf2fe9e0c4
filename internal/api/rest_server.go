package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/annel0/voxel-world/internal/logging"
	"github.com/annel0/voxel-world/internal/middleware"
	syncengine "github.com/annel0/voxel-world/internal/sync"
	"github.com/annel0/voxel-world/internal/vec"
	"github.com/annel0/voxel-world/internal/world"
)

// RestServer — отладочный REST API сервера мира: здоровье, статистика,
// инспекция кубов. Аутентификации нет, наружу не выставляется.
type RestServer struct {
	router  *gin.Engine
	manager *world.Manager
	engine  *syncengine.Engine
	server  *http.Server
	started time.Time
	logger  *logging.Logger
}

// NewRestServer создаёт сервер и настраивает маршруты
func NewRestServer(manager *world.Manager, engine *syncengine.Engine) *RestServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewRequestLogger().Handler())
	router.Use(middleware.NewPrometheusMiddleware().Handler())

	rs := &RestServer{
		router:  router,
		manager: manager,
		engine:  engine,
		started: time.Now(),
		logger:  logging.NewConsoleLogger("api"),
	}
	rs.setupRoutes()
	return rs
}

func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)
	rs.router.GET("/api/stats", rs.handleStats)
	rs.router.GET("/api/cubes", rs.handleListCubes)
	rs.router.GET("/api/cubes/:x/:y/:z", rs.handleCubeInspect)
	rs.router.GET("/api/cubes/:x/:y/:z/voxel/:index", rs.handleVoxelInspect)
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(rs.started).String(),
	})
}

func (rs *RestServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resident_cubes": rs.manager.Store().Len(),
		"viewers":        rs.engine.ViewerCount(),
	})
}

func (rs *RestServer) handleListCubes(c *gin.Context) {
	positions := rs.manager.Store().Positions()
	out := make([]gin.H, 0, len(positions))
	for _, pos := range positions {
		out = append(out, gin.H{"x": pos.X, "y": pos.Y, "z": pos.Z})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "cubes": out})
}

func parseCubePos(c *gin.Context) (vec.Vec3, bool) {
	x, errX := strconv.Atoi(c.Param("x"))
	y, errY := strconv.Atoi(c.Param("y"))
	z, errZ := strconv.Atoi(c.Param("z"))
	if errX != nil || errY != nil || errZ != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cube coordinates"})
		return vec.Vec3{}, false
	}
	return vec.Vec3{X: x, Y: y, Z: z}, true
}

func (rs *RestServer) handleCubeInspect(c *gin.Context) {
	pos, ok := parseCubePos(c)
	if !ok {
		return
	}

	voxels, version, resident := rs.manager.Store().ReadSnapshot(pos)
	if !resident {
		c.JSON(http.StatusNotFound, gin.H{"error": "cube not loaded"})
		return
	}

	// Содержимое отдаём сводкой: полный куб — это 4096 значений
	histogram := make(map[uint16]int)
	for _, v := range voxels {
		histogram[v]++
	}

	c.JSON(http.StatusOK, gin.H{
		"pos":       gin.H{"x": pos.X, "y": pos.Y, "z": pos.Z},
		"version":   version,
		"histogram": histogram,
	})
}

func (rs *RestServer) handleVoxelInspect(c *gin.Context) {
	pos, ok := parseCubePos(c)
	if !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= world.CubeVolume {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid voxel index"})
		return
	}

	value, gerr := rs.manager.GetVoxel(pos, uint16(index))
	if gerr != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gerr.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"index": index, "value": value})
}

// Start запускает HTTP сервер в фоне
func (rs *RestServer) Start(port int) {
	rs.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: rs.router,
	}

	go func() {
		if err := rs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rs.logger.Error("REST сервер упал: %v", err)
		}
	}()

	rs.logger.Info("REST API слушает :%d", port)
}

// Stop корректно останавливает HTTP сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	if rs.server == nil {
		return nil
	}
	return rs.server.Shutdown(ctx)
}

// Handler возвращает роутер (для httptest)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}
