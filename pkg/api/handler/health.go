package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/his-workflow/pkg/api/dto"
	"github.com/LENAX/his-workflow/pkg/core/engine"
)

// HealthHandler 健康检查和运维接口
type HealthHandler struct {
	engine    *engine.Engine
	version   string
	startTime time.Time
}

// NewHealthHandler 创建HealthHandler
func NewHealthHandler(eng *engine.Engine, version string) *HealthHandler {
	return &HealthHandler{
		engine:    eng,
		version:   version,
		startTime: time.Now(),
	}
}

// Health 健康检查
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	uptime := time.Since(h.startTime)

	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    formatDuration(uptime),
		Timestamp: time.Now().Format(time.RFC3339),
	}))
}

// Ready 就绪检查，定时器轮询未启动时返回503
// GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.engine.Poller().IsRunning() {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(503, "引擎未启动"))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"status": "ready",
	}))
}

// Breakers 各下游服务的熔断状态
// GET /api/v1/breakers
func (h *HealthHandler) Breakers(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(h.engine.Breakers()))
}
