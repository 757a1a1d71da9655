package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/his-workflow/pkg/api/dto"
	"github.com/LENAX/his-workflow/pkg/core/engine"
)

// EventHandler 业务事件接入
type EventHandler struct {
	engine *engine.Engine
}

// NewEventHandler 创建EventHandler
func NewEventHandler(eng *engine.Engine) *EventHandler {
	return &EventHandler{engine: eng}
}

// Publish 投递事件，唤醒关联的等待实例
// POST /api/v1/events
func (h *EventHandler) Publish(c *gin.Context) {
	var req dto.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误: %v", err)
		return
	}
	resumed, err := h.engine.HandleEvent(c.Request.Context(), req.Event, req.Payload, req.CorrelationID)
	if err != nil {
		respondError(c, "处理事件失败", err)
		return
	}
	if resumed == nil {
		resumed = []string{}
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.EventResponse{
		Event:   req.Event,
		Resumed: resumed,
	}))
}
