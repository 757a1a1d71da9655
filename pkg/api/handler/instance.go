package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/his-workflow/pkg/api/dto"
	"github.com/LENAX/his-workflow/pkg/api/middleware"
	"github.com/LENAX/his-workflow/pkg/core/engine"
)

// InstanceHandler Instance API处理器
type InstanceHandler struct {
	engine *engine.Engine
}

// NewInstanceHandler 创建InstanceHandler
func NewInstanceHandler(eng *engine.Engine) *InstanceHandler {
	return &InstanceHandler{engine: eng}
}

// Start 按模板启动实例，首次推进同步执行
// POST /api/v1/instances:start/:code
func (h *InstanceHandler) Start(c *gin.Context) {
	var req dto.StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "请求参数错误: %v", err)
		return
	}

	inst, err := h.engine.StartInstance(c.Request.Context(), c.Param("code"), req.Input)
	if err != nil {
		respondError(c, "启动实例失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.StartResponse{
		InstanceID: inst.ID,
		Status:     inst.Status,
	}))
}

// Get 获取Instance完整状态
// GET /api/v1/instances/:id
func (h *InstanceHandler) Get(c *gin.Context) {
	inst, err := h.engine.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "查询实例失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(inst))
}

// GetTasks 获取Instance的所有人工任务
// GET /api/v1/instances/:id/tasks
func (h *InstanceHandler) GetTasks(c *gin.Context) {
	tasks, err := h.engine.ListInstanceTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "查询任务失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(tasks))
}

// Cancel 取消Instance
// POST /api/v1/instances/:id:cancel
func (h *InstanceHandler) Cancel(c *gin.Context) {
	var req dto.CancelInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "请求参数错误: %v", err)
		return
	}
	if req.Reason == "" {
		req.Reason = "用户取消"
		if user := middleware.CurrentUser(c); user != "" {
			req.Reason = "用户取消: " + user
		}
	}

	inst, err := h.engine.CancelInstance(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, "取消失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(inst))
}
