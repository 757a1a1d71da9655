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

// TaskHandler 人工任务API处理器
type TaskHandler struct {
	engine *engine.Engine
}

// NewTaskHandler 创建TaskHandler
func NewTaskHandler(eng *engine.Engine) *TaskHandler {
	return &TaskHandler{engine: eng}
}

// Get GET /api/v1/tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.engine.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "查询任务失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(task))
}

// ListReady 待认领任务
// GET /api/v1/tasks?role=nurse
func (h *TaskHandler) ListReady(c *gin.Context) {
	var query dto.TaskQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "查询参数错误: %v", err)
		return
	}
	tasks, err := h.engine.ListReadyTasks(c.Request.Context(), query.Role, query.GetDefaultLimit())
	if err != nil {
		respondError(c, "查询任务失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(tasks))
}

// Claim 认领任务，认领人取自 X-HIS-User
// POST /api/v1/tasks/:id:claim
func (h *TaskHandler) Claim(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == "" {
		badRequest(c, "缺少请求头 %s", middleware.HeaderUser)
		return
	}
	task, err := h.engine.ClaimTask(c.Request.Context(), c.Param("id"), user, middleware.CurrentRoles(c))
	if err != nil {
		respondError(c, "认领任务失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(task))
}

// Complete 完成任务并唤醒实例
// POST /api/v1/tasks/:id:complete
func (h *TaskHandler) Complete(c *gin.Context) {
	var req dto.CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "请求参数错误: %v", err)
		return
	}
	task, err := h.engine.CompleteTask(c.Request.Context(), c.Param("id"), middleware.CurrentUser(c),
		middleware.CurrentRoles(c), req.Output)
	if err != nil {
		respondError(c, "完成任务失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(task))
}
