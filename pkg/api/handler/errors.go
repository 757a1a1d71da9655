package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/his-workflow/pkg/api/dto"
	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/engine"
	"github.com/LENAX/his-workflow/pkg/storage"
)

// statusOf 把引擎和存储的错误映射为HTTP状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, dsl.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrTemplateNotFound),
		errors.Is(err, storage.ErrInstanceNotFound),
		errors.Is(err, storage.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRoleNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrStaleVersion),
		errors.Is(err, storage.ErrTaskNotClaimable),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrNothingToResume):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写入错误响应，校验错误附带问题列表
func respondError(c *gin.Context, action string, err error) {
	code := statusOf(err)
	msg := fmt.Sprintf("%s: %v", action, err)

	var verr *dsl.ValidationError
	if errors.As(err, &verr) {
		c.JSON(code, dto.NewErrorResponseWithData(code, msg, gin.H{"problems": verr.Problems()}))
		return
	}
	c.JSON(code, dto.NewErrorResponse(code, msg))
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf(format, args...)))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
