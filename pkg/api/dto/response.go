package dto

import (
	"time"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// NewErrorResponseWithData 带详情的错误响应，例如校验问题列表
func NewErrorResponseWithData(code int, message string, data any) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// TemplateSummary 模板摘要信息
type TemplateSummary struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	StepCount int       `json:"step_count"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTemplateSummary 从模板构造摘要
func NewTemplateSummary(tpl *workflow.Template) TemplateSummary {
	s := TemplateSummary{
		Code:      tpl.Code,
		Name:      tpl.Name,
		Version:   tpl.Version,
		IsActive:  tpl.IsActive,
		UpdatedAt: tpl.UpdatedAt,
	}
	if tpl.Spec != nil {
		s.StepCount = len(tpl.Spec.Steps)
	}
	return s
}

// StartResponse 启动实例响应
type StartResponse struct {
	InstanceID string                  `json:"instance_id"`
	Status     workflow.InstanceStatus `json:"status"`
}

// EventResponse 事件投递响应
type EventResponse struct {
	Event   string   `json:"event"`
	Resumed []string `json:"resumed"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}
