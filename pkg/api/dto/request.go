package dto

import "encoding/json"

// UpsertTemplateRequest 新增或更新模板请求
// spec 为JSON格式的DSL；spec_yaml 为YAML文本，两者二选一
type UpsertTemplateRequest struct {
	Code     string          `json:"code" binding:"required"`
	Name     string          `json:"name"`
	Version  int             `json:"version" binding:"required,min=1"`
	Spec     json.RawMessage `json:"spec,omitempty"`
	SpecYAML string          `json:"spec_yaml,omitempty"`
}

// StartInstanceRequest 启动实例请求
type StartInstanceRequest struct {
	Input map[string]any `json:"input"`
}

// CancelInstanceRequest 取消实例请求
type CancelInstanceRequest struct {
	Reason string `json:"reason"`
}

// CompleteTaskRequest 完成任务请求
type CompleteTaskRequest struct {
	Output map[string]any `json:"output"`
}

// EventRequest 业务事件请求
type EventRequest struct {
	Event         string `json:"event" binding:"required"`
	Payload       any    `json:"payload"`
	CorrelationID string `json:"correlation_id"`
}

// TaskQueryRequest 待认领任务查询
type TaskQueryRequest struct {
	Role  string `form:"role"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// GetDefaultLimit 获取默认limit
func (r *TaskQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 100
	}
	return r.Limit
}
