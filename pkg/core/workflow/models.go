// Package workflow 定义工作流模板、实例、人工任务以及执行游标和上下文。
package workflow

import (
	"time"

	"github.com/LENAX/his-workflow/pkg/core/dsl"
)

// Template 工作流模板（对外导出）
type Template struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Spec      *dsl.Spec `json:"spec"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instance 工作流实例（对外导出）
// Spec 是启动时的模板快照，模板后续更新不影响已启动的实例
type Instance struct {
	ID              string         `json:"id"`
	TemplateCode    string         `json:"template_code"`
	TemplateVersion int            `json:"template_version"`
	Spec            *dsl.Spec      `json:"spec,omitempty"`
	Status          InstanceStatus `json:"status"`
	Input           map[string]any `json:"input"`
	Context         *Context       `json:"context"`
	Cursor          *Cursor        `json:"cursor"`
	Error           string         `json:"error,omitempty"`
	NextWakeAt      *time.Time     `json:"next_wake_at,omitempty"`
	// WaitingForEvents 各lane正在等待的事件
	WaitingForEvents []string  `json:"waiting_for_events,omitempty"`
	Revision         int64     `json:"revision"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Task 人工任务（对外导出）
type Task struct {
	ID             string         `json:"id"`
	InstanceID     string         `json:"instance_id"`
	StepID         string         `json:"step_id"`
	Name           string         `json:"name"`
	Assignee       string         `json:"assignee,omitempty"`
	CandidateRoles []string       `json:"candidate_roles"`
	Payload        any            `json:"payload,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Status         TaskStatus     `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// AllowsRoles 用户角色与候选角色有交集时返回true，任一方为空时不限制
func (t *Task) AllowsRoles(roles []string) bool {
	if len(t.CandidateRoles) == 0 || len(roles) == 0 {
		return true
	}
	for _, want := range t.CandidateRoles {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}
