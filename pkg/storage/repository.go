// Package storage 定义模板、实例、人工任务的持久化接口。
package storage

import (
	"context"
	"time"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

// TemplateRepository 模板存储接口（对外导出）
type TemplateRepository interface {
	// UpsertTemplate 写入模板，版本低于已存储版本时返回 ErrStaleVersion，同版本覆盖
	UpsertTemplate(ctx context.Context, tpl *workflow.Template) error
	// GetTemplate 获取当前生效的模板，不存在时返回 ErrTemplateNotFound
	GetTemplate(ctx context.Context, code string) (*workflow.Template, error)
	// ListTemplates 按code排序列出生效的模板
	ListTemplates(ctx context.Context) ([]*workflow.Template, error)
}

// ProgressUpdate SaveProgress的参数
type ProgressUpdate struct {
	ID string
	// ExpectedRevision 读取实例时的版本号，不一致时返回 ErrConflict
	ExpectedRevision int64
	Status           workflow.InstanceStatus
	Cursor           *workflow.Cursor
	Context          *workflow.Context
	Error            string
	NextWakeAt       *time.Time
	// WaitingForEvents 替换实例当前登记的全部等待事件
	WaitingForEvents []string
	At               time.Time
}

// RunClaim ClaimForRun的参数
type RunClaim struct {
	ID               string
	ExpectedRevision int64
	// From 允许的当前状态
	From []workflow.InstanceStatus
	// Cursor 非nil时一并写入（例如已解决的等待）
	Cursor  *workflow.Cursor
	Context *workflow.Context
	At      time.Time
}

// StatusTransition TransitionStatus的参数，不校验版本号
type StatusTransition struct {
	ID    string
	From  []workflow.InstanceStatus
	To    workflow.InstanceStatus
	Error string
	At    time.Time
}

// EventWaitStatuses 事件查找覆盖的实例状态，RUNNING实例保存进度后仍可能在等待该事件
var EventWaitStatuses = []workflow.InstanceStatus{workflow.StatusWaiting, workflow.StatusRunning}

// InstanceRepository 实例存储接口（对外导出）
type InstanceRepository interface {
	// CreateInstance 插入新实例
	CreateInstance(ctx context.Context, inst *workflow.Instance) error
	// GetInstance 不存在时返回 ErrInstanceNotFound
	GetInstance(ctx context.Context, id string) (*workflow.Instance, error)
	// SaveProgress 实例执行结果的唯一写入入口，按版本号做条件更新，返回新版本号
	SaveProgress(ctx context.Context, update *ProgressUpdate) (int64, error)
	// ClaimForRun 把实例从From中的状态CAS为RUNNING，返回新版本号
	ClaimForRun(ctx context.Context, claim *RunClaim) (int64, error)
	// TransitionStatus 仅按状态做条件迁移（用于取消），返回新版本号
	TransitionStatus(ctx context.Context, t *StatusTransition) (int64, error)
	// ListWaitingForEvent 查询任一lane登记了该事件、状态属于 EventWaitStatuses 的实例
	// 事件登记由SaveProgress整体替换，ClaimForRun不清除，TransitionStatus清除
	ListWaitingForEvent(ctx context.Context, event string) ([]*workflow.Instance, error)
	// ListDueTimers 查询 status=WAITING 且 next_wake_at<=now 的实例
	ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error)
	// ListByStatus 按状态查询实例，limit<=0表示不限制
	ListByStatus(ctx context.Context, statuses []workflow.InstanceStatus, limit int) ([]*workflow.Instance, error)
}

// TaskCompletion CompleteTask的参数
type TaskCompletion struct {
	ID string
	// User 完成人；任务已被认领时必须与认领人一致，为空表示系统操作
	User   string
	Output map[string]any
	At     time.Time
}

// TaskRepository 人工任务存储接口（对外导出）
type TaskRepository interface {
	// CreateTask 插入READY状态的任务，ID重复时返回 ErrDuplicate
	CreateTask(ctx context.Context, task *workflow.Task) error
	// GetTask 不存在时返回 ErrTaskNotFound
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	// ClaimTask 仅当 status=READY 时成功，否则返回 ErrTaskNotClaimable
	ClaimTask(ctx context.Context, id, assignee string, at time.Time) error
	// CompleteTask READY或CLAIMED -> COMPLETED，并保存输出
	CompleteTask(ctx context.Context, c *TaskCompletion) error
	// ListTasksByInstance 按创建时间列出实例的任务
	ListTasksByInstance(ctx context.Context, instanceID string) ([]*workflow.Task, error)
	// ListReadyTasks 待认领任务，role非空时只返回候选角色包含role的任务
	ListReadyTasks(ctx context.Context, role string, limit int) ([]*workflow.Task, error)
}

// Store 组合所有存储接口（对外导出）
type Store interface {
	TemplateRepository
	InstanceRepository
	TaskRepository
	// Close 释放底层连接
	Close() error
}
