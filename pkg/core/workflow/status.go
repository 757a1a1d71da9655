package workflow

// InstanceStatus 工作流实例状态（对外导出）
type InstanceStatus string

const (
	// StatusPending 已创建，尚未开始执行
	StatusPending InstanceStatus = "PENDING"
	// StatusRunning 有执行者正在推进
	StatusRunning InstanceStatus = "RUNNING"
	// StatusWaiting 阻塞在定时器、人工任务或事件上
	StatusWaiting InstanceStatus = "WAITING"
	// StatusCompleted 所有步骤执行完毕
	StatusCompleted InstanceStatus = "COMPLETED"
	// StatusFailed 执行失败
	StatusFailed InstanceStatus = "FAILED"
	// StatusCancelled 被取消
	StatusCancelled InstanceStatus = "CANCELLED"
)

// IsValid 检查状态是否有效（对外导出）
func (s InstanceStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 是否为终态
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo 检查是否可以转换到目标状态（对外导出）
func (s InstanceStatus) CanTransitionTo(target InstanceStatus) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusCancelled
	case StatusRunning:
		// RUNNING -> RUNNING 是执行中的检查点
		switch target {
		case StatusRunning, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
		return false
	case StatusWaiting:
		return target == StatusRunning || target == StatusCancelled
	default:
		return false
	}
}

// TaskStatus 人工任务状态（对外导出）
type TaskStatus string

const (
	// TaskStatusReady 待认领
	TaskStatusReady TaskStatus = "READY"
	// TaskStatusClaimed 已认领
	TaskStatusClaimed TaskStatus = "CLAIMED"
	// TaskStatusCompleted 已完成
	TaskStatusCompleted TaskStatus = "COMPLETED"
)

// IsValid 检查状态是否有效
func (s TaskStatus) IsValid() bool {
	return s == TaskStatusReady || s == TaskStatusClaimed || s == TaskStatusCompleted
}

// CanTransitionTo READY可以直接完成（自动认领）
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskStatusReady:
		return target == TaskStatusClaimed || target == TaskStatusCompleted
	case TaskStatusClaimed:
		return target == TaskStatusCompleted
	default:
		return false
	}
}
