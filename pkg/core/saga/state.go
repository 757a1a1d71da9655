package saga

import "time"

// CompensationState 补偿状态枚举（对外导出）
type CompensationState string

const (
	// CompensationStatePending 待补偿（步骤失败，补偿尚未开始）
	CompensationStatePending CompensationState = "Pending"
	// CompensationStateCompensating 补偿中（补偿调用已发出，结果未落库）
	CompensationStateCompensating CompensationState = "Compensating"
	// CompensationStateCompensated 已补偿（补偿调用成功）
	CompensationStateCompensated CompensationState = "Compensated"
	// CompensationStateFailed 补偿失败
	CompensationStateFailed CompensationState = "Failed"
)

// IsValid 检查状态是否有效（对外导出）
func (s CompensationState) IsValid() bool {
	switch s {
	case CompensationStatePending,
		CompensationStateCompensating,
		CompensationStateCompensated,
		CompensationStateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 是否为终态
func (s CompensationState) IsTerminal() bool {
	return s == CompensationStateCompensated || s == CompensationStateFailed
}

// CanTransitionTo 检查是否可以转换到目标状态（对外导出）
func (s CompensationState) CanTransitionTo(target CompensationState) bool {
	switch s {
	case CompensationStatePending:
		// Pending只能进入Compensating
		return target == CompensationStateCompensating
	case CompensationStateCompensating:
		// Compensating可以转换到Compensated或Failed
		return target == CompensationStateCompensated || target == CompensationStateFailed
	default:
		// Compensated和Failed是终态
		return false
	}
}

// Record 补偿记录（对外导出）
// 记录某个失败步骤由哪个compensate步骤回滚，以及回滚结果
type Record struct {
	FailedStep     string            `json:"failed_step"`
	CompensateStep string            `json:"compensate_step"`
	State          CompensationState `json:"state"`
	Cause          string            `json:"cause,omitempty"`
	Error          string            `json:"error,omitempty"`
	Result         any               `json:"result,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewRecord 创建补偿记录，初始状态为Pending（对外导出）
func NewRecord(failedStep, compensateStep, cause string, at time.Time) *Record {
	return &Record{
		FailedStep:     failedStep,
		CompensateStep: compensateStep,
		State:          CompensationStatePending,
		Cause:          cause,
		UpdatedAt:      at,
	}
}

// Transition 状态迁移，非法迁移返回false且不修改记录
func (r *Record) Transition(target CompensationState, at time.Time) bool {
	if !r.State.CanTransitionTo(target) {
		return false
	}
	r.State = target
	r.UpdatedAt = at
	return true
}
