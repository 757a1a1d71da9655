// Package dsl 定义工作流模板的DSL步骤树，以及解析和校验逻辑。
package dsl

// StepKind 步骤类型（对外导出）
type StepKind string

const (
	// StepKindHTTP 调用外部HTTP接口
	StepKindHTTP StepKind = "http"
	// StepKindTask 创建人工任务并等待完成
	StepKindTask StepKind = "task"
	// StepKindTimer 定时等待
	StepKindTimer StepKind = "timer"
	// StepKindPublish 发布消息
	StepKindPublish StepKind = "kafka_publish"
	// StepKindSwitch 条件分支
	StepKindSwitch StepKind = "switch"
	// StepKindParallel 并行分支
	StepKindParallel StepKind = "parallel"
	// StepKindMap 对列表逐项执行子步骤
	StepKindMap StepKind = "map"
	// StepKindAssign 变量赋值
	StepKindAssign StepKind = "assign"
	// StepKindCompensate 补偿步骤，仅在回滚路径上执行
	StepKindCompensate StepKind = "compensate"
)

// 失败处理后的动作
const (
	ThenFail     = "fail"
	ThenContinue = "continue"
)

// 并行分支的失败策略
const (
	FailFast         = "fail_fast"
	FailurePolicyAll = "continue"
)

// Spec 工作流DSL定义（对外导出）
type Spec struct {
	Name  string         `json:"name,omitempty" yaml:"name,omitempty"`
	Vars  map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
	Steps []*Step        `json:"steps" yaml:"steps"`
}

// Step 步骤定义，kind字段有且只有一个非空
type Step struct {
	ID     string `json:"id" yaml:"id"`
	SaveAs string `json:"save_as,omitempty" yaml:"save_as,omitempty"`

	HTTP         *HTTPStep       `json:"http,omitempty" yaml:"http,omitempty"`
	Task         *TaskStep       `json:"task,omitempty" yaml:"task,omitempty"`
	Timer        *TimerStep      `json:"timer,omitempty" yaml:"timer,omitempty"`
	KafkaPublish *PublishStep    `json:"kafka_publish,omitempty" yaml:"kafka_publish,omitempty"`
	Switch       *SwitchStep     `json:"switch,omitempty" yaml:"switch,omitempty"`
	Parallel     *ParallelStep   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Map          *MapStep        `json:"map,omitempty" yaml:"map,omitempty"`
	Assign       *AssignStep     `json:"assign,omitempty" yaml:"assign,omitempty"`
	Compensate   *CompensateStep `json:"compensate,omitempty" yaml:"compensate,omitempty"`

	// Retry 调用失败时的重试策略（http / kafka_publish）
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// OnFailure 重试耗尽后的补偿策略（http / kafka_publish / compensate）
	OnFailure *FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// HTTPStep 外部HTTP调用
type HTTPStep struct {
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    any               `json:"body,omitempty" yaml:"body,omitempty"`
	// Service 熔断器使用的下游服务名，为空时使用URL的host
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	// TimeoutSeconds 单次调用超时，为0时使用全局配置
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// WaitForEvent 调用成功后等待的业务事件
	WaitForEvent *EventWait `json:"wait_for_event,omitempty" yaml:"wait_for_event,omitempty"`
}

// PublishStep 消息发布
type PublishStep struct {
	Topic        string     `json:"topic" yaml:"topic"`
	Key          string     `json:"key,omitempty" yaml:"key,omitempty"`
	Payload      any        `json:"payload,omitempty" yaml:"payload,omitempty"`
	Service      string     `json:"service,omitempty" yaml:"service,omitempty"`
	WaitForEvent *EventWait `json:"wait_for_event,omitempty" yaml:"wait_for_event,omitempty"`
}

// EventWait 显式的事件等待
type EventWait struct {
	Event string `json:"event" yaml:"event"`
	// ResponseKey 事件payload写入ctx的键，为空时使用步骤的save_as
	ResponseKey string `json:"response_key,omitempty" yaml:"response_key,omitempty"`
}

// TaskStep 人工任务
type TaskStep struct {
	Name           string   `json:"name" yaml:"name"`
	CandidateRoles []string `json:"candidate_roles,omitempty" yaml:"candidate_roles,omitempty"`
	Payload        any      `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// TimerStep 定时等待
type TimerStep struct {
	Seconds int64 `json:"seconds" yaml:"seconds"`
}

// SwitchStep 条件分支，按声明顺序匹配第一个成立的case
type SwitchStep struct {
	Cases   []*Case `json:"cases" yaml:"cases"`
	Default []*Step `json:"default,omitempty" yaml:"default,omitempty"`
}

// Case 条件分支的一个case
type Case struct {
	Condition string  `json:"condition" yaml:"condition"`
	Steps     []*Step `json:"steps" yaml:"steps"`
}

// ParallelStep 并行分支
type ParallelStep struct {
	Branches      []*Branch `json:"branches" yaml:"branches"`
	FailurePolicy string    `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
}

// Branch 并行分支中的一条子序列
type Branch struct {
	Name  string  `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []*Step `json:"steps" yaml:"steps"`
}

// MapStep 对列表逐项执行子步骤
type MapStep struct {
	// Input 求值结果必须是列表的表达式
	Input   string `json:"input" yaml:"input"`
	As      string `json:"as,omitempty" yaml:"as,omitempty"`
	IndexAs string `json:"index_as,omitempty" yaml:"index_as,omitempty"`
	// Concurrency 并发上限，0和1都表示顺序执行
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	// Output 每项输出的表达式，为空时输出该项的ctx
	Output string  `json:"output,omitempty" yaml:"output,omitempty"`
	Steps  []*Step `json:"steps" yaml:"steps"`
}

// AssignStep 变量赋值
// 字符串值按表达式求值（含${}时按模板渲染），其他类型原样写入
type AssignStep struct {
	Variables map[string]any `json:"variables" yaml:"variables"`
}

// CompensateStep 补偿步骤
type CompensateStep struct {
	HTTP *HTTPStep `json:"http" yaml:"http"`
}

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts  int   `json:"max_attempts" yaml:"max_attempts"`
	DelaySeconds int64 `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
}

// FailurePolicy 失败补偿策略
type FailurePolicy struct {
	// Compensate 要执行的compensate步骤ID
	Compensate string `json:"compensate" yaml:"compensate"`
	// Then 补偿成功后的动作: fail（默认）或 continue
	Then string `json:"then,omitempty" yaml:"then,omitempty"`
}

// Kind 返回步骤类型，未设置任何类型时返回空字符串
func (s *Step) Kind() StepKind {
	kinds := s.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (s *Step) kinds() []StepKind {
	var kinds []StepKind
	if s.HTTP != nil {
		kinds = append(kinds, StepKindHTTP)
	}
	if s.Task != nil {
		kinds = append(kinds, StepKindTask)
	}
	if s.Timer != nil {
		kinds = append(kinds, StepKindTimer)
	}
	if s.KafkaPublish != nil {
		kinds = append(kinds, StepKindPublish)
	}
	if s.Switch != nil {
		kinds = append(kinds, StepKindSwitch)
	}
	if s.Parallel != nil {
		kinds = append(kinds, StepKindParallel)
	}
	if s.Map != nil {
		kinds = append(kinds, StepKindMap)
	}
	if s.Assign != nil {
		kinds = append(kinds, StepKindAssign)
	}
	if s.Compensate != nil {
		kinds = append(kinds, StepKindCompensate)
	}
	return kinds
}

// ResultKey 结果写入ctx的键，未声明save_as时使用步骤ID
func (s *Step) ResultKey() string {
	if s.SaveAs != "" {
		return s.SaveAs
	}
	return s.ID
}

// EventWait 返回步骤声明的事件等待
func (s *Step) EventWait() *EventWait {
	switch {
	case s.HTTP != nil:
		return s.HTTP.WaitForEvent
	case s.KafkaPublish != nil:
		return s.KafkaPublish.WaitForEvent
	}
	return nil
}

// FailAfterCompensation 补偿成功后是否仍然失败
func (p *FailurePolicy) FailAfterCompensation() bool {
	return p == nil || p.Then != ThenContinue
}

// ContinueOnFailure 并行分支是否允许部分失败
func (p *ParallelStep) ContinueOnFailure() bool {
	return p.FailurePolicy == FailurePolicyAll
}

// ItemVar map步骤中当前元素的变量名
func (m *MapStep) ItemVar() string {
	if m.As == "" {
		return "item"
	}
	return m.As
}

// IndexVar map步骤中当前下标的变量名
func (m *MapStep) IndexVar() string {
	if m.IndexAs == "" {
		return "index"
	}
	return m.IndexAs
}

// Children 返回步骤直接包含的所有子序列
func (s *Step) Children() [][]*Step {
	var lists [][]*Step
	switch {
	case s.Switch != nil:
		for _, c := range s.Switch.Cases {
			lists = append(lists, c.Steps)
		}
		if len(s.Switch.Default) > 0 {
			lists = append(lists, s.Switch.Default)
		}
	case s.Parallel != nil:
		for _, b := range s.Parallel.Branches {
			lists = append(lists, b.Steps)
		}
	case s.Map != nil:
		lists = append(lists, s.Map.Steps)
	}
	return lists
}

// Walk 深度优先遍历步骤树，fn返回false时停止
func Walk(steps []*Step, fn func(step *Step) bool) bool {
	for _, step := range steps {
		if step == nil {
			continue
		}
		if !fn(step) {
			return false
		}
		for _, child := range step.Children() {
			if !Walk(child, fn) {
				return false
			}
		}
	}
	return true
}

// FindStep 按ID查找步骤（包括嵌套序列）
func (s *Spec) FindStep(id string) *Step {
	var found *Step
	Walk(s.Steps, func(step *Step) bool {
		if step.ID == id {
			found = step
			return false
		}
		return true
	})
	return found
}
