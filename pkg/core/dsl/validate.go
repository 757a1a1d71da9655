package dsl

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/LENAX/his-workflow/pkg/core/dag"
	"github.com/LENAX/his-workflow/pkg/core/expr"
)

// ErrValidation 所有校验错误都可以用 errors.Is(err, ErrValidation) 识别（对外导出）
var ErrValidation = errors.New("校验失败")

// ValidationError DSL或启动参数校验错误，包含全部问题列表（对外导出）
type ValidationError struct {
	Errors []error
}

// NewValidationError 由若干问题构造校验错误
func NewValidationError(errs ...error) *ValidationError {
	return &ValidationError{Errors: errs}
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s: %v", ErrValidation.Error(), e.Errors[0])
	}
	return ErrValidation.Error() + ": " + (&multierror.Error{Errors: e.Errors, ErrorFormat: listFormat}).Error()
}

// Is 支持 errors.Is(err, ErrValidation)
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Problems 返回问题描述列表，用于API响应
func (e *ValidationError) Problems() []string {
	out := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, err.Error())
	}
	return out
}

func listFormat(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d个问题: %s", len(errs), strings.Join(parts, "; "))
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// validator 收集校验问题
type validator struct {
	result      *multierror.Error
	ids         map[string]string
	compensates map[string]*Step
	failureRefs []*Step
}

func (v *validator) addf(path, format string, args ...any) {
	v.result = multierror.Append(v.result, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
}

// Validate 校验DSL（对外导出）
// 校验通过返回nil，否则返回 *ValidationError
func Validate(spec *Spec) error {
	if spec == nil {
		return NewValidationError(errors.New("spec不能为空"))
	}
	v := &validator{
		ids:         make(map[string]string),
		compensates: make(map[string]*Step),
	}
	if len(spec.Steps) == 0 {
		v.addf("steps", "至少需要一个步骤")
	}
	v.sequence("steps", spec.Steps)
	v.failureChains()

	if err := v.result.ErrorOrNil(); err != nil {
		return &ValidationError{Errors: v.result.Errors}
	}
	return nil
}

// sequence 校验一个步骤序列
func (v *validator) sequence(path string, steps []*Step) {
	for i, step := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)
		if step == nil {
			v.addf(p, "步骤不能为空")
			continue
		}
		if step.ID != "" {
			p = fmt.Sprintf("%s(%s)", p, step.ID)
		}
		v.step(p, step)
	}
}

func (v *validator) step(path string, s *Step) {
	if s.ID == "" {
		v.addf(path, "缺少id")
	} else if !identPattern.MatchString(s.ID) {
		v.addf(path, "id %q 只能包含字母、数字、下划线和'-'", s.ID)
	} else if prev, dup := v.ids[s.ID]; dup {
		v.addf(path, "id %q 与 %s 重复", s.ID, prev)
	} else {
		v.ids[s.ID] = path
	}
	if s.SaveAs != "" && !identPattern.MatchString(s.SaveAs) {
		v.addf(path, "save_as %q 不是合法的标识符", s.SaveAs)
	}

	kinds := s.kinds()
	if len(kinds) != 1 {
		v.addf(path, "必须且只能声明一种步骤类型，实际声明了%d种", len(kinds))
		return
	}

	kind := kinds[0]
	if s.Retry != nil {
		if kind != StepKindHTTP && kind != StepKindPublish {
			v.addf(path, "retry只能用于http和kafka_publish步骤")
		}
		if s.Retry.MaxAttempts < 1 {
			v.addf(path, "retry.max_attempts必须大于0")
		}
		if s.Retry.DelaySeconds < 0 {
			v.addf(path, "retry.delay_seconds不能为负数")
		}
	}
	if s.OnFailure != nil {
		if kind != StepKindHTTP && kind != StepKindPublish && kind != StepKindCompensate {
			v.addf(path, "on_failure只能用于http、kafka_publish和compensate步骤")
		}
		if s.OnFailure.Compensate == "" {
			v.addf(path, "on_failure.compensate不能为空")
		}
		switch s.OnFailure.Then {
		case "", ThenFail, ThenContinue:
		default:
			v.addf(path, "on_failure.then只能是fail或continue")
		}
		v.failureRefs = append(v.failureRefs, s)
	}
	if w := s.EventWait(); w != nil {
		if w.Event == "" {
			v.addf(path, "wait_for_event.event不能为空")
		}
	}

	switch kind {
	case StepKindHTTP:
		v.http(path+".http", s.HTTP)
	case StepKindPublish:
		if strings.TrimSpace(s.KafkaPublish.Topic) == "" {
			v.addf(path, "kafka_publish.topic不能为空")
		}
		v.template(path+".kafka_publish.topic", s.KafkaPublish.Topic)
		v.template(path+".kafka_publish.key", s.KafkaPublish.Key)
		v.template(path+".kafka_publish.payload", s.KafkaPublish.Payload)
	case StepKindTimer:
		if s.Timer.Seconds < 0 {
			v.addf(path, "timer.seconds不能为负数")
		}
	case StepKindTask:
		if strings.TrimSpace(s.Task.Name) == "" {
			v.addf(path, "task.name不能为空")
		}
		v.template(path+".task.name", s.Task.Name)
		for i, role := range s.Task.CandidateRoles {
			v.template(fmt.Sprintf("%s.task.candidate_roles[%d]", path, i), role)
		}
		v.template(path+".task.payload", s.Task.Payload)
	case StepKindAssign:
		if len(s.Assign.Variables) == 0 {
			v.addf(path, "assign.variables不能为空")
		}
		for name, value := range s.Assign.Variables {
			if !identPattern.MatchString(name) {
				v.addf(path, "变量名 %q 不合法", name)
			}
			v.assignValue(fmt.Sprintf("%s.assign.variables.%s", path, name), value)
		}
	case StepKindSwitch:
		if len(s.Switch.Cases) == 0 {
			v.addf(path, "switch至少需要一个case")
		}
		for i, c := range s.Switch.Cases {
			cp := fmt.Sprintf("%s.switch.cases[%d]", path, i)
			if c == nil {
				v.addf(cp, "case不能为空")
				continue
			}
			v.expression(cp+".condition", c.Condition)
			v.sequence(cp+".steps", c.Steps)
		}
		v.sequence(path+".switch.default", s.Switch.Default)
	case StepKindParallel:
		if len(s.Parallel.Branches) == 0 {
			v.addf(path, "parallel至少需要一个分支")
		}
		switch s.Parallel.FailurePolicy {
		case "", FailFast, FailurePolicyAll:
		default:
			v.addf(path, "parallel.failure_policy只能是fail_fast或continue")
		}
		for i, b := range s.Parallel.Branches {
			bp := fmt.Sprintf("%s.parallel.branches[%d]", path, i)
			if b == nil {
				v.addf(bp, "分支不能为空")
				continue
			}
			if len(b.Steps) == 0 {
				v.addf(bp, "分支至少需要一个步骤")
			}
			v.sequence(bp+".steps", b.Steps)
		}
	case StepKindMap:
		v.expression(path+".map.input", s.Map.Input)
		if s.Map.Output != "" {
			v.expression(path+".map.output", s.Map.Output)
		}
		if s.Map.Concurrency < 0 {
			v.addf(path, "map.concurrency不能为负数")
		}
		for _, name := range []string{s.Map.As, s.Map.IndexAs} {
			if name != "" && !identPattern.MatchString(name) {
				v.addf(path, "map变量名 %q 不合法", name)
			}
		}
		if len(s.Map.Steps) == 0 {
			v.addf(path, "map.steps不能为空")
		}
		v.sequence(path+".map.steps", s.Map.Steps)
	case StepKindCompensate:
		if s.Compensate.HTTP == nil {
			v.addf(path, "compensate必须声明http调用")
			break
		}
		if s.Compensate.HTTP.WaitForEvent != nil {
			v.addf(path, "compensate不支持wait_for_event")
		}
		v.http(path+".compensate.http", s.Compensate.HTTP)
		if s.ID != "" {
			v.compensates[s.ID] = s
		}
	}
}

func (v *validator) http(path string, h *HTTPStep) {
	if strings.TrimSpace(h.URL) == "" {
		v.addf(path, "url不能为空")
	}
	if h.Method != "" && !allowedMethods[strings.ToUpper(h.Method)] {
		v.addf(path, "不支持的method %q", h.Method)
	}
	if h.TimeoutSeconds < 0 {
		v.addf(path, "timeout_seconds不能为负数")
	}
	v.template(path+".url", h.URL)
	for k, val := range h.Headers {
		v.template(path+".headers."+k, val)
	}
	v.template(path+".body", h.Body)
}

func (v *validator) template(path string, value any) {
	if err := expr.CheckTemplate(value); err != nil {
		v.addf(path, "%v", err)
	}
}

func (v *validator) expression(path, src string) {
	if strings.TrimSpace(src) == "" {
		v.addf(path, "表达式不能为空")
		return
	}
	if _, err := expr.Compile(src); err != nil {
		v.addf(path, "%v", err)
	}
}

func (v *validator) assignValue(path string, value any) {
	s, ok := value.(string)
	if !ok {
		v.template(path, value)
		return
	}
	if strings.Contains(s, "${") {
		v.template(path, s)
		return
	}
	v.expression(path, s)
}

// failureChains 校验on_failure引用的补偿步骤存在，且补偿链无环
func (v *validator) failureChains() {
	edges := make(map[string][]string)
	for _, s := range v.failureRefs {
		target := s.OnFailure.Compensate
		if target == "" {
			continue
		}
		if _, ok := v.compensates[target]; !ok {
			v.addf(s.ID, "on_failure.compensate引用的步骤 %q 不存在或不是compensate步骤", target)
			continue
		}
		if s.Compensate != nil {
			edges[s.ID] = append(edges[s.ID], target)
		}
	}
	if len(edges) == 0 {
		return
	}
	if err := dag.CheckAcyclic(edges); err != nil {
		v.addf("on_failure", "补偿链存在环: %v", err)
	}
}
