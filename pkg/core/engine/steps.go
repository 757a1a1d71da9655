package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LENAX/his-workflow/pkg/core/breaker"
	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/expr"
	"github.com/LENAX/his-workflow/pkg/core/saga"
	"github.com/LENAX/his-workflow/pkg/core/types"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/plugin"
	"github.com/LENAX/his-workflow/pkg/storage"
)

// DefaultPublishService kafka_publish步骤未声明service时使用的熔断器key
const DefaultPublishService = "publisher"

// idempotencyKey 下游去重用的幂等键
func (r *run) idempotencyKey(stepID string) string {
	return r.inst.ID + ":" + stepID
}

// execAssign 按变量名排序求值并写入vars
func (r *run) execAssign(step *dsl.Step, scope *workflow.Scope) (stepState, error) {
	names := make([]string, 0, len(step.Assign.Variables))
	for name := range step.Assign.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	env := scope.Env()
	for _, name := range names {
		raw := step.Assign.Variables[name]
		var (
			value any
			err   error
		)
		switch v := raw.(type) {
		case string:
			if strings.Contains(v, "${") {
				value, err = expr.RenderString(v, env)
			} else {
				value, err = expr.Eval(v, env)
			}
		default:
			value = workflow.DeepCopy(v)
		}
		if err != nil {
			return stepFailed, fmt.Errorf("步骤 %s 变量 %s 求值失败: %w", step.ID, name, err)
		}
		scope.SetVar(name, value)
	}
	return stepAdvance, nil
}

// execCall 执行http/kafka_publish步骤，处理重试等待和事件等待
func (r *run) execCall(ctx context.Context, step *dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, path string) (stepState, error) {
	if w := cur.Wait; w != nil {
		switch w.Kind {
		case workflow.WaitRetry:
			if !r.due(w) {
				return stepBlocked, nil
			}
			cur.Wait = nil
		case workflow.WaitEvent:
			if !w.Resolved {
				return stepBlocked, nil
			}
			key := w.ResponseKey
			if key == "" {
				key = step.ResultKey()
			}
			scope.SetCtx(key, w.Result)
			return stepAdvance, nil
		default:
			return stepFailed, fmt.Errorf("步骤 %s 游标等待类型 %s 无效", step.ID, w.Kind)
		}
	}

	result, err := r.call(ctx, step, scope)
	if err != nil {
		return r.handleFailure(ctx, step, cur, scope, err)
	}
	scope.SetCtx(step.ResultKey(), result)

	if ew := step.EventWait(); ew != nil {
		cur.Wait = &workflow.Wait{
			Kind:        workflow.WaitEvent,
			Event:       ew.Event,
			ResponseKey: ew.ResponseKey,
		}
		return stepBlocked, nil
	}
	return stepAdvance, nil
}

// call 发起外部调用，熔断器打开时直接失败
func (r *run) call(ctx context.Context, step *dsl.Step, scope *workflow.Scope) (any, error) {
	switch {
	case step.HTTP != nil:
		return r.callHTTP(ctx, step.ID, step.HTTP, scope)
	case step.Compensate != nil:
		return r.callHTTP(ctx, step.ID, step.Compensate.HTTP, scope)
	case step.KafkaPublish != nil:
		return r.publish(ctx, step, scope)
	}
	return nil, fmt.Errorf("步骤 %s 不是调用类步骤", step.ID)
}

func (r *run) callHTTP(ctx context.Context, stepID string, h *dsl.HTTPStep, scope *workflow.Scope) (any, error) {
	env := scope.Env()
	method := h.Method
	if method == "" {
		method = "GET"
	}
	rawURL, err := expr.RenderText(h.URL, env)
	if err != nil {
		return nil, fmt.Errorf("渲染url失败: %w", err)
	}
	headers := make(map[string]string, len(h.Headers))
	for k, v := range h.Headers {
		rendered, err := expr.RenderText(v, env)
		if err != nil {
			return nil, fmt.Errorf("渲染header %s 失败: %w", k, err)
		}
		headers[k] = rendered
	}
	body, err := expr.Render(h.Body, env)
	if err != nil {
		return nil, fmt.Errorf("渲染body失败: %w", err)
	}

	service := h.Service
	if service == "" {
		service = serviceFromURL(rawURL)
	}
	if !r.e.breaker.CanCall(service) {
		return nil, fmt.Errorf("服务 %s: %w", service, breaker.ErrCircuitOpen)
	}

	timeout := r.e.cfg.StepTimeout
	if h.TimeoutSeconds > 0 {
		timeout = time.Duration(h.TimeoutSeconds) * time.Second
	}
	resp, err := r.e.sender.Send(ctx, &types.HTTPRequest{
		Method:         strings.ToUpper(method),
		URL:            rawURL,
		Headers:        headers,
		Body:           body,
		Timeout:        timeout,
		IdempotencyKey: r.idempotencyKey(stepID),
	})
	if err != nil {
		r.e.breaker.RecordFailure(service)
		return nil, fmt.Errorf("调用 %s %s 失败: %w", method, rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.e.breaker.RecordFailure(service)
		return nil, fmt.Errorf("调用 %s %s 返回状态码 %d", method, rawURL, resp.StatusCode)
	}
	r.e.breaker.RecordSuccess(service)
	return map[string]any{
		"status": resp.StatusCode,
		"body":   resp.Body,
	}, nil
}

func serviceFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func (r *run) publish(ctx context.Context, step *dsl.Step, scope *workflow.Scope) (any, error) {
	p := step.KafkaPublish
	env := scope.Env()
	topic, err := expr.RenderText(p.Topic, env)
	if err != nil {
		return nil, fmt.Errorf("渲染topic失败: %w", err)
	}
	key, err := expr.RenderText(p.Key, env)
	if err != nil {
		return nil, fmt.Errorf("渲染key失败: %w", err)
	}
	payload, err := expr.Render(p.Payload, env)
	if err != nil {
		return nil, fmt.Errorf("渲染payload失败: %w", err)
	}

	service := p.Service
	if service == "" {
		service = DefaultPublishService
	}
	if !r.e.breaker.CanCall(service) {
		return nil, fmt.Errorf("服务 %s: %w", service, breaker.ErrCircuitOpen)
	}
	pubCtx, cancel := context.WithTimeout(ctx, r.e.cfg.StepTimeout)
	defer cancel()
	err = r.e.publisher.Publish(pubCtx, &types.OutboundMessage{
		Topic:          topic,
		Key:            key,
		Payload:        payload,
		IdempotencyKey: r.idempotencyKey(step.ID),
	})
	if err != nil {
		r.e.breaker.RecordFailure(service)
		return nil, fmt.Errorf("发布消息到 %s 失败: %w", topic, err)
	}
	r.e.breaker.RecordSuccess(service)
	return map[string]any{"topic": topic, "key": key}, nil
}

// handleFailure 调用失败后依次尝试重试、补偿，都不适用时步骤失败
// Attempt记录已经失败的次数，max_attempts包含第一次调用
func (r *run) handleFailure(ctx context.Context, step *dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, cause error) (stepState, error) {
	log.Printf("⚠️ [引擎] 实例 %s 步骤 %s 调用失败(第%d次): %v", r.inst.ID, step.ID, cur.Attempt+1, cause)
	r.e.trigger(ctx, plugin.EventStepFailed, r.inst, plugin.PluginData{StepID: step.ID, Error: cause})

	if step.Retry != nil && cur.Attempt+1 < step.Retry.MaxAttempts {
		cur.Attempt++
		r.e.trigger(ctx, plugin.EventStepRetrying, r.inst, plugin.PluginData{
			StepID: step.ID,
			Error:  cause,
			Data:   map[string]any{"attempt": cur.Attempt},
		})
		if step.Retry.DelaySeconds <= 0 {
			return stepRepeat, nil
		}
		wake := r.e.now().Add(time.Duration(step.Retry.DelaySeconds) * time.Second)
		cur.Wait = &workflow.Wait{Kind: workflow.WaitRetry, WakeAt: &wake}
		return stepBlocked, nil
	}

	if step.OnFailure == nil {
		return stepFailed, fmt.Errorf("步骤 %s 执行失败: %w", step.ID, cause)
	}
	if err := r.compensate(ctx, step, scope, cause); err != nil {
		return stepFailed, err
	}
	if step.OnFailure.FailAfterCompensation() {
		return stepFailed, fmt.Errorf("步骤 %s 执行失败，已执行补偿 %s: %w", step.ID, step.OnFailure.Compensate, cause)
	}
	scope.SetCtx(step.ResultKey(), map[string]any{
		"error":       cause.Error(),
		"compensated": true,
	})
	return stepAdvance, nil
}

// compensate 执行失败步骤引用的compensate步骤，并记录补偿状态
// 补偿调用本身失败时沿着它自己的on_failure继续补偿，最终返回错误
func (r *run) compensate(ctx context.Context, failed *dsl.Step, scope *workflow.Scope, cause error) error {
	compID := failed.OnFailure.Compensate
	comp := r.inst.Spec.FindStep(compID)
	if comp == nil || comp.Compensate == nil {
		return fmt.Errorf("步骤 %s 引用的补偿步骤 %s 不存在", failed.ID, compID)
	}

	rec := saga.NewRecord(failed.ID, compID, cause.Error(), r.e.now())
	rec.Transition(saga.CompensationStateCompensating, r.e.now())
	scope.RecordCompensation(failed.ID, rec)

	result, err := r.call(ctx, comp, scope)
	if err == nil {
		rec.Result = result
		rec.Transition(saga.CompensationStateCompensated, r.e.now())
		log.Printf("✅ [引擎] 实例 %s 步骤 %s 补偿完成: %s", r.inst.ID, failed.ID, compID)
		r.e.trigger(ctx, plugin.EventStepCompensated, r.inst, plugin.PluginData{
			StepID: failed.ID,
			Status: string(rec.State),
			Data:   map[string]any{"compensate_step": compID},
		})
		return nil
	}

	rec.Error = err.Error()
	rec.Transition(saga.CompensationStateFailed, r.e.now())
	log.Printf("❌ [引擎] 实例 %s 步骤 %s 补偿失败: %v", r.inst.ID, failed.ID, err)
	r.e.trigger(ctx, plugin.EventStepCompensated, r.inst, plugin.PluginData{
		StepID: failed.ID,
		Status: string(rec.State),
		Error:  err,
		Data:   map[string]any{"compensate_step": compID},
	})
	if comp.OnFailure != nil {
		if chainErr := r.compensate(ctx, comp, scope, err); chainErr != nil {
			return chainErr
		}
	}
	return fmt.Errorf("步骤 %s 补偿失败: %w", failed.ID, err)
}

// execTimer 首次执行时记录唤醒时间，到期后前进
func (r *run) execTimer(step *dsl.Step, cur *workflow.Cursor) (stepState, error) {
	if cur.Wait == nil {
		wake := r.e.now().Add(time.Duration(step.Timer.Seconds) * time.Second)
		cur.Wait = &workflow.Wait{Kind: workflow.WaitTimer, WakeAt: &wake}
	}
	if cur.Wait.Kind != workflow.WaitTimer {
		return stepFailed, fmt.Errorf("步骤 %s 游标等待类型 %s 无效", step.ID, cur.Wait.Kind)
	}
	if !r.due(cur.Wait) {
		return stepBlocked, nil
	}
	return stepAdvance, nil
}

// due 定时等待是否已到期
func (r *run) due(w *workflow.Wait) bool {
	if w.WakeAt == nil {
		return true
	}
	now := r.e.now()
	if r.dueAt.After(now) {
		now = r.dueAt
	}
	return !now.Before(*w.WakeAt)
}

// taskID 由实例ID和步骤路径派生，重复执行同一步骤时得到同一个任务
func taskID(instanceID, path, stepID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(instanceID+"/"+path+"/"+stepID)).String()
}

// execTask 首次执行时创建人工任务，任务完成后输出写入ctx
func (r *run) execTask(ctx context.Context, step *dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, path string) (stepState, error) {
	if w := cur.Wait; w != nil {
		if w.Kind != workflow.WaitTask {
			return stepFailed, fmt.Errorf("步骤 %s 游标等待类型 %s 无效", step.ID, w.Kind)
		}
		if !w.Resolved {
			return stepBlocked, nil
		}
		scope.SetCtx(step.ResultKey(), w.Result)
		return stepAdvance, nil
	}

	env := scope.Env()
	name, err := expr.RenderText(step.Task.Name, env)
	if err != nil {
		return stepFailed, fmt.Errorf("步骤 %s 渲染任务名称失败: %w", step.ID, err)
	}
	roles := make([]string, 0, len(step.Task.CandidateRoles))
	for _, role := range step.Task.CandidateRoles {
		rendered, err := expr.RenderText(role, env)
		if err != nil {
			return stepFailed, fmt.Errorf("步骤 %s 渲染候选角色失败: %w", step.ID, err)
		}
		if rendered != "" {
			roles = append(roles, rendered)
		}
	}
	payload, err := expr.Render(step.Task.Payload, env)
	if err != nil {
		return stepFailed, fmt.Errorf("步骤 %s 渲染任务payload失败: %w", step.ID, err)
	}

	task := &workflow.Task{
		ID:             taskID(r.inst.ID, path, step.ID),
		InstanceID:     r.inst.ID,
		StepID:         step.ID,
		Name:           name,
		CandidateRoles: roles,
		Payload:        payload,
		Status:         workflow.TaskStatusReady,
		CreatedAt:      r.e.now(),
	}
	if err := r.e.store.CreateTask(ctx, task); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return stepFailed, fmt.Errorf("步骤 %s 创建人工任务失败: %w", step.ID, err)
		}
		// 崩溃恢复后重复执行：任务已存在，若已完成则直接取输出
		existing, getErr := r.e.store.GetTask(ctx, task.ID)
		if getErr != nil {
			return stepFailed, fmt.Errorf("步骤 %s 查询人工任务失败: %w", step.ID, getErr)
		}
		task = existing
	} else {
		log.Printf("✅ [引擎] 实例 %s 创建人工任务: id=%s, name=%s", r.inst.ID, task.ID, task.Name)
		r.e.trigger(ctx, plugin.EventTaskCreated, r.inst, plugin.PluginData{StepID: step.ID, TaskID: task.ID})
	}

	cur.Wait = &workflow.Wait{Kind: workflow.WaitTask, TaskID: task.ID}
	if task.Status == workflow.TaskStatusCompleted {
		cur.Wait.Resolved = true
		cur.Wait.Result = taskOutput(task.Output)
		scope.SetCtx(step.ResultKey(), cur.Wait.Result)
		return stepAdvance, nil
	}
	return stepBlocked, nil
}

func taskOutput(out map[string]any) map[string]any {
	if out == nil {
		return map[string]any{}
	}
	return out
}

// execSwitch 选择第一个成立的case，选中后的位置记录在branch帧中
func (r *run) execSwitch(ctx context.Context, step *dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, path string) (stepState, error) {
	sw := step.Switch
	if cur.Frame == nil {
		env := scope.Env()
		selected := workflow.DefaultCase
		for i, c := range sw.Cases {
			ok, err := expr.EvalBool(c.Condition, env)
			if err != nil {
				return stepFailed, fmt.Errorf("步骤 %s 第%d个条件求值失败: %w", step.ID, i, err)
			}
			if ok {
				selected = i
				break
			}
		}
		if selected == workflow.DefaultCase && len(sw.Default) == 0 {
			return stepAdvance, nil
		}
		cur.Frame = &workflow.Frame{Kind: workflow.FrameBranch, Case: selected, Inner: workflow.NewCursor()}
	}
	if cur.Frame.Kind != workflow.FrameBranch {
		return stepFailed, fmt.Errorf("步骤 %s 游标帧类型 %s 无效", step.ID, cur.Frame.Kind)
	}

	steps := sw.Default
	branch := "default"
	if cur.Frame.Case != workflow.DefaultCase {
		if cur.Frame.Case < 0 || cur.Frame.Case >= len(sw.Cases) {
			return stepFailed, fmt.Errorf("步骤 %s 游标case %d 越界", step.ID, cur.Frame.Case)
		}
		steps = sw.Cases[cur.Frame.Case].Steps
		branch = fmt.Sprintf("case%d", cur.Frame.Case)
	}
	if cur.Frame.Inner == nil {
		cur.Frame.Inner = workflow.NewCursor()
	}

	state, err := r.runSeq(ctx, steps, cur.Frame.Inner, scope, path+"/"+step.ID+"/"+branch, false)
	switch state {
	case seqDone:
		return stepAdvance, nil
	case seqBlocked:
		return stepBlocked, nil
	default:
		return stepFailed, err
	}
}
