package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/plugin"
	"github.com/LENAX/his-workflow/pkg/storage"
)

// errTickLost 保存进度时revision冲突，实例已被取消或被其他执行者推进
var errTickLost = errors.New("实例已被并发修改")

// seqState 序列执行结果
type seqState int

const (
	// seqDone 序列执行完毕
	seqDone seqState = iota
	// seqBlocked 序列阻塞在等待上
	seqBlocked
	// seqFailed 序列执行失败
	seqFailed
)

// stepState 单个步骤的执行结果
type stepState int

const (
	stepAdvance stepState = iota
	stepBlocked
	stepFailed
	// stepRepeat 立即重新执行当前步骤（无延迟重试）
	stepRepeat
)

// run 一次tick的执行状态，只在tick期间存在
type run struct {
	e        *Engine
	inst     *workflow.Instance
	revision int64
	// dueAt 定时器轮询给定的时间点，晚于引擎时钟时按它判断等待是否到期
	dueAt time.Time
}

// tick 从游标位置推进实例，直到完成、阻塞或失败（调用前实例必须已被抢占为RUNNING）
// 每个退出路径都会保存进度
func (e *Engine) tick(ctx context.Context, inst *workflow.Instance) error {
	return e.tickAt(ctx, inst, time.Time{})
}

func (e *Engine) tickAt(ctx context.Context, inst *workflow.Instance, dueAt time.Time) error {
	if inst.Spec == nil {
		return e.finish(ctx, &run{e: e, inst: inst, revision: inst.Revision}, seqFailed, fmt.Errorf("实例缺少spec快照"))
	}
	if inst.Context == nil {
		inst.Context = workflow.NewContext()
	}
	if inst.Cursor == nil {
		inst.Cursor = workflow.NewCursor()
	}

	r := &run{e: e, inst: inst, revision: inst.Revision, dueAt: dueAt}
	scope := workflow.NewRootScope(inst.Context, inst.Input, inst.ID, inst.TemplateCode)
	state, err := r.runSeq(ctx, inst.Spec.Steps, inst.Cursor, scope, "", true)
	for state == seqBlocked {
		// 执行期间完成的任务无法抢占实例，进入等待前先合并
		n, rerr := e.resolveCompletedTasks(ctx, inst.Cursor)
		if rerr != nil {
			log.Printf("⚠️ [引擎] 实例 %s 检查已完成任务失败: %v", inst.ID, rerr)
		}
		if n == 0 {
			break
		}
		log.Printf("✅ [引擎] 实例 %s 合并 %d 个执行期间完成的任务", inst.ID, n)
		state, err = r.runSeq(ctx, inst.Spec.Steps, inst.Cursor, scope, "", true)
	}
	if errors.Is(err, errTickLost) {
		log.Printf("⚠️ [引擎] 实例 %s 停止本次执行: %v", inst.ID, err)
		return nil
	}
	return e.finish(ctx, r, state, err)
}

// finish 按序列结果保存最终进度
func (e *Engine) finish(ctx context.Context, r *run, state seqState, cause error) error {
	inst := r.inst
	update := &storage.ProgressUpdate{
		ID:               inst.ID,
		ExpectedRevision: r.revision,
		Cursor:           inst.Cursor,
		Context:          inst.Context,
		At:               e.now(),
	}
	var event plugin.TriggerEvent
	switch state {
	case seqDone:
		update.Status = workflow.StatusCompleted
		event = plugin.EventInstanceCompleted
	case seqBlocked:
		update.Status = workflow.StatusWaiting
		update.NextWakeAt = inst.Cursor.EarliestWake()
		update.WaitingForEvents = inst.Cursor.WaitingEvents()
		event = plugin.EventInstanceWaiting
	default:
		update.Status = workflow.StatusFailed
		if cause == nil {
			cause = errors.New("未知错误")
		}
		update.Error = cause.Error()
		event = plugin.EventInstanceFailed
	}

	rev, err := e.store.SaveProgress(ctx, update)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Printf("⚠️ [引擎] 实例 %s 保存进度冲突，本次结果丢弃", inst.ID)
			return nil
		}
		return fmt.Errorf("保存实例进度失败: id=%s, %w", inst.ID, err)
	}
	inst.Revision = rev
	inst.Status = update.Status
	inst.Error = update.Error
	inst.NextWakeAt = update.NextWakeAt
	inst.WaitingForEvents = update.WaitingForEvents

	switch state {
	case seqDone:
		log.Printf("✅ [引擎] 实例执行完成: id=%s", inst.ID)
	case seqBlocked:
		log.Printf("⏸️ [引擎] 实例进入等待: id=%s, events=%v", inst.ID, update.WaitingForEvents)
	default:
		log.Printf("❌ [引擎] 实例执行失败: id=%s, error=%s", inst.ID, update.Error)
	}
	e.trigger(ctx, event, inst, plugin.PluginData{Error: cause})
	return nil
}

// checkpoint 保存RUNNING状态的中间进度
func (r *run) checkpoint(ctx context.Context) error {
	rev, err := r.e.store.SaveProgress(ctx, &storage.ProgressUpdate{
		ID:               r.inst.ID,
		ExpectedRevision: r.revision,
		Status:           workflow.StatusRunning,
		Cursor:           r.inst.Cursor,
		Context:          r.inst.Context,
		WaitingForEvents: r.inst.Cursor.WaitingEvents(),
		At:               r.e.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: %v", errTickLost, err)
		}
		return fmt.Errorf("保存检查点失败: %w", err)
	}
	r.revision = rev
	return nil
}

// runSeq 从cur.Step开始顺序执行steps
// top为true时是实例的顶层序列，每完成一个步骤保存一次检查点
func (r *run) runSeq(ctx context.Context, steps []*dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, path string, top bool) (seqState, error) {
	for cur.Step < len(steps) {
		if err := ctx.Err(); err != nil {
			// 实例保持RUNNING，由Recover重新推进
			return seqFailed, fmt.Errorf("%w: %v", errTickLost, err)
		}
		step := steps[cur.Step]
		state, err := r.execStep(ctx, step, cur, scope, path)
		switch state {
		case stepRepeat:
			continue
		case stepBlocked:
			return seqBlocked, nil
		case stepFailed:
			return seqFailed, err
		}

		cur.Step++
		cur.Attempt = 0
		cur.Wait = nil
		cur.Frame = nil
		if top && r.e.cfg.Checkpoint && cur.Step < len(steps) {
			if err := r.checkpoint(ctx); err != nil {
				if errors.Is(err, errTickLost) {
					return seqFailed, err
				}
				log.Printf("⚠️ [引擎] 实例 %s %v", r.inst.ID, err)
			}
		}
	}
	return seqDone, nil
}

// execStep 按步骤类型分发
func (r *run) execStep(ctx context.Context, step *dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, path string) (stepState, error) {
	switch step.Kind() {
	case dsl.StepKindAssign:
		return r.execAssign(step, scope)
	case dsl.StepKindHTTP, dsl.StepKindPublish:
		return r.execCall(ctx, step, cur, scope, path)
	case dsl.StepKindTimer:
		return r.execTimer(step, cur)
	case dsl.StepKindTask:
		return r.execTask(ctx, step, cur, scope, path)
	case dsl.StepKindSwitch:
		return r.execSwitch(ctx, step, cur, scope, path)
	case dsl.StepKindParallel:
		return r.execParallel(ctx, step, cur, scope, path)
	case dsl.StepKindMap:
		return r.execMap(ctx, step, cur, scope, path)
	case dsl.StepKindCompensate:
		// 只在失败回滚路径上执行
		return stepAdvance, nil
	default:
		return stepFailed, fmt.Errorf("步骤 %s 类型无效", step.ID)
	}
}
