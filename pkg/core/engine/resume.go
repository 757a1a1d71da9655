package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/plugin"
	"github.com/LENAX/his-workflow/pkg/storage"
)

var errInstanceBusy = errors.New("实例正在执行")

// resolveFunc 在抢占前修改游标（解决等待），返回false表示没有可以唤醒的等待
type resolveFunc func(inst *workflow.Instance, cursor *workflow.Cursor) bool

// resume 抢占WAITING实例并重新推进
// 实例仍在RUNNING（上一次tick尚未保存）或抢占时revision冲突时按指数退避重试
func (e *Engine) resume(ctx context.Context, id string, resolve resolveFunc) (*workflow.Instance, error) {
	return e.resumeAt(ctx, id, time.Time{}, resolve)
}

// resumeAt 同resume，dueAt非零时推进过程按该时间点判断定时等待是否到期
func (e *Engine) resumeAt(ctx context.Context, id string, dueAt time.Time, resolve resolveFunc) (*workflow.Instance, error) {
	var claimed *workflow.Instance

	operation := func() error {
		inst, err := e.store.GetInstance(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch inst.Status {
		case workflow.StatusRunning:
			return errInstanceBusy
		case workflow.StatusWaiting:
		default:
			return backoff.Permanent(fmt.Errorf("%w: 实例 %s 状态为 %s", ErrInvalidTransition, id, inst.Status))
		}

		cursor := inst.Cursor.Clone()
		if resolve != nil && !resolve(inst, cursor) {
			return backoff.Permanent(ErrNothingToResume)
		}
		rev, err := e.store.ClaimForRun(ctx, &storage.RunClaim{
			ID:               inst.ID,
			ExpectedRevision: inst.Revision,
			From:             []workflow.InstanceStatus{workflow.StatusWaiting},
			Cursor:           cursor,
			At:               e.now(),
		})
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		inst.Cursor = cursor
		inst.Revision = rev
		inst.Status = workflow.StatusRunning
		inst.NextWakeAt = nil
		inst.WaitingForEvents = nil
		claimed = inst
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 20 * time.Millisecond
	exp.MaxElapsedTime = e.cfg.ClaimRetryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(exp, ctx)); err != nil {
		return nil, err
	}

	log.Printf("✅ [引擎] 实例已唤醒: id=%s", id)
	e.trigger(ctx, plugin.EventInstanceResumed, claimed, plugin.PluginData{})
	if err := e.tickAt(ctx, claimed, dueAt); err != nil {
		return nil, err
	}
	return e.store.GetInstance(ctx, id)
}
