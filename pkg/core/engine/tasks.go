package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/plugin"
	"github.com/LENAX/his-workflow/pkg/storage"
)

// GetTask 查询人工任务
func (e *Engine) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListInstanceTasks 按创建时间列出实例的人工任务
func (e *Engine) ListInstanceTasks(ctx context.Context, instanceID string) ([]*workflow.Task, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListTasksByInstance(ctx, instanceID)
}

// ListReadyTasks 待认领任务，role为空时返回全部
func (e *Engine) ListReadyTasks(ctx context.Context, role string, limit int) ([]*workflow.Task, error) {
	return e.store.ListReadyTasks(ctx, role, limit)
}

// ClaimTask 认领任务（对外导出）
// 多个用户同时认领时只有一个成功，其余返回 storage.ErrTaskNotClaimable
func (e *Engine) ClaimTask(ctx context.Context, id, user string, roles []string) (*workflow.Task, error) {
	if user == "" {
		return nil, fmt.Errorf("认领人不能为空")
	}
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.AllowsRoles(roles) {
		return nil, fmt.Errorf("%w: task=%s, user=%s", ErrRoleNotAllowed, id, user)
	}
	if err := e.store.ClaimTask(ctx, id, user, e.now()); err != nil {
		return nil, err
	}
	task, err = e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [任务] 任务已认领: id=%s, user=%s", id, user)
	e.trigger(ctx, plugin.EventTaskClaimed, nil, plugin.PluginData{
		InstanceID: task.InstanceID,
		StepID:     task.StepID,
		TaskID:     task.ID,
		User:       user,
		Status:     string(task.Status),
	})
	return task, nil
}

// CompleteTask 完成任务并唤醒所属实例（对外导出）
// 任务输出先落库；实例正在执行时由该次执行在进入等待前合并，
// 进程在唤醒前退出时由Recover从任务表中取回输出
func (e *Engine) CompleteTask(ctx context.Context, id, user string, roles []string, output map[string]any) (*workflow.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.AllowsRoles(roles) {
		return nil, fmt.Errorf("%w: task=%s, user=%s", ErrRoleNotAllowed, id, user)
	}
	output = taskOutput(output)
	if err := e.store.CompleteTask(ctx, &storage.TaskCompletion{
		ID:     id,
		User:   user,
		Output: output,
		At:     e.now(),
	}); err != nil {
		return nil, err
	}
	task, err = e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [任务] 任务已完成: id=%s, instance=%s, step=%s", id, task.InstanceID, task.StepID)
	e.trigger(ctx, plugin.EventTaskCompleted, nil, plugin.PluginData{
		InstanceID: task.InstanceID,
		StepID:     task.StepID,
		TaskID:     task.ID,
		User:       user,
		Status:     string(task.Status),
	})

	_, err = e.resume(ctx, task.InstanceID, func(_ *workflow.Instance, cursor *workflow.Cursor) bool {
		return cursor.ResolveTask(task.ID, output)
	})
	if err != nil {
		if errors.Is(err, ErrNothingToResume) || errors.Is(err, ErrInvalidTransition) {
			log.Printf("⚠️ [任务] 任务 %s 完成，但实例 %s 不再等待该任务: %v", id, task.InstanceID, err)
			return task, nil
		}
		if errors.Is(err, errInstanceBusy) {
			log.Printf("⚠️ [任务] 任务 %s 完成，实例 %s 正在执行，由本次执行合并输出", id, task.InstanceID)
			return task, nil
		}
		return task, fmt.Errorf("唤醒实例 %s 失败: %w", task.InstanceID, err)
	}
	return task, nil
}

// resolveCompletedTasks 把游标中任务表里已完成的任务等待标记为已解决，返回解决的数量
func (e *Engine) resolveCompletedTasks(ctx context.Context, cursor *workflow.Cursor) (int, error) {
	resolved := 0
	for _, w := range cursor.PendingWaits() {
		if w.Kind != workflow.WaitTask {
			continue
		}
		task, err := e.store.GetTask(ctx, w.TaskID)
		if err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				continue
			}
			return resolved, err
		}
		if task.Status != workflow.TaskStatusCompleted {
			continue
		}
		w.Resolved = true
		w.Result = taskOutput(task.Output)
		resolved++
	}
	return resolved, nil
}
