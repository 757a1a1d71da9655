package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/expr"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

// runLanes 并发推进所有仍活跃的lane，limit<=0表示不限制并发
// 每条lane只写自己的作用域，执行期间父作用域只读
func (r *run) runLanes(ctx context.Context, lanes []*workflow.Lane, stepsFor func(i int) []*dsl.Step, scope *workflow.Scope, path string, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, lane := range lanes {
		if !lane.Active() {
			continue
		}
		i, lane := i, lane
		if lane.Cursor == nil {
			lane.Cursor = workflow.NewCursor()
		}
		if lane.Scope == nil {
			lane.Scope = workflow.NewContext()
		}
		g.Go(func() error {
			laneScope := scope.Child(lane.Scope)
			state, err := r.runSeq(gctx, stepsFor(i), lane.Cursor, laneScope, fmt.Sprintf("%s/%d", path, i), false)
			switch state {
			case seqDone:
				lane.Done = true
			case seqFailed:
				if errors.Is(err, errTickLost) {
					return err
				}
				if err == nil {
					err = errors.New("未知错误")
				}
				lane.Failed = err.Error()
			}
			return nil
		})
	}
	return g.Wait()
}

// laneSummary 汇总lane状态
func laneSummary(lanes []*workflow.Lane) (active bool, failures []string) {
	for i, lane := range lanes {
		if lane.Failed != "" {
			failures = append(failures, fmt.Sprintf("分支%d: %s", i, lane.Failed))
		}
		if lane.Active() {
			active = true
		}
	}
	return active, failures
}

// execParallel 每个分支一条lane，全部完成后把各分支的ctx写入结果列表
func (r *run) execParallel(ctx context.Context, step *dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, path string) (stepState, error) {
	par := step.Parallel
	if cur.Frame == nil {
		lanes := make([]*workflow.Lane, len(par.Branches))
		for i := range par.Branches {
			lanes[i] = &workflow.Lane{Cursor: workflow.NewCursor(), Scope: workflow.NewContext()}
		}
		cur.Frame = &workflow.Frame{Kind: workflow.FrameParallel, Lanes: lanes}
	}
	if cur.Frame.Kind != workflow.FrameParallel || len(cur.Frame.Lanes) != len(par.Branches) {
		return stepFailed, fmt.Errorf("步骤 %s 游标帧与分支定义不一致", step.ID)
	}

	lanes := cur.Frame.Lanes
	stepsFor := func(i int) []*dsl.Step { return par.Branches[i].Steps }
	if err := r.runLanes(ctx, lanes, stepsFor, scope, path+"/"+step.ID, 0); err != nil {
		return stepFailed, err
	}

	active, failures := laneSummary(lanes)
	if len(failures) > 0 && !par.ContinueOnFailure() {
		return stepFailed, fmt.Errorf("步骤 %s 并行分支失败: %s", step.ID, strings.Join(failures, "; "))
	}
	if active {
		return stepBlocked, nil
	}

	results := make([]any, len(lanes))
	for i, lane := range lanes {
		if lane.Failed != "" {
			results[i] = map[string]any{"error": lane.Failed}
			continue
		}
		results[i] = workflow.DeepCopyMap(lane.Scope.Ctx)
	}
	// 分支的vars按分支顺序合并，后面的分支覆盖前面的
	for _, lane := range lanes {
		for k, v := range lane.Scope.Vars {
			scope.SetVar(k, v)
		}
		for k, rec := range lane.Scope.Compensations {
			scope.RecordCompensation(k, rec)
		}
	}
	scope.SetCtx(step.ResultKey(), results)
	return stepAdvance, nil
}

// execMap 对input列表的每个元素执行一条lane，列表在进入时求值一次
func (r *run) execMap(ctx context.Context, step *dsl.Step, cur *workflow.Cursor, scope *workflow.Scope, path string) (stepState, error) {
	m := step.Map
	if cur.Frame == nil {
		value, err := expr.Eval(m.Input, scope.Env())
		if err != nil {
			return stepFailed, fmt.Errorf("步骤 %s map.input求值失败: %w", step.ID, err)
		}
		items, ok := toList(value)
		if !ok {
			return stepFailed, fmt.Errorf("步骤 %s map.input的结果不是列表: %T", step.ID, value)
		}
		lanes := make([]*workflow.Lane, len(items))
		for i, item := range items {
			local := workflow.NewContext()
			local.Vars[m.ItemVar()] = workflow.DeepCopy(item)
			local.Vars[m.IndexVar()] = i
			lanes[i] = &workflow.Lane{Cursor: workflow.NewCursor(), Scope: local}
		}
		cur.Frame = &workflow.Frame{Kind: workflow.FrameMap, Lanes: lanes, Items: items}
	}
	if cur.Frame.Kind != workflow.FrameMap {
		return stepFailed, fmt.Errorf("步骤 %s 游标帧类型 %s 无效", step.ID, cur.Frame.Kind)
	}

	lanes := cur.Frame.Lanes
	limit := m.Concurrency
	if limit <= 0 {
		limit = 1
	}
	stepsFor := func(int) []*dsl.Step { return m.Steps }
	if err := r.runLanes(ctx, lanes, stepsFor, scope, path+"/"+step.ID, limit); err != nil {
		return stepFailed, err
	}

	active, failures := laneSummary(lanes)
	if len(failures) > 0 {
		return stepFailed, fmt.Errorf("步骤 %s map元素失败: %s", step.ID, strings.Join(failures, "; "))
	}
	if active {
		return stepBlocked, nil
	}

	results := make([]any, len(lanes))
	for i, lane := range lanes {
		if m.Output == "" {
			results[i] = workflow.DeepCopyMap(lane.Scope.Ctx)
			continue
		}
		out, err := expr.Eval(m.Output, scope.Child(lane.Scope).Env())
		if err != nil {
			return stepFailed, fmt.Errorf("步骤 %s 第%d个元素的output求值失败: %w", step.ID, i, err)
		}
		results[i] = workflow.DeepCopy(out)
	}
	scope.SetCtx(step.ResultKey(), results)
	return stepAdvance, nil
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	case nil:
		return []any{}, true
	}
	return nil, false
}
