package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/LENAX/his-workflow/pkg/core/expr"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

// CorrelationVar 实例vars中用于事件关联的变量名
const CorrelationVar = "correlation_id"

// HandleEvent 把业务事件投递给等待它的实例（对外导出）
// correlationID非空时只唤醒ID或vars.correlation_id与之相等的实例，返回被唤醒的实例ID。
// 正在执行的实例会等它保存进度后再投递
func (e *Engine) HandleEvent(ctx context.Context, event string, payload any, correlationID string) ([]string, error) {
	if event == "" {
		return nil, fmt.Errorf("事件名不能为空")
	}
	insts, err := e.store.ListWaitingForEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("查询等待事件 %s 的实例失败: %w", event, err)
	}

	resumed := make([]string, 0, len(insts))
	for _, inst := range insts {
		if !correlates(inst, correlationID) {
			continue
		}
		_, err := e.resume(ctx, inst.ID, func(_ *workflow.Instance, cursor *workflow.Cursor) bool {
			return cursor.ResolveEvent(event, workflow.DeepCopy(payload))
		})
		if err != nil {
			if errors.Is(err, ErrNothingToResume) || errors.Is(err, ErrInvalidTransition) {
				// 已被其他事件或取消操作抢先处理
				continue
			}
			log.Printf("❌ [事件] 事件 %s 唤醒实例 %s 失败: %v", event, inst.ID, err)
			continue
		}
		resumed = append(resumed, inst.ID)
	}
	log.Printf("✅ [事件] 事件 %s 已处理，唤醒 %d 个实例", event, len(resumed))
	return resumed, nil
}

func correlates(inst *workflow.Instance, correlationID string) bool {
	if correlationID == "" || inst.ID == correlationID {
		return true
	}
	if inst.Context == nil {
		return false
	}
	v, ok := inst.Context.Vars[CorrelationVar]
	return ok && expr.Stringify(v) == correlationID
}
