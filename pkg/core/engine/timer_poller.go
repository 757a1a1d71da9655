package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

// TimerPoller 定时器轮询器（对外导出）
// 按固定间隔扫描到期的WAITING实例并唤醒，上一次扫描未结束时跳过本次
type TimerPoller struct {
	engine   *Engine
	interval time.Duration
	cron     *cron.Cron
	entry    cron.EntryID
	running  bool
	mu       sync.Mutex
}

func newTimerPoller(eng *Engine, interval time.Duration) *TimerPoller {
	return &TimerPoller{engine: eng, interval: interval}
}

// Start 启动轮询（对外导出）
func (tp *TimerPoller) Start(ctx context.Context) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", tp.interval)
	entry, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := tp.engine.PollTimers(ctx, tp.engine.now()); err != nil {
			log.Printf("❌ [定时器] 轮询失败: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("添加轮询任务失败: %w", err)
	}
	c.Start()
	tp.cron = c
	tp.entry = entry
	tp.running = true
	log.Printf("✅ [定时器] 已启动，间隔 %s", tp.interval)
	return nil
}

// Stop 停止轮询并等待正在执行的扫描结束（对外导出）
func (tp *TimerPoller) Stop() {
	tp.mu.Lock()
	if !tp.running {
		tp.mu.Unlock()
		return
	}
	c := tp.cron
	tp.running = false
	tp.cron = nil
	tp.mu.Unlock()

	c.Remove(tp.entry)
	<-c.Stop().Done()
	log.Println("✅ [定时器] 已停止")
}

// IsRunning 是否正在轮询
func (tp *TimerPoller) IsRunning() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.running
}

// PollTimers 唤醒next_wake_at<=now的实例，返回唤醒的数量（对外导出）
// 在截止时间之前调用不会产生任何效果；被唤醒的实例同样按now判断定时等待是否到期
func (e *Engine) PollTimers(ctx context.Context, now time.Time) (int, error) {
	insts, err := e.store.ListDueTimers(ctx, now, e.cfg.TimerBatch)
	if err != nil {
		return 0, fmt.Errorf("查询到期实例失败: %w", err)
	}
	woken := 0
	for _, inst := range insts {
		_, err := e.resumeAt(ctx, inst.ID, now, func(_ *workflow.Instance, cursor *workflow.Cursor) bool {
			wake := cursor.EarliestWake()
			return wake != nil && !now.Before(*wake)
		})
		if err != nil {
			if errors.Is(err, ErrNothingToResume) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			log.Printf("❌ [定时器] 唤醒实例 %s 失败: %v", inst.ID, err)
			continue
		}
		woken++
	}
	if woken > 0 {
		log.Printf("✅ [定时器] 本次唤醒 %d 个实例", woken)
	}
	return woken, nil
}
