package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/LENAX/his-workflow/pkg/core/breaker"
	"github.com/LENAX/his-workflow/pkg/core/cache"
	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/types"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/plugin"
	"github.com/LENAX/his-workflow/pkg/storage"
)

var (
	// ErrInvalidTransition 实例当前状态不允许该操作
	ErrInvalidTransition = errors.New("非法的状态迁移")
	// ErrRoleNotAllowed 用户角色不在任务的候选角色中
	ErrRoleNotAllowed = errors.New("用户角色无权处理该任务")
	// ErrNothingToResume 实例没有可以唤醒的等待
	ErrNothingToResume = errors.New("实例没有匹配的等待")
)

// Engine 工作流编排引擎（对外导出）
// 引擎本身不持有任何实例的执行状态，所有状态都在存储中，
// 同一实例的并发推进由存储层的revision条件更新保证互斥。
type Engine struct {
	store     storage.Store
	cfg       Config
	clock     clock.Clock
	sender    types.Sender
	publisher types.Publisher
	breaker   *breaker.Breaker
	plugins   plugin.PluginManager
	templates cache.TemplateCache
	poller    *TimerPoller

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// New 创建引擎（对外导出）
func New(store storage.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("存储不能为空")
	}
	e := &Engine{
		store: store,
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.applyDefaults()
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.breaker == nil {
		e.breaker = breaker.New(breaker.Config{}, e.clock)
	}
	if e.plugins == nil {
		e.plugins = plugin.NewPluginManager()
	}
	if e.templates == nil {
		e.templates = cache.NewTemplateCache(0, 0)
	}
	if e.sender == nil {
		e.sender = types.SenderFunc(func(ctx context.Context, req *types.HTTPRequest) (*types.HTTPResponse, error) {
			return nil, fmt.Errorf("未配置HTTP调用协作方")
		})
	}
	if e.publisher == nil {
		e.publisher = types.PublisherFunc(func(ctx context.Context, msg *types.OutboundMessage) error {
			return fmt.Errorf("未配置消息发布协作方")
		})
	}
	e.poller = newTimerPoller(e, e.cfg.TimerPollInterval)
	return e, nil
}

// Start 启动引擎（对外导出）
// 启动时恢复遗留的实例，恢复失败只记录日志，不阻止启动
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	if ev, ok := e.templates.(interface{ StartEviction(context.Context) }); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ev.StartEviction(runCtx)
		}()
	}

	if e.cfg.RecoverOnStart {
		if n, err := e.Recover(ctx); err != nil {
			log.Printf("⚠️ [引擎] 恢复实例失败: %v", err)
		} else if n > 0 {
			log.Printf("✅ [引擎] 已恢复 %d 个实例", n)
		}
	}

	if err := e.poller.Start(runCtx); err != nil {
		cancel()
		e.wg.Wait()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("启动定时器轮询失败: %w", err)
	}
	log.Println("✅ [引擎] 工作流引擎已启动")
	return nil
}

// Stop 停止引擎（对外导出）
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.poller.Stop()
	cancel()
	e.wg.Wait()
	log.Println("✅ [引擎] 工作流引擎已停止")
}

// Breakers 熔断器状态快照
func (e *Engine) Breakers() []breaker.Snapshot {
	return e.breaker.Snapshot()
}

// Plugins 插件管理器
func (e *Engine) Plugins() plugin.PluginManager {
	return e.plugins
}

// Poller 定时器轮询器
func (e *Engine) Poller() *TimerPoller {
	return e.poller
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// UpsertTemplate 校验并保存模板（对外导出）
func (e *Engine) UpsertTemplate(ctx context.Context, code, name string, version int, spec *dsl.Spec) (*workflow.Template, error) {
	var problems []error
	if strings.TrimSpace(code) == "" {
		problems = append(problems, errors.New("code不能为空"))
	}
	if version < 1 {
		problems = append(problems, errors.New("version必须大于等于1"))
	}
	if spec == nil {
		problems = append(problems, errors.New("spec不能为空"))
	}
	if len(problems) > 0 {
		return nil, dsl.NewValidationError(problems...)
	}
	if err := dsl.Validate(spec); err != nil {
		return nil, err
	}
	if name == "" {
		name = spec.Name
	}
	if name == "" {
		name = code
	}

	now := e.now()
	tpl := &workflow.Template{
		Code:      code,
		Name:      name,
		Version:   version,
		Spec:      spec,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.UpsertTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("保存模板失败: code=%s, %w", code, err)
	}
	e.templates.Delete(code)
	log.Printf("✅ [引擎] 模板已保存: code=%s, version=%d", code, version)
	return e.GetTemplate(ctx, code)
}

// GetTemplate 获取生效的模板，优先读缓存（对外导出）
func (e *Engine) GetTemplate(ctx context.Context, code string) (*workflow.Template, error) {
	if tpl, ok := e.templates.Get(code); ok {
		return tpl, nil
	}
	tpl, err := e.store.GetTemplate(ctx, code)
	if err != nil {
		return nil, err
	}
	e.templates.Set(tpl)
	return tpl, nil
}

// ListTemplates 列出生效的模板
func (e *Engine) ListTemplates(ctx context.Context) ([]*workflow.Template, error) {
	return e.store.ListTemplates(ctx)
}

// CreateInstance 创建PENDING状态的实例，不执行（对外导出）
// 实例持有模板spec的快照，模板后续更新不影响该实例
func (e *Engine) CreateInstance(ctx context.Context, code string, input map[string]any) (*workflow.Instance, error) {
	tpl, err := e.GetTemplate(ctx, code)
	if err != nil {
		return nil, err
	}
	spec, err := tpl.Spec.Clone()
	if err != nil {
		return nil, fmt.Errorf("拷贝模板spec失败: code=%s, %w", code, err)
	}
	if input == nil {
		input = map[string]any{}
	}

	wfCtx := workflow.NewContext()
	for k, v := range workflow.DeepCopyMap(spec.Vars) {
		wfCtx.Vars[k] = v
	}
	now := e.now()
	inst := &workflow.Instance{
		ID:              uuid.NewString(),
		TemplateCode:    tpl.Code,
		TemplateVersion: tpl.Version,
		Spec:            spec,
		Status:          workflow.StatusPending,
		Input:           workflow.DeepCopyMap(input),
		Context:         wfCtx,
		Cursor:          workflow.NewCursor(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("创建实例失败: %w", err)
	}
	e.trigger(ctx, plugin.EventInstanceStarted, inst, plugin.PluginData{})
	return inst, nil
}

// StartInstance 创建实例并同步执行到第一个阻塞点（对外导出）
func (e *Engine) StartInstance(ctx context.Context, code string, input map[string]any) (*workflow.Instance, error) {
	inst, err := e.CreateInstance(ctx, code, input)
	if err != nil {
		return nil, err
	}
	rev, err := e.store.ClaimForRun(ctx, &storage.RunClaim{
		ID:               inst.ID,
		ExpectedRevision: inst.Revision,
		From:             []workflow.InstanceStatus{workflow.StatusPending},
		At:               e.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("抢占实例失败: id=%s, %w", inst.ID, err)
	}
	inst.Revision = rev
	inst.Status = workflow.StatusRunning
	log.Printf("✅ [引擎] 实例已启动: id=%s, template=%s", inst.ID, code)

	if err := e.tick(ctx, inst); err != nil {
		return nil, err
	}
	return e.store.GetInstance(ctx, inst.ID)
}

// GetInstance 查询实例
func (e *Engine) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// CancelInstance 取消未结束的实例（对外导出）
// 正在执行的tick会在下一次保存进度时因revision冲突而停止
func (e *Engine) CancelInstance(ctx context.Context, id, reason string) (*workflow.Instance, error) {
	if reason == "" {
		reason = "已取消"
	}
	_, err := e.store.TransitionStatus(ctx, &storage.StatusTransition{
		ID:    id,
		From:  []workflow.InstanceStatus{workflow.StatusPending, workflow.StatusRunning, workflow.StatusWaiting},
		To:    workflow.StatusCancelled,
		Error: reason,
		At:    e.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: 实例 %s 已结束", ErrInvalidTransition, id)
		}
		return nil, err
	}
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Printf("⚠️ [引擎] 实例已取消: id=%s, reason=%s", id, reason)
	e.trigger(ctx, plugin.EventInstanceCancelled, inst, plugin.PluginData{})
	return inst, nil
}

// Recover 重新推进遗留的RUNNING/PENDING实例（对外导出）
// 进程崩溃时正在执行的步骤会被重新执行（至少一次）
func (e *Engine) Recover(ctx context.Context) (int, error) {
	insts, err := e.store.ListByStatus(ctx, []workflow.InstanceStatus{workflow.StatusRunning, workflow.StatusPending}, 0)
	if err != nil {
		return 0, fmt.Errorf("查询待恢复实例失败: %w", err)
	}
	recovered := 0
	for _, inst := range insts {
		rev, err := e.store.ClaimForRun(ctx, &storage.RunClaim{
			ID:               inst.ID,
			ExpectedRevision: inst.Revision,
			From:             []workflow.InstanceStatus{workflow.StatusRunning, workflow.StatusPending},
			At:               e.now(),
		})
		if err != nil {
			log.Printf("⚠️ [引擎] 恢复实例 %s 时抢占失败: %v", inst.ID, err)
			continue
		}
		inst.Revision = rev
		inst.Status = workflow.StatusRunning
		if err := e.tick(ctx, inst); err != nil {
			log.Printf("❌ [引擎] 恢复实例 %s 失败: %v", inst.ID, err)
			continue
		}
		recovered++
	}

	// 任务已完成但唤醒前进程退出的等待实例
	waiting, err := e.store.ListByStatus(ctx, []workflow.InstanceStatus{workflow.StatusWaiting}, 0)
	if err != nil {
		return recovered, fmt.Errorf("查询等待实例失败: %w", err)
	}
	for _, inst := range waiting {
		if !hasTaskWait(inst.Cursor) {
			continue
		}
		_, err := e.resume(ctx, inst.ID, func(_ *workflow.Instance, cursor *workflow.Cursor) bool {
			n, err := e.resolveCompletedTasks(ctx, cursor)
			if err != nil {
				log.Printf("⚠️ [引擎] 实例 %s 检查已完成任务失败: %v", inst.ID, err)
			}
			return n > 0
		})
		if err != nil {
			if !errors.Is(err, ErrNothingToResume) {
				log.Printf("⚠️ [引擎] 恢复等待实例 %s 失败: %v", inst.ID, err)
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}

func hasTaskWait(cursor *workflow.Cursor) bool {
	for _, w := range cursor.PendingWaits() {
		if w.Kind == workflow.WaitTask {
			return true
		}
	}
	return false
}

// trigger 触发插件，插件失败只记录日志
func (e *Engine) trigger(ctx context.Context, event plugin.TriggerEvent, inst *workflow.Instance, data plugin.PluginData) {
	data.Event = event
	if inst != nil {
		data.InstanceID = inst.ID
		data.TemplateCode = inst.TemplateCode
		if data.Status == "" {
			data.Status = string(inst.Status)
		}
	}
	if err := e.plugins.Trigger(ctx, event, data); err != nil {
		log.Printf("⚠️ [插件] 事件 %s 处理失败: %v", event, err)
	}
}
