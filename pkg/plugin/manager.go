package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// TriggerEvent 插件触发事件类型（对外导出）
type TriggerEvent string

const (
	// 实例事件
	EventInstanceStarted   TriggerEvent = "instance.started"   // 实例启动
	EventInstanceWaiting   TriggerEvent = "instance.waiting"   // 实例进入等待
	EventInstanceResumed   TriggerEvent = "instance.resumed"   // 实例被唤醒
	EventInstanceCompleted TriggerEvent = "instance.completed" // 实例完成
	EventInstanceFailed    TriggerEvent = "instance.failed"    // 实例失败
	EventInstanceCancelled TriggerEvent = "instance.cancelled" // 实例取消

	// 步骤事件
	EventStepFailed      TriggerEvent = "step.failed"      // 步骤调用失败
	EventStepRetrying    TriggerEvent = "step.retrying"    // 步骤等待重试
	EventStepCompensated TriggerEvent = "step.compensated" // 补偿执行完成

	// 人工任务事件
	EventTaskCreated   TriggerEvent = "task.created"   // 任务创建
	EventTaskClaimed   TriggerEvent = "task.claimed"   // 任务被认领
	EventTaskCompleted TriggerEvent = "task.completed" // 任务完成
)

// 插件管理错误
var (
	ErrPluginExists        = errors.New("插件已注册")
	ErrPluginNotRegistered = errors.New("插件未注册")
	ErrUnknownEvent        = errors.New("未知的触发事件")
)

// IsKnown 是否是引擎会触发的事件
func (e TriggerEvent) IsKnown() bool {
	return slices.Contains(AllEvents(), e)
}

// AllEvents 全部触发事件，审计插件使用
func AllEvents() []TriggerEvent {
	return []TriggerEvent{
		EventInstanceStarted, EventInstanceWaiting, EventInstanceResumed,
		EventInstanceCompleted, EventInstanceFailed, EventInstanceCancelled,
		EventStepFailed, EventStepRetrying, EventStepCompensated,
		EventTaskCreated, EventTaskClaimed, EventTaskCompleted,
	}
}

// PluginBinding 插件绑定规则（对外导出）
type PluginBinding struct {
	PluginName string              // 插件名称
	Event      TriggerEvent        // 触发事件
	Params     map[string]string   // 插件初始化参数
	Condition  func(data any) bool // 可选：条件函数，满足条件才触发
}

// PluginData 传递给插件的数据（对外导出）
type PluginData struct {
	Event        TriggerEvent   `json:"event"`                   // 触发事件
	TemplateCode string         `json:"template_code,omitempty"` // 模板code
	InstanceID   string         `json:"instance_id,omitempty"`   // 实例ID
	StepID       string         `json:"step_id,omitempty"`       // 步骤ID（如果有）
	TaskID       string         `json:"task_id,omitempty"`       // 人工任务ID（如果有）
	User         string         `json:"user,omitempty"`          // 操作人（如果有）
	Status       string         `json:"status,omitempty"`        // 状态
	Error        error          `json:"-"`                       // 错误信息（如果有）
	Data         map[string]any `json:"data,omitempty"`          // 自定义数据
}

// PluginManager 插件管理器接口（对外导出）
type PluginManager interface {
	// Register 注册插件
	Register(plugin Plugin) error
	// RegisterWithInit 注册并初始化插件
	RegisterWithInit(plugin Plugin, params map[string]string) error
	// Bind 绑定插件到事件，同一插件对同一事件只保留最后一次绑定
	Bind(binding PluginBinding) error
	// BindAll 把插件无条件绑定到一组事件
	BindAll(name string, events ...TriggerEvent) error
	// Trigger 触发插件
	Trigger(ctx context.Context, event TriggerEvent, data PluginData) error
	// GetPlugin 获取已注册的插件
	GetPlugin(name string) (Plugin, bool)
	// ListPlugins 列出所有已注册的插件
	ListPlugins() []string
	// Unregister 取消注册插件，同时移除它的所有绑定
	Unregister(name string) error
}

// pluginManagerImpl 插件管理器实现（内部实现）
type pluginManagerImpl struct {
	plugins  map[string]Plugin                // 插件名称 -> 插件实例
	bindings map[TriggerEvent][]PluginBinding // 事件 -> 绑定列表（按绑定顺序）
	mu       sync.RWMutex
}

// NewPluginManager 创建插件管理器（对外导出）
func NewPluginManager() PluginManager {
	return &pluginManagerImpl{
		plugins:  make(map[string]Plugin),
		bindings: make(map[TriggerEvent][]PluginBinding),
	}
}

func (pm *pluginManagerImpl) Register(plugin Plugin) error {
	if plugin == nil {
		return errors.New("插件不能为空")
	}
	name := plugin.Name()
	if name == "" {
		return errors.New("插件名称不能为空")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.plugins[name]; exists {
		return fmt.Errorf("%w: %s", ErrPluginExists, name)
	}
	pm.plugins[name] = plugin
	return nil
}

// RegisterWithInit 先初始化再注册，初始化失败的插件不会出现在管理器里
func (pm *pluginManagerImpl) RegisterWithInit(plugin Plugin, params map[string]string) error {
	if plugin == nil {
		return errors.New("插件不能为空")
	}
	if err := plugin.Init(params); err != nil {
		return fmt.Errorf("插件 %s 初始化失败: %w", plugin.Name(), err)
	}
	return pm.Register(plugin)
}

func (pm *pluginManagerImpl) Bind(binding PluginBinding) error {
	if binding.PluginName == "" {
		return errors.New("插件名称不能为空")
	}
	if !binding.Event.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, binding.Event)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.plugins[binding.PluginName]; !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotRegistered, binding.PluginName)
	}

	list := pm.bindings[binding.Event]
	for i := range list {
		if list[i].PluginName == binding.PluginName {
			list[i] = binding
			return nil
		}
	}
	pm.bindings[binding.Event] = append(list, binding)
	return nil
}

func (pm *pluginManagerImpl) BindAll(name string, events ...TriggerEvent) error {
	for _, evt := range events {
		if err := pm.Bind(PluginBinding{PluginName: name, Event: evt}); err != nil {
			return err
		}
	}
	return nil
}

// Trigger 同步执行事件上的全部绑定，单个插件失败不影响其他插件
func (pm *pluginManagerImpl) Trigger(ctx context.Context, event TriggerEvent, data PluginData) error {
	type target struct {
		name   string
		plugin Plugin
	}

	pm.mu.RLock()
	var targets []target
	for _, binding := range pm.bindings[event] {
		if binding.Condition != nil && !binding.Condition(data) {
			continue
		}
		if p, ok := pm.plugins[binding.PluginName]; ok {
			targets = append(targets, target{name: binding.PluginName, plugin: p})
		}
	}
	pm.mu.RUnlock()

	if data.Event == "" {
		data.Event = event
	}
	var result *multierror.Error
	for _, t := range targets {
		if err := t.plugin.Execute(data); err != nil {
			result = multierror.Append(result, fmt.Errorf("插件 %s 执行失败: %w", t.name, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("触发插件失败: %w", err)
	}
	return nil
}

func (pm *pluginManagerImpl) GetPlugin(name string) (Plugin, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.plugins[name]
	return p, ok
}

func (pm *pluginManagerImpl) ListPlugins() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (pm *pluginManagerImpl) Unregister(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.plugins[name]; !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotRegistered, name)
	}
	delete(pm.plugins, name)
	for event, list := range pm.bindings {
		pm.bindings[event] = slices.DeleteFunc(list, func(b PluginBinding) bool {
			return b.PluginName == name
		})
	}
	return nil
}
