package engine

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LENAX/his-workflow/pkg/core/breaker"
	"github.com/LENAX/his-workflow/pkg/core/cache"
	"github.com/LENAX/his-workflow/pkg/core/types"
	"github.com/LENAX/his-workflow/pkg/plugin"
)

// Config 引擎运行参数（对外导出）
type Config struct {
	// StepTimeout 单次外部调用超时，步骤未声明timeout_seconds时使用
	StepTimeout time.Duration
	// TimerPollInterval 定时器轮询间隔
	TimerPollInterval time.Duration
	// TimerBatch 每次轮询最多唤醒的实例数
	TimerBatch int
	// ClaimRetryMaxElapsed 唤醒实例时抢占失败的最长重试时间
	ClaimRetryMaxElapsed time.Duration
	// Checkpoint 是否在每个顶层步骤完成后保存进度
	Checkpoint bool
	// RecoverOnStart 启动时是否恢复遗留的RUNNING/PENDING实例
	RecoverOnStart bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		StepTimeout:          30 * time.Second,
		TimerPollInterval:    time.Second,
		TimerBatch:           100,
		ClaimRetryMaxElapsed: 5 * time.Second,
		Checkpoint:           true,
		RecoverOnStart:       true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.StepTimeout <= 0 {
		c.StepTimeout = def.StepTimeout
	}
	if c.TimerPollInterval <= 0 {
		c.TimerPollInterval = def.TimerPollInterval
	}
	if c.TimerBatch <= 0 {
		c.TimerBatch = def.TimerBatch
	}
	if c.ClaimRetryMaxElapsed <= 0 {
		c.ClaimRetryMaxElapsed = def.ClaimRetryMaxElapsed
	}
}

// Option 引擎构造选项
type Option func(e *Engine)

// WithConfig 设置运行参数
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock 注入时钟，测试中使用clock.NewMock()
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

// WithSender 注入HTTP调用协作方
func WithSender(s types.Sender) Option {
	return func(e *Engine) {
		e.sender = s
	}
}

// WithPublisher 注入消息发布协作方
func WithPublisher(p types.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithBreaker 注入熔断器
func WithBreaker(b *breaker.Breaker) Option {
	return func(e *Engine) {
		e.breaker = b
	}
}

// WithPluginManager 注入插件管理器
func WithPluginManager(pm plugin.PluginManager) Option {
	return func(e *Engine) {
		e.plugins = pm
	}
}

// WithTemplateCache 注入模板缓存
func WithTemplateCache(c cache.TemplateCache) Option {
	return func(e *Engine) {
		e.templates = c
	}
}
