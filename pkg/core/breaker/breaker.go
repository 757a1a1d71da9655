// Package breaker 实现按下游服务隔离的熔断器。
package breaker

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen 熔断器打开时拒绝调用（对外导出）
var ErrCircuitOpen = errors.New("熔断器已打开")

// State 熔断状态（对外导出）
type State string

const (
	// StateClosed 正常放行
	StateClosed State = "CLOSED"
	// StateOpen 拒绝调用，直到冷却结束
	StateOpen State = "OPEN"
	// StateHalfOpen 冷却结束，放行一次探测调用
	StateHalfOpen State = "HALF_OPEN"
)

// Config 熔断器配置
type Config struct {
	// FailThreshold 连续失败多少次后打开
	FailThreshold int
	// OpenDuration 打开后的冷却时间
	OpenDuration time.Duration
}

// Snapshot 某个服务的熔断状态快照
type Snapshot struct {
	Service             string    `json:"service"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

type serviceState struct {
	state    State
	failures int
	since    time.Time
	// probing 半开状态下探测调用已放行，结果尚未上报
	probing bool
}

// Breaker 熔断器（对外导出）
// 所有服务共享一把锁，状态只能通过 CanCall / RecordSuccess / RecordFailure 修改
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	services map[string]*serviceState
}

// New 创建熔断器，clk为nil时使用真实时钟
func New(cfg Config, clk clock.Clock) *Breaker {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		cfg:      cfg,
		clock:    clk,
		services: make(map[string]*serviceState),
	}
}

func (b *Breaker) get(service string) *serviceState {
	s, ok := b.services[service]
	if !ok {
		s = &serviceState{state: StateClosed}
		b.services[service] = s
	}
	return s
}

// CanCall 是否允许调用该服务
// 打开状态下冷却结束时切换到半开并放行一次探测，探测结果上报前其余调用被拒绝
func (b *Breaker) CanCall(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(service)
	switch s.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Since(s.since) < b.cfg.OpenDuration {
			return false
		}
		s.state = StateHalfOpen
		s.probing = true
		s.since = b.clock.Now()
		log.Printf("⚠️ [熔断器] 服务 %s 冷却结束，进入半开状态", service)
		return true
	case StateHalfOpen:
		// 探测结果迟迟未上报时，再过一个冷却期允许新的探测
		if s.probing && b.clock.Since(s.since) < b.cfg.OpenDuration {
			return false
		}
		s.probing = true
		s.since = b.clock.Now()
		return true
	}
	return false
}

// RecordSuccess 上报调用成功，重置为关闭状态
func (b *Breaker) RecordSuccess(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(service)
	if s.state != StateClosed {
		log.Printf("✅ [熔断器] 服务 %s 探测成功，恢复关闭状态", service)
	}
	s.state = StateClosed
	s.failures = 0
	s.probing = false
	s.since = time.Time{}
}

// RecordFailure 上报调用失败
func (b *Breaker) RecordFailure(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(service)
	s.failures++
	switch s.state {
	case StateHalfOpen:
		s.state = StateOpen
		s.since = b.clock.Now()
		s.probing = false
		log.Printf("❌ [熔断器] 服务 %s 探测失败，重新打开", service)
	case StateClosed:
		if s.failures >= b.cfg.FailThreshold {
			s.state = StateOpen
			s.since = b.clock.Now()
			log.Printf("❌ [熔断器] 服务 %s 连续失败%d次，熔断打开", service, s.failures)
		}
	}
}

// State 查询服务当前状态（不触发状态切换）
func (b *Breaker) State(service string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.services[service]; ok {
		return s.state
	}
	return StateClosed
}

// Snapshot 所有服务的状态快照，按服务名排序
func (b *Breaker) Snapshot() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Snapshot, 0, len(b.services))
	for name, s := range b.services {
		out = append(out, Snapshot{
			Service:             name,
			State:               s.state,
			ConsecutiveFailures: s.failures,
			OpenedAt:            s.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
