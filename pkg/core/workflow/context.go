package workflow

import (
	"github.com/LENAX/his-workflow/pkg/core/saga"
)

// Context 实例执行上下文（对外导出）
// Vars 由assign步骤写入，Ctx 保存各步骤的结果
type Context struct {
	Vars          map[string]any          `json:"vars"`
	Ctx           map[string]any          `json:"ctx"`
	Compensations map[string]*saga.Record `json:"compensations,omitempty"`
}

// NewContext 创建空上下文
func NewContext() *Context {
	return &Context{
		Vars: make(map[string]any),
		Ctx:  make(map[string]any),
	}
}

// ensure 补齐nil map，反序列化后的上下文可能缺字段
func (c *Context) ensure() {
	if c.Vars == nil {
		c.Vars = make(map[string]any)
	}
	if c.Ctx == nil {
		c.Ctx = make(map[string]any)
	}
}

// Clone 深拷贝
func (c *Context) Clone() *Context {
	out := NewContext()
	if c == nil {
		return out
	}
	out.Vars = DeepCopyMap(c.Vars)
	out.Ctx = DeepCopyMap(c.Ctx)
	out.ensure()
	if len(c.Compensations) > 0 {
		out.Compensations = make(map[string]*saga.Record, len(c.Compensations))
		for k, r := range c.Compensations {
			cp := *r
			cp.Result = DeepCopy(r.Result)
			out.Compensations[k] = &cp
		}
	}
	return out
}

// DeepCopy 深拷贝JSON风格的值（map[string]any / []any），其他类型原样返回
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = DeepCopy(item)
		}
		return out
	}
	return v
}

// DeepCopyMap 深拷贝map，nil返回nil
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopy(v)
	}
	return out
}

// MergeFrom 把另一个上下文的写入合并进来，后写覆盖先写
func (c *Context) MergeFrom(other *Context) {
	if other == nil {
		return
	}
	c.ensure()
	for k, v := range other.Vars {
		c.Vars[k] = v
	}
	for k, v := range other.Ctx {
		c.Ctx[k] = v
	}
	for k, r := range other.Compensations {
		if c.Compensations == nil {
			c.Compensations = make(map[string]*saga.Record)
		}
		c.Compensations[k] = r
	}
}

// Scope 分层的读写作用域（对外导出）
// 写入只落在当前层，读取时当前层覆盖父层。并行分支和map元素各自持有一层，
// 执行期间父层只读，因此各分支可以并发执行。
type Scope struct {
	parent *Scope
	local  *Context
	// 只有根作用域持有
	input    map[string]any
	instance map[string]any
}

// NewRootScope 以实例上下文创建根作用域
func NewRootScope(ctx *Context, input map[string]any, instanceID, templateCode string) *Scope {
	if ctx == nil {
		ctx = NewContext()
	}
	ctx.ensure()
	return &Scope{
		local: ctx,
		input: input,
		instance: map[string]any{
			"id":       instanceID,
			"template": templateCode,
		},
	}
}

// Child 创建子作用域，local为nil时新建
func (s *Scope) Child(local *Context) *Scope {
	if local == nil {
		local = NewContext()
	}
	local.ensure()
	return &Scope{parent: s, local: local}
}

// Local 当前层的写入
func (s *Scope) Local() *Context {
	return s.local
}

// SetVar 写入变量
func (s *Scope) SetVar(name string, value any) {
	s.local.Vars[name] = value
}

// SetCtx 写入步骤结果
func (s *Scope) SetCtx(key string, value any) {
	s.local.Ctx[key] = value
}

// RecordCompensation 写入补偿记录
func (s *Scope) RecordCompensation(stepID string, rec *saga.Record) {
	if s.local.Compensations == nil {
		s.local.Compensations = make(map[string]*saga.Record)
	}
	s.local.Compensations[stepID] = rec
}

// Compensation 查找补偿记录（包括父层）
func (s *Scope) Compensation(stepID string) *saga.Record {
	for cur := s; cur != nil; cur = cur.parent {
		if r, ok := cur.local.Compensations[stepID]; ok {
			return r
		}
	}
	return nil
}

func (s *Scope) root() *Scope {
	cur := s
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// Vars 合并后的变量视图
func (s *Scope) Vars() map[string]any {
	out := make(map[string]any)
	s.collect(out, func(c *Context) map[string]any { return c.Vars })
	return out
}

// CtxView 合并后的步骤结果视图
func (s *Scope) CtxView() map[string]any {
	out := make(map[string]any)
	s.collect(out, func(c *Context) map[string]any { return c.Ctx })
	return out
}

func (s *Scope) collect(out map[string]any, pick func(*Context) map[string]any) {
	if s.parent != nil {
		s.parent.collect(out, pick)
	}
	for k, v := range pick(s.local) {
		out[k] = v
	}
}

// Env 表达式求值环境
func (s *Scope) Env() map[string]any {
	r := s.root()
	input := r.input
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{
		"vars":     s.Vars(),
		"ctx":      s.CtxView(),
		"input":    input,
		"instance": r.instance,
	}
}
