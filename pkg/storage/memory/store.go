// Package memory 提供进程内的 storage.Store 实现，用于测试和单机演示。
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/storage"
)

// Store 内存存储（对外导出）
// 读写都做深拷贝，调用方拿到的对象与存储内部互不影响
type Store struct {
	mu        sync.RWMutex
	templates map[string]*workflow.Template
	instances map[string]*workflow.Instance
	tasks     map[string]*workflow.Task
	// waits 实例ID -> 登记的等待事件，认领时保留
	waits map[string][]string

	// failNext 按操作名注入一次性错误
	failNext map[string]error
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		templates: make(map[string]*workflow.Template),
		instances: make(map[string]*workflow.Instance),
		tasks:     make(map[string]*workflow.Task),
		waits:     make(map[string][]string),
		failNext:  make(map[string]error),
	}
}

// FailNext 让下一次op操作返回err（模拟存储故障），op为方法名，如 "SaveProgress"
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

func (s *Store) injected(op string) error {
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return err
	}
	return nil
}

// Close 内存存储无需释放
func (s *Store) Close() error {
	return nil
}

func copyTemplate(t *workflow.Template) *workflow.Template {
	cp := *t
	return &cp
}

func copyInstance(inst *workflow.Instance) *workflow.Instance {
	cp := *inst
	cp.Input = workflow.DeepCopyMap(inst.Input)
	if inst.Context != nil {
		cp.Context = inst.Context.Clone()
	}
	if inst.Cursor != nil {
		cp.Cursor = inst.Cursor.Clone()
	}
	if inst.NextWakeAt != nil {
		t := *inst.NextWakeAt
		cp.NextWakeAt = &t
	}
	cp.WaitingForEvents = append([]string(nil), inst.WaitingForEvents...)
	if len(cp.WaitingForEvents) == 0 {
		cp.WaitingForEvents = nil
	}
	return &cp
}

func copyTask(t *workflow.Task) *workflow.Task {
	cp := *t
	cp.CandidateRoles = append([]string(nil), t.CandidateRoles...)
	cp.Payload = workflow.DeepCopy(t.Payload)
	cp.Output = workflow.DeepCopyMap(t.Output)
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		cp.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func containsStatus(list []workflow.InstanceStatus, st workflow.InstanceStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

// UpsertTemplate 写入模板
func (s *Store) UpsertTemplate(ctx context.Context, tpl *workflow.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertTemplate"); err != nil {
		return err
	}

	cp := copyTemplate(tpl)
	if cur, ok := s.templates[tpl.Code]; ok {
		if tpl.Version < cur.Version {
			return fmt.Errorf("%w: code=%s, 已存储版本=%d, 提交版本=%d", storage.ErrStaleVersion, tpl.Code, cur.Version, tpl.Version)
		}
		cp.CreatedAt = cur.CreatedAt
	}
	s.templates[tpl.Code] = cp
	return nil
}

// GetTemplate 获取生效的模板
func (s *Store) GetTemplate(ctx context.Context, code string) (*workflow.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[code]
	if !ok || !tpl.IsActive {
		return nil, fmt.Errorf("%w: %s", storage.ErrTemplateNotFound, code)
	}
	return copyTemplate(tpl), nil
}

// ListTemplates 按code排序列出生效的模板
func (s *Store) ListTemplates(ctx context.Context) ([]*workflow.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		if tpl.IsActive {
			out = append(out, copyTemplate(tpl))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// CreateInstance 插入新实例
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateInstance"); err != nil {
		return err
	}
	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("%w: instance %s", storage.ErrDuplicate, inst.ID)
	}
	s.instances[inst.ID] = copyInstance(inst)
	s.setWaits(inst.ID, inst.WaitingForEvents)
	return nil
}

// GetInstance 查询实例
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrInstanceNotFound, id)
	}
	return copyInstance(inst), nil
}

// SaveProgress 按版本号条件更新实例
func (s *Store) SaveProgress(ctx context.Context, u *storage.ProgressUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("SaveProgress"); err != nil {
		return 0, err
	}

	inst, ok := s.instances[u.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrInstanceNotFound, u.ID)
	}
	if inst.Revision != u.ExpectedRevision {
		return 0, fmt.Errorf("%w: instance %s", storage.ErrConflict, u.ID)
	}

	inst.Status = u.Status
	inst.Cursor = nil
	if u.Cursor != nil {
		inst.Cursor = u.Cursor.Clone()
	}
	inst.Context = nil
	if u.Context != nil {
		inst.Context = u.Context.Clone()
	}
	inst.Error = u.Error
	inst.NextWakeAt = nil
	if u.NextWakeAt != nil {
		t := u.NextWakeAt.UTC()
		inst.NextWakeAt = &t
	}
	inst.WaitingForEvents = nil
	if len(u.WaitingForEvents) > 0 {
		inst.WaitingForEvents = append([]string(nil), u.WaitingForEvents...)
	}
	s.setWaits(u.ID, u.WaitingForEvents)
	inst.Revision++
	inst.UpdatedAt = u.At.UTC()
	return inst.Revision, nil
}

// ClaimForRun 把实例CAS为RUNNING
func (s *Store) ClaimForRun(ctx context.Context, c *storage.RunClaim) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ClaimForRun"); err != nil {
		return 0, err
	}

	inst, ok := s.instances[c.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrInstanceNotFound, c.ID)
	}
	if inst.Revision != c.ExpectedRevision || !containsStatus(c.From, inst.Status) {
		return 0, fmt.Errorf("%w: instance %s", storage.ErrConflict, c.ID)
	}

	inst.Status = workflow.StatusRunning
	inst.NextWakeAt = nil
	inst.WaitingForEvents = nil
	if c.Cursor != nil {
		inst.Cursor = c.Cursor.Clone()
	}
	if c.Context != nil {
		inst.Context = c.Context.Clone()
	}
	inst.Revision++
	inst.UpdatedAt = c.At.UTC()
	return inst.Revision, nil
}

// TransitionStatus 按状态条件迁移实例
func (s *Store) TransitionStatus(ctx context.Context, t *storage.StatusTransition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TransitionStatus"); err != nil {
		return 0, err
	}

	inst, ok := s.instances[t.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrInstanceNotFound, t.ID)
	}
	if !containsStatus(t.From, inst.Status) {
		return 0, fmt.Errorf("%w: instance %s", storage.ErrConflict, t.ID)
	}
	inst.Status = t.To
	inst.Error = t.Error
	inst.NextWakeAt = nil
	inst.WaitingForEvents = nil
	delete(s.waits, t.ID)
	inst.Revision++
	inst.UpdatedAt = t.At.UTC()
	return inst.Revision, nil
}

func (s *Store) listInstances(match func(*workflow.Instance) bool, less func(a, b *workflow.Instance) bool, limit int) []*workflow.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Instance, 0)
	for _, inst := range s.instances {
		if match(inst) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byCreated(a, b *workflow.Instance) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ListWaitingForEvent 查询登记了指定事件的实例
func (s *Store) ListWaitingForEvent(ctx context.Context, event string) ([]*workflow.Instance, error) {
	return s.listInstances(func(inst *workflow.Instance) bool {
		return slices.Contains(storage.EventWaitStatuses, inst.Status) && slices.Contains(s.waits[inst.ID], event)
	}, byCreated, 0), nil
}

func (s *Store) setWaits(id string, events []string) {
	if len(events) == 0 {
		delete(s.waits, id)
		return
	}
	s.waits[id] = append([]string(nil), events...)
}

// ListDueTimers 查询到期的等待实例
func (s *Store) ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*workflow.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listInstances(func(inst *workflow.Instance) bool {
		return inst.Status == workflow.StatusWaiting && inst.NextWakeAt != nil && !inst.NextWakeAt.After(now)
	}, func(a, b *workflow.Instance) bool {
		if !a.NextWakeAt.Equal(*b.NextWakeAt) {
			return a.NextWakeAt.Before(*b.NextWakeAt)
		}
		return a.ID < b.ID
	}, limit), nil
}

// ListByStatus 按状态查询实例
func (s *Store) ListByStatus(ctx context.Context, statuses []workflow.InstanceStatus, limit int) ([]*workflow.Instance, error) {
	return s.listInstances(func(inst *workflow.Instance) bool {
		return containsStatus(statuses, inst.Status)
	}, byCreated, limit), nil
}

// CreateTask 插入任务
func (s *Store) CreateTask(ctx context.Context, task *workflow.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateTask"); err != nil {
		return err
	}
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("%w: task %s", storage.ErrDuplicate, task.ID)
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask 查询任务
func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	return copyTask(t), nil
}

// ClaimTask 认领任务
func (s *Store) ClaimTask(ctx context.Context, id, assignee string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ClaimTask"); err != nil {
		return err
	}
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	if t.Status != workflow.TaskStatusReady {
		return fmt.Errorf("%w: %s", storage.ErrTaskNotClaimable, id)
	}
	at = at.UTC()
	t.Status = workflow.TaskStatusClaimed
	t.Assignee = assignee
	t.ClaimedAt = &at
	return nil
}

// CompleteTask 完成任务
func (s *Store) CompleteTask(ctx context.Context, c *storage.TaskCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CompleteTask"); err != nil {
		return err
	}
	t, ok := s.tasks[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, c.ID)
	}
	at := c.At.UTC()
	switch {
	case t.Status == workflow.TaskStatusReady:
		t.Assignee = c.User
		t.ClaimedAt = &at
	case t.Status == workflow.TaskStatusClaimed && (c.User == "" || t.Assignee == c.User):
	default:
		return fmt.Errorf("%w: %s", storage.ErrTaskNotClaimable, c.ID)
	}
	t.Status = workflow.TaskStatusCompleted
	t.Output = workflow.DeepCopyMap(c.Output)
	t.CompletedAt = &at
	return nil
}

func (s *Store) listTasks(match func(*workflow.Task) bool, limit int) []*workflow.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Task, 0)
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListTasksByInstance 列出实例的任务
func (s *Store) ListTasksByInstance(ctx context.Context, instanceID string) ([]*workflow.Task, error) {
	return s.listTasks(func(t *workflow.Task) bool { return t.InstanceID == instanceID }, 0), nil
}

// ListReadyTasks 列出待认领任务
func (s *Store) ListReadyTasks(ctx context.Context, role string, limit int) ([]*workflow.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listTasks(func(t *workflow.Task) bool {
		if t.Status != workflow.TaskStatusReady {
			return false
		}
		return role == "" || t.AllowsRoles([]string{role})
	}, limit), nil
}

var _ storage.Store = (*Store)(nil)
