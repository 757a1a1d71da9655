// Package storetest 存储实现的通用一致性测试，各实现在自己的 _test.go 中调用 Run。
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
	"github.com/LENAX/his-workflow/pkg/storage"
)

// Factory 为每个子测试创建一个全新的存储
type Factory func(t *testing.T) storage.Store

// Run 执行全部一致性测试
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"TemplateUpsert", testTemplateUpsert},
		{"InstanceRoundTrip", testInstanceRoundTrip},
		{"SaveProgressRevision", testSaveProgressRevision},
		{"ClaimForRun", testClaimForRun},
		{"ClaimForRunConcurrent", testClaimForRunConcurrent},
		{"TransitionStatus", testTransitionStatus},
		{"ListQueries", testListQueries},
		{"WaitingEventsReplaced", testWaitingEventsReplaced},
		{"TaskLifecycle", testTaskLifecycle},
		{"TaskClaimConcurrent", testTaskClaimConcurrent},
		{"ListReadyTasks", testListReadyTasks},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			c.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTemplate(code string, version int) *workflow.Template {
	return &workflow.Template{
		Code:    code,
		Name:    "入院流程",
		Version: version,
		Spec: &dsl.Spec{
			Name: "admit",
			Steps: []*dsl.Step{
				{ID: "create_visit", HTTP: &dsl.HTTPStep{Method: "POST", URL: "http://emr/visits"}},
			},
		},
		IsActive:  true,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func newInstance(id string, status workflow.InstanceStatus) *workflow.Instance {
	ctx := workflow.NewContext()
	ctx.Vars["ward"] = "W3"
	return &workflow.Instance{
		ID:              id,
		TemplateCode:    "admit-patient",
		TemplateVersion: 1,
		Spec:            newTemplate("admit-patient", 1).Spec,
		Status:          status,
		Input:           map[string]any{"patient_id": "P001", "age": float64(42)},
		Context:         ctx,
		Cursor:          workflow.NewCursor(),
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

func newTask(id, instanceID string, roles ...string) *workflow.Task {
	return &workflow.Task{
		ID:             id,
		InstanceID:     instanceID,
		StepID:         "nurse_review",
		Name:           "护士审核",
		CandidateRoles: roles,
		Payload:        map[string]any{"bed": "12"},
		Status:         workflow.TaskStatusReady,
		CreatedAt:      base,
	}
}

func testTemplateUpsert(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetTemplate(ctx, "admit-patient")
	assert.ErrorIs(t, err, storage.ErrTemplateNotFound)

	require.NoError(t, s.UpsertTemplate(ctx, newTemplate("admit-patient", 1)))
	got, err := s.GetTemplate(ctx, "admit-patient")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	require.NotNil(t, got.Spec)
	require.Len(t, got.Spec.Steps, 1)
	assert.Equal(t, "http://emr/visits", got.Spec.Steps[0].HTTP.URL)

	// 同版本覆盖
	same := newTemplate("admit-patient", 1)
	same.Name = "入院流程-修订"
	same.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, s.UpsertTemplate(ctx, same))

	v2 := newTemplate("admit-patient", 2)
	v2.CreatedAt = base.Add(2 * time.Hour)
	v2.UpdatedAt = base.Add(2 * time.Hour)
	require.NoError(t, s.UpsertTemplate(ctx, v2))

	err = s.UpsertTemplate(ctx, newTemplate("admit-patient", 1))
	assert.ErrorIs(t, err, storage.ErrStaleVersion)

	got, err = s.GetTemplate(ctx, "admit-patient")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.CreatedAt.Equal(base), "created_at 保持首次写入的值")

	require.NoError(t, s.UpsertTemplate(ctx, newTemplate("discharge", 1)))
	list, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "admit-patient", list[0].Code)
	assert.Equal(t, "discharge", list[1].Code)
}

func testInstanceRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	inst := newInstance("i-1", workflow.StatusPending)
	wake := base.Add(time.Minute)
	inst.Cursor = &workflow.Cursor{Step: 2, Wait: &workflow.Wait{Kind: workflow.WaitTimer, WakeAt: &wake}}

	require.NoError(t, s.CreateInstance(ctx, inst))
	err := s.CreateInstance(ctx, inst)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Equal(t, "P001", got.Input["patient_id"])
	assert.EqualValues(t, 42, got.Input["age"])
	assert.Equal(t, "W3", got.Context.Vars["ward"])
	require.NotNil(t, got.Cursor)
	assert.Equal(t, 2, got.Cursor.Step)
	require.NotNil(t, got.Cursor.Wait)
	assert.True(t, got.Cursor.Wait.WakeAt.Equal(wake))
	require.NotNil(t, got.Spec)
	assert.Equal(t, "create_visit", got.Spec.Steps[0].ID)
	assert.Equal(t, int64(0), got.Revision)

	// 修改返回值不影响存储
	got.Context.Vars["ward"] = "W9"
	again, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "W3", again.Context.Vars["ward"])

	_, err = s.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)
}

func testSaveProgressRevision(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-1", workflow.StatusRunning)))

	c := workflow.NewContext()
	c.Ctx["create_visit"] = map[string]any{"status": float64(201)}
	wake := base.Add(30 * time.Second)
	rev, err := s.SaveProgress(ctx, &storage.ProgressUpdate{
		ID:               "i-1",
		ExpectedRevision: 0,
		Status:           workflow.StatusWaiting,
		Cursor:           &workflow.Cursor{Step: 1},
		Context:          c,
		NextWakeAt:       &wake,
		At:               base.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	// 过期版本号
	_, err = s.SaveProgress(ctx, &storage.ProgressUpdate{
		ID: "i-1", ExpectedRevision: 0, Status: workflow.StatusFailed, At: base,
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.SaveProgress(ctx, &storage.ProgressUpdate{ID: "nope", At: base})
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)

	got, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusWaiting, got.Status)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, 1, got.Cursor.Step)
	require.NotNil(t, got.NextWakeAt)
	assert.True(t, got.NextWakeAt.Equal(wake))
	assert.Equal(t, map[string]any{"status": float64(201)}, got.Context.Ctx["create_visit"])

	rev, err = s.SaveProgress(ctx, &storage.ProgressUpdate{
		ID: "i-1", ExpectedRevision: 1, Status: workflow.StatusFailed,
		Cursor: got.Cursor, Context: got.Context, Error: "EMR 不可用", At: base.Add(2 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	got, err = s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "EMR 不可用", got.Error)
	assert.Nil(t, got.NextWakeAt)
}

func testClaimForRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	inst := newInstance("i-1", workflow.StatusWaiting)
	inst.WaitingForEvents = []string{"lab.result"}
	require.NoError(t, s.CreateInstance(ctx, inst))

	from := []workflow.InstanceStatus{workflow.StatusWaiting}
	resolved := &workflow.Cursor{Step: 3}
	rev, err := s.ClaimForRun(ctx, &storage.RunClaim{ID: "i-1", ExpectedRevision: 0, From: from, Cursor: resolved, At: base})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	got, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, got.Status)
	assert.Equal(t, 3, got.Cursor.Step)
	assert.Empty(t, got.WaitingForEvents)
	assert.Equal(t, "W3", got.Context.Vars["ward"], "未传context时保持原值")
	// 登记保留到下一次保存进度，执行期间到达的事件仍能找到实例
	running, err := s.ListWaitingForEvent(ctx, "lab.result")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, workflow.StatusRunning, running[0].Status)

	// 版本号过期
	_, err = s.ClaimForRun(ctx, &storage.RunClaim{ID: "i-1", ExpectedRevision: 0, From: from, At: base})
	assert.ErrorIs(t, err, storage.ErrConflict)
	// 状态不在允许范围
	_, err = s.ClaimForRun(ctx, &storage.RunClaim{ID: "i-1", ExpectedRevision: 1, From: from, At: base})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.ClaimForRun(ctx, &storage.RunClaim{ID: "nope", From: from, At: base})
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)
}

func testClaimForRunConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-1", workflow.StatusWaiting)))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimForRun(ctx, &storage.RunClaim{
				ID: "i-1", ExpectedRevision: 0,
				From: []workflow.InstanceStatus{workflow.StatusWaiting}, At: base,
			})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, storage.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func testTransitionStatus(t *testing.T, s storage.Store) {
	ctx := context.Background()
	inst := newInstance("i-1", workflow.StatusWaiting)
	wake := base.Add(time.Hour)
	inst.NextWakeAt = &wake
	require.NoError(t, s.CreateInstance(ctx, inst))

	open := []workflow.InstanceStatus{workflow.StatusPending, workflow.StatusRunning, workflow.StatusWaiting}
	rev, err := s.TransitionStatus(ctx, &storage.StatusTransition{
		ID: "i-1", From: open, To: workflow.StatusCancelled, Error: "患者取消入院", At: base,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	got, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)
	assert.Equal(t, "患者取消入院", got.Error)
	assert.Nil(t, got.NextWakeAt)

	_, err = s.TransitionStatus(ctx, &storage.StatusTransition{ID: "i-1", From: open, To: workflow.StatusCancelled, At: base})
	assert.ErrorIs(t, err, storage.ErrConflict)
	_, err = s.TransitionStatus(ctx, &storage.StatusTransition{ID: "nope", From: open, To: workflow.StatusCancelled, At: base})
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)
}

func testListQueries(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	due := newInstance("due", workflow.StatusWaiting)
	due.NextWakeAt = &past
	notDue := newInstance("not-due", workflow.StatusWaiting)
	notDue.NextWakeAt = &future
	running := newInstance("running", workflow.StatusRunning)
	running.NextWakeAt = &past
	waitingEvent := newInstance("evt", workflow.StatusWaiting)
	waitingEvent.WaitingForEvents = []string{"lab.result", "rx.ready"}
	waitingEvent.CreatedAt = base.Add(time.Second)
	otherEvent := newInstance("evt-other", workflow.StatusWaiting)
	otherEvent.WaitingForEvents = []string{"bed.assigned"}
	pending := newInstance("pending", workflow.StatusPending)
	pending.CreatedAt = base.Add(2 * time.Second)

	for _, inst := range []*workflow.Instance{due, notDue, running, waitingEvent, otherEvent, pending} {
		require.NoError(t, s.CreateInstance(ctx, inst))
	}

	timers, err := s.ListDueTimers(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, "due", timers[0].ID)

	waiting, err := s.ListWaitingForEvent(ctx, "lab.result")
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "evt", waiting[0].ID)
	assert.Equal(t, []string{"lab.result", "rx.ready"}, waiting[0].WaitingForEvents)

	// 任一lane等待的事件都能查到
	rx, err := s.ListWaitingForEvent(ctx, "rx.ready")
	require.NoError(t, err)
	require.Len(t, rx, 1)
	assert.Equal(t, "evt", rx[0].ID)

	none, err := s.ListWaitingForEvent(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)

	active, err := s.ListByStatus(ctx, []workflow.InstanceStatus{workflow.StatusRunning, workflow.StatusPending}, 0)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "running", active[0].ID)
	assert.Equal(t, "pending", active[1].ID)

	limited, err := s.ListByStatus(ctx, []workflow.InstanceStatus{workflow.StatusWaiting}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testTaskLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t-1", "i-1", "nurse")))
	assert.ErrorIs(t, s.CreateTask(ctx, newTask("t-1", "i-1")), storage.ErrDuplicate)

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatusReady, got.Status)
	assert.Equal(t, []string{"nurse"}, got.CandidateRoles)
	assert.Equal(t, map[string]any{"bed": "12"}, got.Payload)
	assert.Empty(t, got.Assignee)
	assert.Nil(t, got.ClaimedAt)

	require.NoError(t, s.ClaimTask(ctx, "t-1", "alice", base.Add(time.Minute)))
	assert.ErrorIs(t, s.ClaimTask(ctx, "t-1", "bob", base), storage.ErrTaskNotClaimable)
	assert.ErrorIs(t, s.ClaimTask(ctx, "nope", "bob", base), storage.ErrTaskNotFound)

	// 非认领人不能完成
	err = s.CompleteTask(ctx, &storage.TaskCompletion{ID: "t-1", User: "bob", At: base})
	assert.ErrorIs(t, err, storage.ErrTaskNotClaimable)

	require.NoError(t, s.CompleteTask(ctx, &storage.TaskCompletion{
		ID: "t-1", User: "alice", Output: map[string]any{"approved": true}, At: base.Add(2 * time.Minute),
	}))
	got, err = s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatusCompleted, got.Status)
	assert.Equal(t, "alice", got.Assignee)
	assert.Equal(t, map[string]any{"approved": true}, got.Output)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(base.Add(2*time.Minute)))

	err = s.CompleteTask(ctx, &storage.TaskCompletion{ID: "t-1", User: "alice", At: base})
	assert.ErrorIs(t, err, storage.ErrTaskNotClaimable)

	// READY状态直接完成时自动记为认领
	require.NoError(t, s.CreateTask(ctx, newTask("t-2", "i-1")))
	require.NoError(t, s.CompleteTask(ctx, &storage.TaskCompletion{ID: "t-2", User: "carol", At: base}))
	got, err = s.GetTask(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Assignee)
	assert.NotNil(t, got.ClaimedAt)

	err = s.CompleteTask(ctx, &storage.TaskCompletion{ID: "nope", At: base})
	assert.ErrorIs(t, err, storage.ErrTaskNotFound)

	tasks, err := s.ListTasksByInstance(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t-1", tasks[0].ID)
}

func testTaskClaimConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t-1", "i-1")))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.ClaimTask(ctx, "t-1", fmt.Sprintf("user-%d", i), base)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			if !errors.Is(err, storage.ErrTaskNotClaimable) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func testListReadyTasks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	nurse := newTask("t-nurse", "i-1", "nurse")
	doctor := newTask("t-doctor", "i-1", "doctor")
	doctor.CreatedAt = base.Add(time.Second)
	anyone := newTask("t-any", "i-1")
	anyone.CreatedAt = base.Add(2 * time.Second)
	// head_nurse 不能因为LIKE匹配到 nurse
	head := newTask("t-head", "i-1", "head_nurse")
	head.CreatedAt = base.Add(3 * time.Second)
	for _, task := range []*workflow.Task{nurse, doctor, anyone, head} {
		require.NoError(t, s.CreateTask(ctx, task))
	}
	require.NoError(t, s.ClaimTask(ctx, "t-doctor", "dr-wang", base))

	all, err := s.ListReadyTasks(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	forNurse, err := s.ListReadyTasks(ctx, "nurse", 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(forNurse))
	for _, task := range forNurse {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"t-nurse", "t-any"}, ids)
}

func testWaitingEventsReplaced(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, newInstance("i-1", workflow.StatusRunning)))
	got, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)

	rev, err := s.SaveProgress(ctx, &storage.ProgressUpdate{
		ID: "i-1", ExpectedRevision: 0, Status: workflow.StatusWaiting,
		Cursor: got.Cursor, Context: got.Context,
		WaitingForEvents: []string{"lab.result", "rx.ready"}, At: base,
	})
	require.NoError(t, err)
	for _, event := range []string{"lab.result", "rx.ready"} {
		found, err := s.ListWaitingForEvent(ctx, event)
		require.NoError(t, err)
		require.Len(t, found, 1, event)
	}

	// 一条lane收到事件后只剩另一个
	_, err = s.SaveProgress(ctx, &storage.ProgressUpdate{
		ID: "i-1", ExpectedRevision: rev, Status: workflow.StatusWaiting,
		Cursor: got.Cursor, Context: got.Context,
		WaitingForEvents: []string{"lab.result"}, At: base.Add(time.Second),
	})
	require.NoError(t, err)
	rx, err := s.ListWaitingForEvent(ctx, "rx.ready")
	require.NoError(t, err)
	assert.Empty(t, rx)
	lab, err := s.ListWaitingForEvent(ctx, "lab.result")
	require.NoError(t, err)
	require.Len(t, lab, 1)
	assert.Equal(t, []string{"lab.result"}, lab[0].WaitingForEvents)

	// 冲突的写入不改变登记
	_, err = s.SaveProgress(ctx, &storage.ProgressUpdate{
		ID: "i-1", ExpectedRevision: rev, Status: workflow.StatusWaiting,
		Cursor: got.Cursor, Context: got.Context,
		WaitingForEvents: []string{"bed.assigned"}, At: base.Add(2 * time.Second),
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
	bed, err := s.ListWaitingForEvent(ctx, "bed.assigned")
	require.NoError(t, err)
	assert.Empty(t, bed)

	_, err = s.TransitionStatus(ctx, &storage.StatusTransition{
		ID: "i-1", From: []workflow.InstanceStatus{workflow.StatusWaiting}, To: workflow.StatusCancelled, At: base,
	})
	require.NoError(t, err)
	lab, err = s.ListWaitingForEvent(ctx, "lab.result")
	require.NoError(t, err)
	assert.Empty(t, lab)
}
