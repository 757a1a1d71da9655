package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/core/saga"
)

func TestInstanceStatus_Transitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusRunning))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))
	assert.False(t, StatusPending.CanTransitionTo(StatusWaiting))
	assert.True(t, StatusRunning.CanTransitionTo(StatusRunning))
	assert.True(t, StatusWaiting.CanTransitionTo(StatusRunning))
	assert.False(t, StatusWaiting.CanTransitionTo(StatusCompleted))
	for _, terminal := range []InstanceStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, terminal.IsTerminal())
		assert.False(t, terminal.CanTransitionTo(StatusRunning))
	}
	assert.False(t, InstanceStatus("PAUSED").IsValid())
}

func TestTaskStatus_Transitions(t *testing.T) {
	assert.True(t, TaskStatusReady.CanTransitionTo(TaskStatusClaimed))
	assert.True(t, TaskStatusReady.CanTransitionTo(TaskStatusCompleted))
	assert.True(t, TaskStatusClaimed.CanTransitionTo(TaskStatusCompleted))
	assert.False(t, TaskStatusClaimed.CanTransitionTo(TaskStatusClaimed))
	assert.False(t, TaskStatusCompleted.CanTransitionTo(TaskStatusClaimed))
}

func TestTask_AllowsRoles(t *testing.T) {
	task := &Task{CandidateRoles: []string{"nurse", "doctor"}}
	assert.True(t, task.AllowsRoles([]string{"doctor"}))
	assert.False(t, task.AllowsRoles([]string{"cashier"}))
	assert.True(t, task.AllowsRoles(nil))
	assert.True(t, (&Task{}).AllowsRoles([]string{"cashier"}))
}

func TestScope_LayeredReadsAndLocalWrites(t *testing.T) {
	rootCtx := NewContext()
	rootCtx.Vars["ward"] = "A"
	rootCtx.Ctx["enc"] = map[string]any{"id": "enc-1"}
	root := NewRootScope(rootCtx, map[string]any{"patient_id": "p1"}, "inst-1", "admit-patient")

	lane := root.Child(nil)
	lane.SetVar("ward", "B")
	lane.SetCtx("lab", "ok")

	env := lane.Env()
	assert.Equal(t, "B", env["vars"].(map[string]any)["ward"])
	assert.Equal(t, "ok", env["ctx"].(map[string]any)["lab"])
	assert.Equal(t, map[string]any{"id": "enc-1"}, env["ctx"].(map[string]any)["enc"])
	assert.Equal(t, "p1", env["input"].(map[string]any)["patient_id"])
	assert.Equal(t, "inst-1", env["instance"].(map[string]any)["id"])

	// 父层不受子层写入影响
	assert.Equal(t, "A", rootCtx.Vars["ward"])
	_, leaked := rootCtx.Ctx["lab"]
	assert.False(t, leaked)
	assert.Equal(t, map[string]any{"lab": "ok"}, lane.Local().Ctx)
}

func TestScope_Compensations(t *testing.T) {
	root := NewRootScope(nil, nil, "inst-1", "tpl")
	rec := saga.NewRecord("call", "undo", "boom", time.Now())
	root.RecordCompensation("call", rec)

	lane := root.Child(nil)
	assert.Same(t, rec, lane.Compensation("call"))
	assert.Nil(t, lane.Compensation("other"))
}

func TestContext_CloneAndMerge(t *testing.T) {
	c := NewContext()
	c.Ctx["enc"] = map[string]any{"id": "enc-1", "tags": []any{"a"}}
	clone := c.Clone()
	clone.Ctx["enc"].(map[string]any)["id"] = "changed"
	assert.Equal(t, "enc-1", c.Ctx["enc"].(map[string]any)["id"])

	other := NewContext()
	other.Vars["x"] = float64(1)
	other.Ctx["enc"] = "override"
	c.MergeFrom(other)
	assert.Equal(t, float64(1), c.Vars["x"])
	assert.Equal(t, "override", c.Ctx["enc"])
}

func TestCursor_NestedWaits(t *testing.T) {
	wake1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	wake2 := wake1.Add(-time.Minute)
	c := &Cursor{
		Step: 2,
		Frame: &Frame{
			Kind: FrameParallel,
			Lanes: []*Lane{
				{Cursor: &Cursor{Wait: &Wait{Kind: WaitTimer, WakeAt: &wake1}}, Scope: NewContext()},
				{Cursor: &Cursor{Wait: &Wait{Kind: WaitTask, TaskID: "t-1"}}, Scope: NewContext()},
				{Cursor: &Cursor{Wait: &Wait{Kind: WaitRetry, WakeAt: &wake2}}, Done: true, Scope: NewContext()},
			},
		},
	}

	// 已完成的lane不参与
	assert.Len(t, c.PendingWaits(), 2)
	require.NotNil(t, c.EarliestWake())
	assert.Equal(t, wake1, *c.EarliestWake())
	assert.Empty(t, c.WaitingEvents())

	assert.False(t, c.ResolveTask("t-x", nil))
	assert.True(t, c.ResolveTask("t-1", map[string]any{"score": 3}))
	assert.Len(t, c.PendingWaits(), 1)
}

func TestCursor_EventWaitAndJSON(t *testing.T) {
	c := &Cursor{Step: 1, Frame: &Frame{Kind: FrameBranch, Case: DefaultCase, Inner: &Cursor{
		Step: 0,
		Wait: &Wait{Kind: WaitEvent, Event: "lab.result", ResponseKey: "lab"},
	}}}
	assert.Equal(t, []string{"lab.result"}, c.WaitingEvents())

	data, err := json.Marshal(c)
	require.NoError(t, err)
	var decoded Cursor
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, DefaultCase, decoded.Frame.Case)
	assert.Equal(t, []string{"lab.result"}, decoded.WaitingEvents())

	clone := c.Clone()
	assert.True(t, clone.ResolveEvent("lab.result", map[string]any{"ok": true}))
	assert.Empty(t, clone.WaitingEvents())
	// 原游标不受影响
	assert.Equal(t, []string{"lab.result"}, c.WaitingEvents())
}

func TestCursor_WaitingEventsAcrossLanes(t *testing.T) {
	c := &Cursor{Step: 0, Frame: &Frame{
		Kind: FrameParallel,
		Lanes: []*Lane{
			{Cursor: &Cursor{Wait: &Wait{Kind: WaitEvent, Event: "rx.ready", ResponseKey: "rx"}}, Scope: NewContext()},
			{Cursor: &Cursor{Wait: &Wait{Kind: WaitEvent, Event: "lab.result", ResponseKey: "lab"}}, Scope: NewContext()},
			{Cursor: &Cursor{Wait: &Wait{Kind: WaitEvent, Event: "lab.result", ResponseKey: "lab2"}}, Scope: NewContext()},
		},
	}}
	assert.Equal(t, []string{"lab.result", "rx.ready"}, c.WaitingEvents())

	assert.True(t, c.ResolveEvent("rx.ready", map[string]any{"ok": true}))
	assert.Equal(t, []string{"lab.result"}, c.WaitingEvents())
	assert.True(t, c.ResolveEvent("lab.result", nil))
	assert.Empty(t, c.WaitingEvents())
}
