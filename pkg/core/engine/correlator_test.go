package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

const labOrderSpec = `{"steps":[
  {"id":"corr","assign":{"variables":{"correlation_id":"input.order_id"}}},
  {"id":"order","save_as":"order","kafka_publish":{"topic":"his.lis.orders","key":"${input.order_id}",
   "wait_for_event":{"event":"lab.result","response_key":"result"}}},
  {"id":"done","assign":{"variables":{"value":"ctx.result.value"}}}
]}`

func TestHandleEvent_Selectivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.upsert(t, "lab", labOrderSpec)

	a := env.start(t, "lab", map[string]any{"order_id": "O-1"})
	b := env.start(t, "lab", map[string]any{"order_id": "O-2"})
	require.Equal(t, workflow.StatusWaiting, a.Status)
	require.Equal(t, []string{"lab.result"}, a.WaitingForEvents)
	require.Equal(t, workflow.StatusWaiting, b.Status)

	// 没有实例等待的事件
	ids, err := env.eng.HandleEvent(ctx, "pharmacy.ready", map[string]any{}, "")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// 按vars.correlation_id关联
	ids, err = env.eng.HandleEvent(ctx, "lab.result", map[string]any{"value": 4.2}, "O-1")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	gotA := env.get(t, a.ID)
	assert.Equal(t, workflow.StatusCompleted, gotA.Status)
	assert.Equal(t, 4.2, gotA.Context.Vars["value"])
	assert.Equal(t, workflow.StatusWaiting, env.get(t, b.ID).Status)

	// 按实例ID关联
	ids, err = env.eng.HandleEvent(ctx, "lab.result", map[string]any{"value": 1.0}, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)
	assert.Equal(t, workflow.StatusCompleted, env.get(t, b.ID).Status)

	// 已完成的实例不再被唤醒
	ids, err = env.eng.HandleEvent(ctx, "lab.result", map[string]any{}, "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHandleEvent_BroadcastWithoutCorrelation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.upsert(t, "lab", labOrderSpec)
	a := env.start(t, "lab", map[string]any{"order_id": "O-1"})
	b := env.start(t, "lab", map[string]any{"order_id": "O-2"})

	ids, err := env.eng.HandleEvent(ctx, "lab.result", map[string]any{"value": 1}, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	msgs := env.pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "his.lis.orders", msgs[0].Topic)
}

func TestHandleEvent_EmptyName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.HandleEvent(context.Background(), "", nil, "")
	assert.Error(t, err)
}

func TestCorrelates(t *testing.T) {
	inst := &workflow.Instance{ID: "i-1", Context: workflow.NewContext()}
	inst.Context.Vars["correlation_id"] = 42
	assert.True(t, correlates(inst, ""))
	assert.True(t, correlates(inst, "i-1"))
	assert.True(t, correlates(inst, "42"))
	assert.False(t, correlates(inst, "43"))
	assert.False(t, correlates(&workflow.Instance{ID: "i-2"}, "x"))
}

const dualOrderSpec = `{"steps":[
  {"id":"orders","parallel":{"branches":[
    {"steps":[{"id":"lab","kafka_publish":{"topic":"his.lis.orders",
      "wait_for_event":{"event":"lab.result","response_key":"lab"}}}]},
    {"steps":[{"id":"rx","kafka_publish":{"topic":"his.pharmacy.orders",
      "wait_for_event":{"event":"rx.ready","response_key":"rx"}}}]}
  ]}}
]}`

func TestHandleEvent_ParallelLanesInReverseOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.upsert(t, "dual", dualOrderSpec)

	inst := env.start(t, "dual", map[string]any{"patient_id": "P001"})
	require.Equal(t, workflow.StatusWaiting, inst.Status)
	assert.Equal(t, []string{"lab.result", "rx.ready"}, inst.WaitingForEvents)
	assert.Len(t, env.pub.Messages(), 2)

	// 第二个分支的事件先到
	ids, err := env.eng.HandleEvent(ctx, "rx.ready", map[string]any{"dispensed": true}, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, ids)

	mid := env.get(t, inst.ID)
	require.Equal(t, workflow.StatusWaiting, mid.Status)
	assert.Equal(t, []string{"lab.result"}, mid.WaitingForEvents)

	// 已解决的事件重复投递不再唤醒
	ids, err = env.eng.HandleEvent(ctx, "rx.ready", map[string]any{"dispensed": false}, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = env.eng.HandleEvent(ctx, "lab.result", map[string]any{"k": 4.1}, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, ids)

	final := env.get(t, inst.ID)
	require.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Empty(t, final.WaitingForEvents)
	results, ok := final.Context.Ctx["orders"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	lab, ok := results[0].(map[string]any)
	require.True(t, ok)
	assertJSON(t, `{"k":4.1}`, lab["lab"])
	rx, ok := results[1].(map[string]any)
	require.True(t, ok)
	assertJSON(t, `{"dispensed":true}`, rx["rx"])
	assert.Len(t, env.pub.Messages(), 2)
}
