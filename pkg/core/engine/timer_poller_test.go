package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LENAX/his-workflow/pkg/core/types"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

func TestTimerPoller_WakesDueInstances(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t, WithConfig(Config{TimerPollInterval: time.Second, RecoverOnStart: true}))
	env.upsert(t, "t", `{"steps":[{"id":"wait","timer":{"seconds":120}}]}`)
	inst := env.start(t, "t", nil)
	require.Equal(t, workflow.StatusWaiting, inst.Status)

	require.NoError(t, env.eng.Start(context.Background()))
	assert.True(t, env.eng.Poller().IsRunning())

	env.clock.Add(2 * time.Minute)
	assert.Eventually(t, func() bool {
		got, err := env.eng.GetInstance(context.Background(), inst.ID)
		return err == nil && got.Status == workflow.StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	env.eng.Stop()
	assert.False(t, env.eng.Poller().IsRunning())
}

func TestTimerPoller_StartStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	require.NoError(t, env.eng.Start(context.Background()))
	require.NoError(t, env.eng.Start(context.Background()))
	env.eng.Stop()
	env.eng.Stop()
}

func TestEngine_StartRecoversRunningInstances(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	ctx := context.Background()
	env.upsert(t, "r", `{"steps":[{"id":"a","assign":{"variables":{"x":"1"}}}]}`)
	inst, err := env.eng.CreateInstance(ctx, "r", nil)
	require.NoError(t, err)

	require.NoError(t, env.eng.Start(ctx))
	defer env.eng.Stop()
	assert.Equal(t, workflow.StatusCompleted, env.get(t, inst.ID).Status)
}

func TestPollTimers_UsesPollTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.upsert(t, "t", `{"steps":[
	  {"id":"cool-down","timer":{"seconds":60}},
	  {"id":"notify","http":{"method":"POST","url":"http://nurse/notify"}}
	]}`)
	inst := env.start(t, "t", nil)
	require.Equal(t, workflow.StatusWaiting, inst.Status)

	n, err := env.eng.PollTimers(ctx, env.clock.Now().Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 引擎时钟没有前进，到期判断只依据轮询给定的时间
	n, err = env.eng.PollTimers(ctx, env.clock.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := env.get(t, inst.ID)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Nil(t, got.NextWakeAt)
	assert.Len(t, env.http.Requests(), 1)
}

func TestPollTimers_ConcurrentPollersResumeOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.upsert(t, "t", `{"steps":[
	  {"id":"cool-down","timer":{"seconds":60}},
	  {"id":"notify","http":{"method":"POST","url":"http://nurse/notify"}}
	]}`)
	inst := env.start(t, "t", nil)
	require.Equal(t, workflow.StatusWaiting, inst.Status)
	env.clock.Add(2 * time.Minute)

	var woken int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.eng.PollTimers(ctx, env.clock.Now())
			assert.NoError(t, err)
			atomic.AddInt32(&woken, int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&woken))
	assert.Len(t, env.http.Requests(), 1)
	assert.Equal(t, workflow.StatusCompleted, env.get(t, inst.ID).Status)
}

const watchSpec = `{"steps":[
  {"id":"watch","parallel":{"branches":[
    {"steps":[{"id":"settle","timer":{"seconds":60}},{"id":"vitals","http":{"url":"http://monitor/vitals"}}]},
    {"steps":[{"id":"lab","kafka_publish":{"topic":"his.lis.orders",
      "wait_for_event":{"event":"lab.result","response_key":"lab"}}}]}
  ]}}
]}`

func TestResume_TimerAndEventRace(t *testing.T) {
	for round := 0; round < 10; round++ {
		env := newTestEnv(t)
		ctx := context.Background()
		env.upsert(t, "watch", watchSpec)
		inst := env.start(t, "watch", nil)
		require.Equal(t, workflow.StatusWaiting, inst.Status)
		require.NotNil(t, inst.NextWakeAt)
		require.Equal(t, []string{"lab.result"}, inst.WaitingForEvents)
		env.clock.Add(2 * time.Minute)

		var (
			wg     sync.WaitGroup
			polled int
			ids    []string
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			n, err := env.eng.PollTimers(ctx, env.clock.Now())
			assert.NoError(t, err)
			polled = n
		}()
		go func() {
			defer wg.Done()
			got, err := env.eng.HandleEvent(ctx, "lab.result", map[string]any{"k": 4.1}, inst.ID)
			assert.NoError(t, err)
			ids = got
		}()
		wg.Wait()

		final := env.get(t, inst.ID)
		require.Equal(t, workflow.StatusCompleted, final.Status, "round %d", round)
		// 事件无论先后都只投递一次，定时器最多唤醒一次
		assert.Equal(t, []string{inst.ID}, ids)
		assert.LessOrEqual(t, polled, 1)
		assert.Len(t, env.http.Requests(), 1)
		assert.Len(t, env.pub.Messages(), 1)

		results, ok := final.Context.Ctx["watch"].([]any)
		require.True(t, ok)
		require.Len(t, results, 2)
		lab, ok := results[1].(map[string]any)
		require.True(t, ok)
		assertJSON(t, `{"k":4.1}`, lab["lab"])
	}
}

func TestHandleEvent_DeliveredAfterRunningTick(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	release := make(chan struct{})
	env.http.setHandler(func(req *types.HTTPRequest) (*types.HTTPResponse, error) {
		<-release
		return &types.HTTPResponse{StatusCode: 200}, nil
	})
	env.upsert(t, "watch", watchSpec)
	inst := env.start(t, "watch", nil)
	require.Equal(t, workflow.StatusWaiting, inst.Status)
	env.clock.Add(2 * time.Minute)

	// 定时器唤醒后卡在vitals调用上，实例保持RUNNING
	polled := make(chan int, 1)
	go func() {
		n, err := env.eng.PollTimers(ctx, env.clock.Now())
		assert.NoError(t, err)
		polled <- n
	}()
	require.Eventually(t, func() bool {
		return len(env.http.Requests()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, workflow.StatusRunning, env.get(t, inst.ID).Status)

	delivered := make(chan []string, 1)
	go func() {
		ids, err := env.eng.HandleEvent(ctx, "lab.result", map[string]any{"k": 5.0}, "")
		assert.NoError(t, err)
		delivered <- ids
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.Equal(t, 1, <-polled)
	assert.Equal(t, []string{inst.ID}, <-delivered)
	final := env.get(t, inst.ID)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Len(t, env.http.Requests(), 1)
}
