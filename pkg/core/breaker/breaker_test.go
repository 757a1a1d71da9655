package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() (*Breaker, *clock.Mock) {
	mock := clock.NewMock()
	return New(Config{FailThreshold: 3, OpenDuration: 10 * time.Second}, mock), mock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 2; i++ {
		require.True(t, b.CanCall("emr"))
		b.RecordFailure("emr")
	}
	assert.Equal(t, StateClosed, b.State("emr"))

	b.RecordFailure("emr")
	assert.Equal(t, StateOpen, b.State("emr"))
	assert.False(t, b.CanCall("emr"))

	// 其他服务不受影响
	assert.True(t, b.CanCall("lis"))
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure("emr")
	b.RecordFailure("emr")
	b.RecordSuccess("emr")
	b.RecordFailure("emr")
	b.RecordFailure("emr")
	assert.Equal(t, StateClosed, b.State("emr"))
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, mock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("emr")
	}

	mock.Add(9 * time.Second)
	assert.False(t, b.CanCall("emr"))

	mock.Add(time.Second)
	assert.True(t, b.CanCall("emr"))
	assert.Equal(t, StateHalfOpen, b.State("emr"))
	// 探测结果上报前只放行一次
	assert.False(t, b.CanCall("emr"))

	b.RecordSuccess("emr")
	assert.Equal(t, StateClosed, b.State("emr"))
	assert.True(t, b.CanCall("emr"))
	assert.True(t, b.CanCall("emr"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, mock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("emr")
	}
	mock.Add(10 * time.Second)
	require.True(t, b.CanCall("emr"))

	b.RecordFailure("emr")
	assert.Equal(t, StateOpen, b.State("emr"))
	assert.False(t, b.CanCall("emr"))

	mock.Add(10 * time.Second)
	assert.True(t, b.CanCall("emr"))
}

func TestBreaker_ConcurrentTrial(t *testing.T) {
	b, mock := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("emr")
	}
	mock.Add(time.Minute)

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CanCall("emr") {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed)
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordFailure("lis")
	b.CanCall("emr")

	snaps := b.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "emr", snaps[0].Service)
	assert.Equal(t, "lis", snaps[1].Service)
	assert.Equal(t, 1, snaps[1].ConsecutiveFailures)
}
