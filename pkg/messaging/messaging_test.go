package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/his-workflow/pkg/core/types"
)

func TestEvent_MessageRoundTrip(t *testing.T) {
	evt := NewEvent("lab.result", map[string]any{"value": 5.6}).
		WithCorrelationID("inst-1").
		WithMetadata("source", "lis")

	msg, err := evt.ToMessage()
	require.NoError(t, err)
	assert.Equal(t, "lab.result", msg.Metadata.Get(MetadataEventName))
	assert.Equal(t, "inst-1", msg.Metadata.Get(MetadataCorrelationID))
	assert.Equal(t, "lis", msg.Metadata.Get("source"))

	got, err := EventFromMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, "lab.result", got.Name)
	assert.Equal(t, "inst-1", got.CorrelationID)
	assert.Equal(t, map[string]any{"value": 5.6}, got.Payload)
}

func TestEventFromMessage_RawPayload(t *testing.T) {
	// 外部系统只发业务负载，事件名放在元数据里
	msg := message.NewMessage("m-1", []byte(`{"bed":"12"}`))
	msg.Metadata.Set(MetadataEventName, "bed.assigned")

	got, err := EventFromMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "bed.assigned", got.Name)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, map[string]any{"bed": "12"}, got.Payload)

	_, err = EventFromMessage(message.NewMessage("m-2", []byte(`{"bed":"12"}`)))
	assert.Error(t, err)
	_, err = EventFromMessage(message.NewMessage("m-3", []byte(`not json`)))
	assert.Error(t, err)
}

func TestPublisher_Publish(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := bus.Subscriber().Subscribe(ctx, "his.admission")
	require.NoError(t, err)

	// Publish阻塞到ack，需要在另一个goroutine里消费
	received := make(chan *message.Message, 1)
	go func() {
		for msg := range ch {
			msg.Ack()
			received <- msg
		}
	}()

	pub := NewPublisher(bus.Publisher(), PublisherConfig{})
	err = pub.Publish(ctx, &types.OutboundMessage{
		Topic:          "his.admission",
		Key:            "P001",
		Payload:        map[string]any{"patient_id": "P001"},
		IdempotencyKey: "inst-1:notify",
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "P001", msg.Metadata.Get(MetadataKey))
		assert.Equal(t, "inst-1:notify", msg.Metadata.Get(MetadataIdempotencyKey))
		var body map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &body))
		assert.Equal(t, "P001", body["patient_id"])
	case <-ctx.Done():
		t.Fatal("未收到消息")
	}
}

type flakyPublisher struct {
	failures int32
	calls    int32
	ids      []string
}

func (f *flakyPublisher) Publish(topic string, msgs ...*message.Message) error {
	n := atomic.AddInt32(&f.calls, 1)
	for _, m := range msgs {
		f.ids = append(f.ids, m.UUID)
	}
	if n <= f.failures {
		return errors.New("broker unavailable")
	}
	return nil
}

func (f *flakyPublisher) Close() error { return nil }

func TestPublisher_RetriesWithStableID(t *testing.T) {
	fp := &flakyPublisher{failures: 2}
	pub := NewPublisher(fp, PublisherConfig{MaxRetries: 3, InitialInterval: time.Millisecond})

	err := pub.Publish(context.Background(), &types.OutboundMessage{Topic: "t", IdempotencyKey: "inst-1:notify"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), fp.calls)
	require.Len(t, fp.ids, 3)
	assert.Equal(t, fp.ids[0], fp.ids[2])

	fp = &flakyPublisher{failures: 10}
	pub = NewPublisher(fp, PublisherConfig{MaxRetries: 1, InitialInterval: time.Millisecond})
	err = pub.Publish(context.Background(), &types.OutboundMessage{Topic: "t"})
	assert.Error(t, err)
	assert.Equal(t, int32(2), fp.calls)
}

func TestPublisher_DefaultTopic(t *testing.T) {
	fp := &flakyPublisher{}
	pub := NewPublisher(fp, PublisherConfig{})
	assert.Error(t, pub.Publish(context.Background(), &types.OutboundMessage{}))

	pub = NewPublisher(fp, PublisherConfig{DefaultTopic: "his.default"})
	assert.NoError(t, pub.Publish(context.Background(), &types.OutboundMessage{}))
}

func startSubscriber(t *testing.T, bus *Bus, cfg SubscriberConfig, handler EventHandler) {
	t.Helper()
	sub, err := NewEventSubscriber(bus.Subscriber(), bus.Logger(), cfg, handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-sub.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("订阅者未启动")
	}
}

func TestEventSubscriber_DeliversEvents(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	received := make(chan *Event, 1)
	startSubscriber(t, bus, SubscriberConfig{Topic: "inbound"}, func(ctx context.Context, evt *Event) error {
		received <- evt
		return nil
	})

	require.NoError(t, PublishEvent(bus.Publisher(), "inbound", NewEvent("lab.result", map[string]any{"k": 1.0}).WithCorrelationID("inst-9")))

	select {
	case evt := <-received:
		assert.Equal(t, "lab.result", evt.Name)
		assert.Equal(t, "inst-9", evt.CorrelationID)
	case <-time.After(5 * time.Second):
		t.Fatal("未收到事件")
	}
}

func TestEventSubscriber_DropsAfterRetries(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	var calls int32
	ok := make(chan struct{}, 1)
	startSubscriber(t, bus, SubscriberConfig{Topic: "inbound", MaxRetries: 2}, func(ctx context.Context, evt *Event) error {
		if evt.Name == "bad" {
			atomic.AddInt32(&calls, 1)
			return errors.New("存储不可用")
		}
		ok <- struct{}{}
		return nil
	})

	require.NoError(t, PublishEvent(bus.Publisher(), "inbound", NewEvent("bad", nil)))
	require.NoError(t, PublishEvent(bus.Publisher(), "inbound", NewEvent("good", nil)))

	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("后续事件未被处理")
	}
	// 首次 + 2次重试
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventSubscriber_PreservesOrder(t *testing.T) {
	bus := NewBus(BusConfig{})
	defer bus.Close()

	var mu sync.Mutex
	var seen []string
	startSubscriber(t, bus, SubscriberConfig{Topic: "inbound"}, func(ctx context.Context, evt *Event) error {
		// 先到的事件处理得更慢也不能被后到的超过
		if evt.Name == "e0" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, evt.Name)
		mu.Unlock()
		return nil
	})

	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("e%d", i)
		want = append(want, name)
		require.NoError(t, PublishEvent(bus.Publisher(), "inbound", NewEvent(name, nil)))
	}

	// 发布在ack之后返回，此时全部事件已处理完
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}
