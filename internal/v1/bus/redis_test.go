package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	sub := svc.Client().Subscribe(ctx, "signal:room:"+roomID)
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"foo": "bar"}
	err := svc.Publish(ctx, roomID, "test-event", payload, "node-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope PubSubPayload
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, roomID, envelope.RoomID)
	assert.Equal(t, "test-event", envelope.Event)
	assert.Equal(t, "node-1", envelope.SenderID)
}

func TestPublishDirect(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	target := "participant-target"

	sub := svc.Client().Subscribe(ctx, "signal:participant:"+target)
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"msg": "direct"}
	err := svc.PublishDirect(ctx, target, "frame", payload, "node-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope PubSubPayload
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, "frame", envelope.Event)
	assert.Equal(t, "node-1", envelope.SenderID)
	assert.Empty(t, envelope.RoomID, "inbox envelopes carry no room id")
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-sub"
	wg := &sync.WaitGroup{}

	received := make(chan PubSubPayload, 1)
	svc.Subscribe(ctx, roomID, wg, func(p PubSubPayload) {
		received <- p
	})
	time.Sleep(50 * time.Millisecond)

	// Publish from a sibling node, straight through the redis client.
	payload := PubSubPayload{
		RoomID:   roomID,
		Event:    "hello",
		SenderID: "node-2",
	}
	bytes, _ := json.Marshal(payload)
	svc.Client().Publish(ctx, "signal:room:"+roomID, bytes)

	select {
	case p := <-received:
		assert.Equal(t, "hello", p.Event)
		assert.Equal(t, "node-2", p.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestSubscribeDirect(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan PubSubPayload, 1)
	svc.SubscribeDirect(ctx, "participant-1", func(p PubSubPayload) {
		received <- p
	})
	time.Sleep(50 * time.Millisecond)

	err := svc.PublishDirect(ctx, "participant-1", "frame", map[string]string{"message": "accepted"}, "node-2")
	require.NoError(t, err)

	select {
	case p := <-received:
		assert.Equal(t, "frame", p.Event)
		assert.Equal(t, "node-2", p.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for inbox message")
	}
}

func TestNilServiceIsNoOp(t *testing.T) {
	var svc *Service

	ctx := context.Background()
	assert.NoError(t, svc.Publish(ctx, "room-1", "event", nil, "node-1"))
	assert.NoError(t, svc.PublishDirect(ctx, "participant-1", "event", nil, "node-1"))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
	svc.Subscribe(ctx, "room-1", nil, func(PubSubPayload) {})
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	mr.Close()

	err := svc.Ping(context.Background())
	assert.Error(t, err)
}

func TestPublish_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, "room-1", "event", map[string]string{}, "node-1")
	}

	// Once the breaker opens, publishes degrade to a silent drop rather
	// than surfacing errors to every caller.
	err := svc.Publish(ctx, "room-1", "event", map[string]string{}, "node-1")
	assert.NoError(t, err)
}

func TestPublishDirect_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		_ = svc.PublishDirect(ctx, "participant-1", "event", map[string]string{}, "node-1")
	}

	err := svc.PublishDirect(ctx, "participant-1", "event", map[string]string{}, "node-1")
	assert.NoError(t, err)
}
