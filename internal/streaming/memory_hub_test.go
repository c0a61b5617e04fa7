package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event: %+v", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", NodeID: "n1", EventType: "trace", Payload: "ok"}))

	got := receive(t, ch)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "n1", got.NodeID)
	assert.Equal(t, "trace", got.EventType)
}

func TestMemoryHub_Filters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	bySession, cancel1, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancel1()
	byType, cancel2, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"done", "error"}})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s2", EventType: "trace"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "trace"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s2", EventType: "done"}))

	assert.Equal(t, "s1", receive(t, bySession).SessionID)
	assertEmpty(t, bySession)
	assert.Equal(t, "done", receive(t, byType).EventType)
	assertEmpty(t, byType)
}

func TestMemoryHub_CancelIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "trace"}))
	assertEmpty(t, ch)
}

func TestMemoryHub_DropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "trace"}))
	}
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestMemoryHub_ConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, EventFilter{})
			assert.NoError(t, err)
			cancel()
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s", EventType: "trace"}))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}
