package streaming

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitInRegistrationOrder(t *testing.T) {
	b := NewBus(nil)
	var got []string
	b.On("trace", func(p any) { got = append(got, "a:"+p.(string)) })
	b.On("trace", func(p any) { got = append(got, "b:"+p.(string)) })
	b.On("status", func(p any) { got = append(got, "status") })
	b.OnAll(func(event string, p any) { got = append(got, "all:"+event) })

	b.Emit("trace", "x")
	assert.Equal(t, []string{"a:x", "b:x", "all:trace"}, got)
}

func TestBus_OffRemovesExactlyOne(t *testing.T) {
	b := NewBus(nil)
	calls := map[string]int{}
	sub1 := b.On("trace", func(any) { calls["one"]++ })
	b.On("trace", func(any) { calls["two"]++ })
	all := b.OnAll(func(string, any) { calls["all"]++ })

	b.Off(sub1)
	b.Off(sub1)
	b.Off(all)
	b.Off(Subscription{})
	b.Emit("trace", nil)

	assert.Equal(t, map[string]int{"two": 1}, calls)
	assert.Equal(t, 1, b.Len("trace"))
	assert.Equal(t, 0, b.Len(""))
}

func TestBus_HandlerAddedDuringEmitNotCalled(t *testing.T) {
	b := NewBus(nil)
	late := 0
	b.On("trace", func(any) {
		b.On("trace", func(any) { late++ })
	})

	b.Emit("trace", nil)
	assert.Equal(t, 0, late)
	b.Emit("trace", nil)
	assert.Equal(t, 1, late)
}

func TestBus_PanicIsolated(t *testing.T) {
	var buf bytes.Buffer
	b := NewBus(slog.New(slog.NewTextHandler(&buf, nil)))
	reached := false
	b.On("error", func(any) { panic("boom") })
	b.On("error", func(any) { reached = true })

	b.Emit("error", nil)
	assert.True(t, reached)
	assert.Contains(t, buf.String(), "event handler panicked")
	assert.Contains(t, buf.String(), "boom")
}

func TestBus_Clear(t *testing.T) {
	b := NewBus(nil)
	b.On("trace", func(any) {})
	b.OnAll(func(string, any) {})
	b.Clear()
	assert.Equal(t, 0, b.Len("trace"))
	assert.Equal(t, 0, b.Len(""))
}

func TestOn_Typed(t *testing.T) {
	b := NewBus(nil)
	var traces []schema.TraceEvent
	On(b, schema.EventTrace, func(ev schema.TraceEvent) { traces = append(traces, ev) })

	b.Emit(schema.EventTrace, schema.TraceEvent{NodeID: "n1", Result: "noop"})
	b.Emit(schema.EventTrace, "wrong type")
	require.Len(t, traces, 1)
	assert.Equal(t, "n1", traces[0].NodeID)
}

func TestForward(t *testing.T) {
	b := NewBus(nil)
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancel()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := Forward(b, hub, "s1", func() time.Time { return at })

	b.Emit(schema.EventTrace, schema.TraceEvent{NodeID: "n1", Result: "noop"})
	b.Emit(schema.EventWaitingForInput, schema.WaitingEvent{NodeID: "n2", VarName: "answer"})

	first := receive(t, ch)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "n1", first.NodeID)
	assert.Equal(t, at, first.Timestamp)
	second := receive(t, ch)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, schema.EventWaitingForInput, second.EventType)

	b.Off(sub)
	b.Emit(schema.EventTrace, schema.TraceEvent{NodeID: "n3"})
	assertEmpty(t, ch)
}
