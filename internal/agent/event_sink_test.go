package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrelai/runtime/pkg/models"
)

func TestChanSink_Emit(t *testing.T) {
	ch := make(chan models.AgentEvent, 10)
	sink := NewChanSink(ch)

	event := models.NewTokenEvent("hello")
	sink.Emit(context.Background(), event)

	select {
	case received := <-ch:
		if received.Token != "hello" {
			t.Errorf("Token = %q, want %q", received.Token, "hello")
		}
	default:
		t.Error("expected event in channel")
	}
}

func TestChanSink_FullChannel(t *testing.T) {
	ch := make(chan models.AgentEvent, 1)
	sink := NewChanSink(ch)

	// Fill the channel
	sink.Emit(context.Background(), models.NewTokenEvent("first"))

	// This should not block (drops the event)
	done := make(chan struct{})
	go func() {
		sink.Emit(context.Background(), models.NewTokenEvent("second"))
		close(done)
	}()

	select {
	case <-done:
		// Success - didn't block
	case <-time.After(100 * time.Millisecond):
		t.Error("ChanSink.Emit blocked on full channel")
	}
}

func TestChanSink_ContextCancelled(t *testing.T) {
	ch := make(chan models.AgentEvent, 1)
	sink := NewChanSink(ch)

	// Fill the channel
	sink.Emit(context.Background(), models.NewTokenEvent("first"))

	// Emit with cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		sink.Emit(ctx, models.NewTokenEvent("cancelled"))
		close(done)
	}()

	select {
	case <-done:
		// Success - didn't block
	case <-time.After(100 * time.Millisecond):
		t.Error("ChanSink.Emit blocked with cancelled context")
	}
}

func TestMultiSink_Emit(t *testing.T) {
	var order []string
	var mu sync.Mutex

	sink1 := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		mu.Lock()
		order = append(order, "sink1")
		mu.Unlock()
	})
	sink2 := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		mu.Lock()
		order = append(order, "sink2")
		mu.Unlock()
	})

	multi := NewMultiSink(sink1, sink2)
	multi.Emit(context.Background(), models.NewTokenEvent("x"))

	mu.Lock()
	defer mu.Unlock()

	if len(order) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(order))
	}
	if order[0] != "sink1" || order[1] != "sink2" {
		t.Errorf("order = %v, want [sink1 sink2]", order)
	}
}

func TestMultiSink_FiltersNil(t *testing.T) {
	var called bool
	sink := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		called = true
	})

	multi := NewMultiSink(nil, sink, nil)
	multi.Emit(context.Background(), models.NewTokenEvent("x"))

	if !called {
		t.Error("expected non-nil sink to be called")
	}
}

func TestCallbackSink_Emit(t *testing.T) {
	var received models.AgentEvent
	sink := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		received = e
	})

	event := models.NewToolStartEvent("tc-1", "search", `{"q":"x"}`)
	sink.Emit(context.Background(), event)

	if received.ToolCallID != "tc-1" {
		t.Errorf("ToolCallID = %q, want %q", received.ToolCallID, "tc-1")
	}
}

func TestCallbackSink_NilFunc(t *testing.T) {
	sink := NewCallbackSink(nil)

	// Should not panic
	sink.Emit(context.Background(), models.AgentEvent{})
}

func TestNopSink_Emit(t *testing.T) {
	sink := NopSink{}

	// Should not panic
	sink.Emit(context.Background(), models.AgentEvent{})
}

func TestIsDroppableEvent(t *testing.T) {
	cases := []struct {
		t    models.AgentEventType
		want bool
	}{
		{models.AgentEventToken, true},
		{models.AgentEventToolStart, false},
		{models.AgentEventToolComplete, false},
		{models.AgentEventToolError, false},
		{models.AgentEventNeedClarification, false},
		{models.AgentEventTodoListUpdated, false},
		{models.AgentEventComplete, false},
	}
	for _, tc := range cases {
		if got := isDroppableEvent(tc.t); got != tc.want {
			t.Errorf("isDroppableEvent(%s) = %v, want %v", tc.t, got, tc.want)
		}
	}
}

func TestBackpressureSink_DropsTokensUnderLoad(t *testing.T) {
	sink, out := NewBackpressureSink(BackpressureConfig{HighPriBuffer: 4, LowPriBuffer: 1})
	defer sink.Close()

	ctx := context.Background()
	// Fill the low-pri lane beyond capacity; excess tokens should be dropped,
	// not block Emit.
	for i := 0; i < 10; i++ {
		sink.Emit(ctx, models.NewTokenEvent("t"))
	}

	if sink.DroppedCount() == 0 {
		t.Error("expected some tokens to be dropped under backpressure")
	}

	// Non-droppable events must still arrive even after drops.
	sink.Emit(ctx, models.NewCompleteEvent(models.Usage{}))

	found := false
	timeout := time.After(time.Second)
	for !found {
		select {
		case e := <-out:
			if e.Type == models.AgentEventComplete {
				found = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for complete event")
		}
	}
}

func TestBackpressureSink_CloseIsIdempotent(t *testing.T) {
	sink, _ := NewBackpressureSink(DefaultBackpressureConfig())
	sink.Close()
	sink.Close() // must not panic or double-close a channel
}
