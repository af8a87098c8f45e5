package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testEvent(name events.Name, taskID string) events.TaskEvent {
	return events.New(name, v1.Task{ID: taskID})
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan events.TaskEvent, 1)
	_, err := b.Subscribe(func(_ context.Context, e events.TaskEvent) {
		received <- e
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), testEvent(events.IterationStart, "task-1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.Name != events.IterationStart || e.Task.ID != "task-1" {
			t.Errorf("unexpected event: %s %s", e.Name, e.Task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberSeesEventsInOrder(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	const n = 100
	received := make(chan events.TaskEvent, n)
	_, err := b.Subscribe(func(_ context.Context, e events.TaskEvent) {
		received <- e
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < n; i++ {
		event := testEvent(events.StatusUpdate, fmt.Sprintf("task-%d", i))
		if err := b.Publish(context.Background(), event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case e := <-received:
			want := fmt.Sprintf("task-%d", i)
			if e.Task.ID != want {
				t.Fatalf("event %d: expected %s, got %s", i, want, e.Task.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(func(_ context.Context, _ events.TaskEvent) {
			wg.Done()
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := b.Publish(context.Background(), testEvent(events.TaskComplete, "task-1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan events.TaskEvent, 8)
	sub, err := b.Subscribe(func(_ context.Context, e events.TaskEvent) {
		received <- e
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(context.Background(), testEvent(events.TaskFailed, "task-1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		t.Errorf("received event after unsubscribe: %s", e.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeTwiceIsNoop(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	sub, err := b.Subscribe(func(_ context.Context, _ events.TaskEvent) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("first Unsubscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe failed: %v", err)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	b.Close()

	if err := b.Publish(context.Background(), testEvent(events.TaskComplete, "task-1")); err == nil {
		t.Error("expected Publish on closed bus to fail")
	}
	if _, err := b.Subscribe(func(_ context.Context, _ events.TaskEvent) {}); err == nil {
		t.Error("expected Subscribe on closed bus to fail")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	block := make(chan struct{})
	_, err := b.Subscribe(func(_ context.Context, _ events.TaskEvent) {
		<-block
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = b.Publish(context.Background(), testEvent(events.StatusUpdate, "task-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
}
