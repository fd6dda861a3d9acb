package notify

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "release:lease:item:1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "release:lease:item:1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Key != "release:lease:item:1" {
			t.Fatalf("unexpected key %q", evt.Key)
		}
		if evt.ID == "" {
			t.Fatal("expected event id")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), "nobody"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestInMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "k", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	bus.mu.Lock()
	if len(bus.subs) != 0 {
		bus.mu.Unlock()
		t.Fatal("expected subscription removed")
	}
	bus.mu.Unlock()
}

func TestInMemoryBusContextCancelRemovesSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := bus.Subscribe(ctx, "k"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for {
		bus.mu.Lock()
		n := len(bus.subs["k"])
		bus.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInMemoryBusPublishDuringUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if err := bus.Publish(ctx, "k"); err != nil {
				t.Errorf("publish: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		ch, err := bus.Subscribe(ctx, "k")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := bus.Unsubscribe(ctx, "k", ch); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
	}
	<-done
}

func TestInMemoryBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	if _, err := bus.Subscribe(ctx, "k"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Fill the buffered channel, then publish again; the second event is
	// dropped instead of blocking the publisher.
	if err := bus.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- bus.Publish(ctx, "k") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	m := bus.Metrics()
	if m.Published != 2 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
