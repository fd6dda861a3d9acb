package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/mirkobrombin/go-lease/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client, ctx
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus, _, ctx := newRedisBus(t)

	ch, err := bus.Subscribe(ctx, "release:lease:item:7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "release:lease:item:7"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Key != "release:lease:item:7" || evt.ID == "" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestRedisBusFanout(t *testing.T) {
	bus, _, ctx := newRedisBus(t)

	ch1, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Key != "k" {
				t.Fatalf("unexpected key %q", evt.Key)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for fanout event")
		}
	}
}

func TestRedisBusUnsubscribe(t *testing.T) {
	bus, _, ctx := newRedisBus(t)

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

func TestRedisBusPublishDuringUnsubscribe(t *testing.T) {
	bus, _, ctx := newRedisBus(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if err := bus.Publish(ctx, "k"); err != nil {
				t.Errorf("publish: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 50; i++ {
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

func TestRedisBusDedupeWindowIsBounded(t *testing.T) {
	bus, _, ctx := newRedisBus(t)

	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go func() {
		for range ch {
		}
	}()

	total := processedLimit + 50
	for i := 0; i < total; i++ {
		if err := bus.Publish(ctx, "k"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		bus.mu.Lock()
		n, o := len(bus.processed), len(bus.order)
		bus.mu.Unlock()
		if n == processedLimit && o == processedLimit {
			return
		}
		if n > processedLimit || o > processedLimit {
			t.Fatalf("dedupe window exceeded limit: processed %d order %d", n, o)
		}
		if time.Now().After(deadline) {
			t.Fatalf("dedupe window never filled: processed %d order %d", n, o)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRedisBusPublishConnectionClosed(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	_ = client.Close()
	if err := bus.Publish(ctx, "k"); !errors.Is(err, lserrors.ErrConnectionClosed) {
		t.Fatalf("expected connection closed, got %v", err)
	}
}
