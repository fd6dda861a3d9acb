// Package notify provides the release-notification bus used by the lease
// coordinator. Releases are published as events keyed by the released item's
// ownership key, letting blocked claimers wake up instead of polling.
// In-memory and Redis implementations are provided.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	uuid "github.com/hashicorp/go-uuid"
)

// Event is a single bus notification.
type Event struct {
	Key string
	ID  string
}

// Bus fans events out to subscribers of a key.
type Bus interface {
	// Publish sends an event for key to all current subscribers.
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel receiving events for key until the
	// context is cancelled or Unsubscribe is called.
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	// Unsubscribe stops delivery to ch and closes it.
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
}

// Metrics reports bus activity counts.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus implements Bus for subscribers within the same process.
type InMemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan Event

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish. Delivery is best effort: subscribers with a
// full channel miss the event rather than block the publisher.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	evt := Event{Key: key, ID: id}
	// Sends happen under the mutex: Unsubscribe closes channels under the
	// same mutex, and the non-blocking send cannot stall the publisher.
	b.mu.Lock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- evt:
			b.delivered.Add(1)
		default:
		}
	}
	b.mu.Unlock()
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
