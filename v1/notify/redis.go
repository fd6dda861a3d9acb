package notify

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// processedLimit bounds the duplicate-delivery dedupe window.
const processedLimit = 1024

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan Event
}

// RedisBus implements Bus using Redis pub/sub, letting coordinator instances
// in different processes observe each other's releases.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	processed map[string]struct{}
	order     []string
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:    client,
		subs:      make(map[string]*redisSubscription),
		processed: make(map[string]struct{}),
	}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lserrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lserrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Bus.Publish. The payload is a unique event id so that
// duplicate deliveries can be dropped on the subscriber side.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, key, id).Err(); err != nil {
		return mapErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)

	b.mu.Lock()
	if sub, ok := b.subs[key]; ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		b.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, key)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, mapErr(err)
		}
		sub := &redisSubscription{pubsub: ps, chans: []chan Event{ch}}
		b.mu.Lock()
		b.subs[key] = sub
		b.mu.Unlock()
		go b.dispatch(key, sub)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// rememberLocked records id as seen, evicting the oldest id once the dedupe
// window is full. Caller holds mu.
func (b *RedisBus) rememberLocked(id string) {
	if len(b.order) == processedLimit {
		delete(b.processed, b.order[0])
		b.order = b.order[1:]
	}
	b.processed[id] = struct{}{}
	b.order = append(b.order, id)
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		id := msg.Payload
		b.mu.Lock()
		if _, ok := b.processed[id]; ok {
			b.mu.Unlock()
			continue
		}
		b.rememberLocked(id)
		// Sends happen under the mutex: Unsubscribe closes channels under
		// the same mutex, and the non-blocking send cannot stall dispatch.
		evt := Event{Key: key, ID: id}
		for _, ch := range sub.chans {
			select {
			case ch <- evt:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		defer cancel()
		_ = sub.pubsub.Unsubscribe(cctx, key)
		return mapErr(sub.pubsub.Close())
	}
	b.mu.Unlock()
	return nil
}

// Close stops all subscriptions and closes their channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*redisSubscription)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
