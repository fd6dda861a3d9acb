package lease

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/notify"
	"github.com/mirkobrombin/go-lease/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lease/v1/lease")

const (
	// DefaultTTL is the lease duration applied to every claim.
	DefaultTTL = 10 * time.Minute
	// DefaultSweepGrace is how far beyond the lease horizon an index entry
	// must fall before queries physically delete it.
	DefaultSweepGrace = time.Minute
	// DefaultNamespace prefixes every key the coordinator writes.
	DefaultNamespace = "lease"
)

// Coordinator hands out exclusive, TTL-bounded claims over item ids. It
// holds no state of its own; all coordination lives in the store, so any
// number of Coordinator instances may operate on the same namespace
// concurrently.
type Coordinator struct {
	store store.Store
	bus   notify.Bus

	ttl        time.Duration
	sweepGrace time.Duration
	namespace  string
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets the lease duration applied to every claim.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		c.ttl = d
	}
}

// WithSweepGrace sets the extra window beyond the lease horizon before a
// stale index entry is swept.
func WithSweepGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		c.sweepGrace = d
	}
}

// WithNamespace sets the key namespace. Deployments sharing one store
// instance must agree on it.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) {
		c.namespace = ns
	}
}

// WithClock sets the time source used for claim timestamps and the lease
// horizon.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithBus sets the bus release notifications are published on.
func WithBus(b notify.Bus) Option {
	return func(c *Coordinator) {
		c.bus = b
	}
}

// New returns a Coordinator on top of s. Without WithBus, release
// notifications stay within the process.
func New(s store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      s,
		ttl:        DefaultTTL,
		sweepGrace: DefaultSweepGrace,
		namespace:  DefaultNamespace,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = notify.NewInMemoryBus()
	}
	return c
}

func (c *Coordinator) itemKey(id int64) string {
	return fmt.Sprintf("%s:item:%d", c.namespace, id)
}

func (c *Coordinator) userKey(user int64) string {
	return fmt.Sprintf("%s:user:%d", c.namespace, user)
}

func (c *Coordinator) releaseChannel(id int64) string {
	return "release:" + c.itemKey(id)
}

// Claim attempts to take ownership of each id for user and returns the ids
// actually claimed. Ids already owned by anyone, the caller included, are
// skipped silently; re-claiming does not renew a held lease. Outcomes are
// independent per id, so partial success is normal.
func (c *Coordinator) Claim(ctx context.Context, user int64, items []int64) (IDSet, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Claim", trace.WithAttributes(
		attribute.Int64("lease.user", user),
		attribute.Int("lease.requested", len(items)),
	))
	defer span.End()

	claimed := make(IDSet)
	if len(items) == 0 {
		return claimed, nil
	}

	ids := make([]int64, 0, len(items))
	seen := make(map[int64]struct{}, len(items))
	for _, id := range items {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	owner := strconv.FormatInt(user, 10)
	kvs := make([]store.KeyValue, len(ids))
	for i, id := range ids {
		kvs[i] = store.KeyValue{Key: c.itemKey(id), Value: owner}
	}
	oks, err := c.store.SetIfAbsentMany(ctx, kvs, c.ttl)
	if err != nil {
		return nil, err
	}

	score := float64(c.now().Unix())
	members := make([]store.Member, 0, len(ids))
	for i, ok := range oks {
		if !ok {
			metrics.ClaimConflictsCounter.Inc()
			continue
		}
		claimed[ids[i]] = struct{}{}
		members = append(members, store.Member{Value: strconv.FormatInt(ids[i], 10), Score: score})
	}
	if len(members) > 0 {
		if err := c.store.AddToSortedSet(ctx, c.userKey(user), members...); err != nil {
			return nil, err
		}
	}
	metrics.ClaimsCounter.Add(float64(len(claimed)))
	span.SetAttributes(attribute.Int("lease.claimed", len(claimed)))
	return claimed, nil
}

// Release gives up user's claim on item. It reports false when the item is
// unowned, owned by someone else, or was modified concurrently during the
// transaction; callers may retry on the latter. Ownership check and removal
// are guarded by a transaction watching the ownership key.
func (c *Coordinator) Release(ctx context.Context, user, item int64) (bool, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Release", trace.WithAttributes(
		attribute.Int64("lease.user", user),
		attribute.Int64("lease.item", item),
	))
	defer span.End()

	itemKey := c.itemKey(item)
	owner := strconv.FormatInt(user, 10)
	member := strconv.FormatInt(item, 10)
	committed, err := c.store.RunGuarded(ctx, itemKey, func(tx store.GuardedTx) error {
		val, ok, err := tx.Get(ctx, itemKey)
		if err != nil {
			return err
		}
		if !ok || val != owner {
			return store.ErrAbort
		}
		tx.Delete(itemKey)
		tx.RemoveFromSortedSet(c.userKey(user), member)
		return nil
	})
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.Bool("lease.released", committed))
	if !committed {
		metrics.ReleaseConflictsCounter.Inc()
		return false, nil
	}
	metrics.ReleasesCounter.Inc()
	if err := c.bus.Publish(ctx, c.releaseChannel(item)); err != nil {
		slog.Warn("lease: release notification failed", "item", item, "error", err)
	}
	return true, nil
}

// ReleaseMany releases each id independently and returns the ids actually
// released. There is no cross-item atomicity; partial success is expected.
func (c *Coordinator) ReleaseMany(ctx context.Context, user int64, items []int64) (IDSet, error) {
	released := make(IDSet)
	for _, id := range items {
		ok, err := c.Release(ctx, user, id)
		if err != nil {
			return released, err
		}
		if ok {
			released[id] = struct{}{}
		}
	}
	return released, nil
}

// ReleaseAll releases every live claim user currently holds.
func (c *Coordinator) ReleaseAll(ctx context.Context, user int64) (IDSet, error) {
	held, err := c.QueryUser(ctx, user)
	if err != nil {
		return nil, err
	}
	return c.ReleaseMany(ctx, user, held.Slice())
}

// AwaitClaim blocks until user holds item or ctx is done. On contention it
// waits for the item's release notification, waking after one TTL at the
// latest since store-side expiry publishes nothing.
func (c *Coordinator) AwaitClaim(ctx context.Context, user, item int64) error {
	channel := c.releaseChannel(item)
	for {
		got, err := c.Claim(ctx, user, []int64{item})
		if err != nil {
			return err
		}
		if got.Contains(item) {
			return nil
		}
		// Each retry subscribes under its own child context so the
		// subscription and its watcher goroutine end with the iteration,
		// not with the caller's context.
		sctx, cancel := context.WithCancel(ctx)
		ch, err := c.bus.Subscribe(sctx, channel)
		if err != nil {
			cancel()
			return err
		}
		wake := time.NewTimer(c.ttl)
		select {
		case <-ch:
		case <-wake.C:
		case <-ctx.Done():
			wake.Stop()
			cancel()
			_ = c.bus.Unsubscribe(context.Background(), channel, ch)
			return ctx.Err()
		}
		wake.Stop()
		cancel()
		_ = c.bus.Unsubscribe(context.Background(), channel, ch)
	}
}
