package lease

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lease/v1/metrics"
)

// Lease is a user's claim on an item together with its authoritative expiry
// instant. The ownership record's store-side TTL and the index timestamp
// both encode the same fact; liveness is always recomputed from the expiry
// instant, never assumed from index presence.
type Lease struct {
	Item      int64
	User      int64
	ExpiresAt time.Time
}

// Alive reports whether the lease has not expired at now.
func (l Lease) Alive(now time.Time) bool {
	return !now.After(l.ExpiresAt)
}

// Leases returns user's live leases. As a side effect it sweeps index
// entries that fell past the horizon by more than the sweep grace, bounding
// index growth from claims that expired store-side without a release.
func (c *Coordinator) Leases(ctx context.Context, user int64) ([]Lease, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.Leases", trace.WithAttributes(
		attribute.Int64("lease.user", user),
	))
	defer span.End()

	now := c.now()
	birth := now.Add(-c.ttl)
	key := c.userKey(user)

	members, err := c.store.RangeByScoreWithScores(ctx, key, float64(birth.Unix()), float64(now.Unix()))
	if err != nil {
		return nil, err
	}
	swept, err := c.store.RemoveRangeByScore(ctx, key, math.Inf(-1), float64(birth.Unix())-c.sweepGrace.Seconds())
	if err != nil {
		return nil, err
	}
	if swept > 0 {
		metrics.SweptEntriesCounter.Add(float64(swept))
	}

	leases := make([]Lease, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lease: malformed index entry %q: %w", m.Value, err)
		}
		l := Lease{
			Item:      id,
			User:      user,
			ExpiresAt: time.Unix(int64(m.Score), 0).Add(c.ttl),
		}
		if !l.Alive(now) {
			continue
		}
		leases = append(leases, l)
	}
	span.SetAttributes(attribute.Int("lease.live", len(leases)))
	return leases, nil
}

// QueryUser returns the ids of user's live claims.
func (c *Coordinator) QueryUser(ctx context.Context, user int64) (IDSet, error) {
	leases, err := c.Leases(ctx, user)
	if err != nil {
		return nil, err
	}
	ids := make(IDSet, len(leases))
	for _, l := range leases {
		ids[l.Item] = struct{}{}
	}
	return ids, nil
}

// QueryAll returns the ids of all live claims across every user. The
// per-user indices are unioned (keeping the newest timestamp per id) into a
// transient key which is deleted on every exit path.
func (c *Coordinator) QueryAll(ctx context.Context) (IDSet, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.QueryAll")
	defer span.End()

	keys, err := c.store.Keys(ctx, c.namespace+":user:*")
	if err != nil {
		return nil, err
	}
	ids := make(IDSet)
	if len(keys) == 0 {
		return ids, nil
	}

	dest := fmt.Sprintf("%s:temp:%s", c.namespace, uuid.NewString())
	if _, err := c.store.UnionSortedSets(ctx, dest, keys); err != nil {
		return nil, err
	}
	defer func() {
		if _, err := c.store.Delete(context.Background(), dest); err != nil {
			slog.Warn("lease: temp union key cleanup failed", "key", dest, "error", err)
		}
	}()

	now := c.now().Unix()
	birth := now - int64(c.ttl/time.Second)
	members, err := c.store.RangeByScore(ctx, dest, float64(birth), float64(now))
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lease: malformed index entry %q: %w", m, err)
		}
		ids[id] = struct{}{}
	}
	span.SetAttributes(attribute.Int("lease.live", len(ids)))
	return ids, nil
}
