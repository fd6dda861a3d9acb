package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// InMemory implements Store using local maps. Expiry is evaluated lazily on
// access against the configured clock, which makes the store deterministic
// under an injected clock in tests.
type InMemory struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memEntry
	zsets map[string]map[string]float64
}

// MemoryOption configures an InMemory store.
type MemoryOption func(*InMemory)

// WithNow sets the clock used to evaluate key expiry.
func WithNow(now func() time.Time) MemoryOption {
	return func(s *InMemory) {
		s.now = now
	}
}

// NewInMemory returns a new in-memory store.
func NewInMemory(opts ...MemoryOption) *InMemory {
	s := &InMemory{
		now:   time.Now,
		items: make(map[string]memEntry),
		zsets: make(map[string]map[string]float64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// purgeLocked drops key if its expiry has elapsed. Caller holds mu.
func (s *InMemory) purgeLocked(key string) {
	if e, ok := s.items[key]; ok && !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.items, key)
	}
}

func (s *InMemory) setIfAbsentLocked(kv KeyValue, ttl time.Duration) bool {
	s.purgeLocked(kv.Key)
	if _, ok := s.items[kv.Key]; ok {
		return false
	}
	e := memEntry{value: kv.Value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[kv.Key] = e
	return true
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setIfAbsentLocked(KeyValue{Key: key, Value: value}, ttl), nil
}

// SetIfAbsentMany implements Store.SetIfAbsentMany.
func (s *InMemory) SetIfAbsentMany(ctx context.Context, kvs []KeyValue, ttl time.Duration) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]bool, len(kvs))
	for i, kv := range kvs {
		res[i] = s.setIfAbsentLocked(kv, ttl)
	}
	return res, nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *InMemory) getLocked(key string) (string, bool, error) {
	s.purgeLocked(key)
	e, ok := s.items[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Delete implements Store.Delete.
func (s *InMemory) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		s.purgeLocked(key)
		if _, ok := s.items[key]; ok {
			delete(s.items, key)
			n++
			continue
		}
		if _, ok := s.zsets[key]; ok {
			delete(s.zsets, key)
			n++
		}
	}
	return n, nil
}

// AddToSortedSet implements Store.AddToSortedSet.
func (s *InMemory) AddToSortedSet(ctx context.Context, key string, members ...Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	zs := s.zsets[key]
	if zs == nil {
		zs = make(map[string]float64)
		s.zsets[key] = zs
	}
	for _, m := range members {
		zs[m.Value] = m.Score
	}
	return nil
}

func (s *InMemory) rangeLocked(key string, min, max float64) []Member {
	var members []Member
	for val, score := range s.zsets[key] {
		if score >= min && score <= max {
			members = append(members, Member{Value: val, Score: score})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Value < members[j].Value
	})
	return members
}

// RangeByScore implements Store.RangeByScore.
func (s *InMemory) RangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rangeLocked(key, min, max)
	vals := make([]string, len(members))
	for i, m := range members {
		vals[i] = m.Value
	}
	return vals, nil
}

// RangeByScoreWithScores implements Store.RangeByScoreWithScores.
func (s *InMemory) RangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeLocked(key, min, max), nil
}

// RemoveRangeByScore implements Store.RemoveRangeByScore.
func (s *InMemory) RemoveRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	zs := s.zsets[key]
	var n int64
	for val, score := range zs {
		if score >= min && score <= max {
			delete(zs, val)
			n++
		}
	}
	if len(zs) == 0 {
		delete(s.zsets, key)
	}
	return n, nil
}

// UnionSortedSets implements Store.UnionSortedSets with max aggregation.
func (s *InMemory) UnionSortedSets(ctx context.Context, destKey string, srcKeys []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	union := make(map[string]float64)
	for _, src := range srcKeys {
		for val, score := range s.zsets[src] {
			if cur, ok := union[val]; !ok || score > cur {
				union[val] = score
			}
		}
	}
	if len(union) == 0 {
		delete(s.zsets, destKey)
		return 0, nil
	}
	s.zsets[destKey] = union
	return int64(len(union)), nil
}

// Keys implements Store.Keys. The pattern follows glob syntax as used by
// Redis SCAN for the subset this module relies on.
func (s *InMemory) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.items {
		s.purgeLocked(key)
		if _, ok := s.items[key]; !ok {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range s.zsets {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type memGuardedTx struct {
	s   *InMemory
	ops []func()
}

func (g *memGuardedTx) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return g.s.getLocked(key)
}

func (g *memGuardedTx) Delete(key string) {
	g.ops = append(g.ops, func() {
		delete(g.s.items, key)
	})
}

func (g *memGuardedTx) RemoveFromSortedSet(setKey, member string) {
	g.ops = append(g.ops, func() {
		zs := g.s.zsets[setKey]
		delete(zs, member)
		if len(zs) == 0 {
			delete(g.s.zsets, setKey)
		}
	})
}

// RunGuarded implements Store.RunGuarded. The store mutex is held for the
// whole transaction, so the watched key cannot change under the callback.
func (s *InMemory) RunGuarded(ctx context.Context, watchKey string, fn func(tx GuardedTx) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &memGuardedTx{s: s}
	if err := fn(g); err != nil {
		if err == ErrAbort {
			return false, nil
		}
		return false, err
	}
	for _, op := range g.ops {
		op()
	}
	return true, nil
}

// Close implements Store.Close.
func (s *InMemory) Close() error {
	return nil
}
