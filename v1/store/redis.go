package store

import (
	"context"
	stdErrors "errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// Redis implements Store using a Redis backend.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// mapErr translates driver errors into the shared sentinel errors.
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

// formatScore renders a score bound the way Redis range commands expect,
// including the -inf/+inf sentinels.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// SetIfAbsentMany implements Store.SetIfAbsentMany using a pipeline. Each
// entry is arbitrated independently by the server; one lost entry does not
// affect the others.
func (s *Redis) SetIfAbsentMany(ctx context.Context, kvs []KeyValue, ttl time.Duration) ([]bool, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(kvs))
	for i, kv := range kvs {
		cmds[i] = pipe.SetNX(cctx, kv.Key, kv.Value, ttl)
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return nil, mapErr(err)
	}
	res := make([]bool, len(kvs))
	for i, cmd := range cmds {
		ok, err := cmd.Result()
		if err != nil {
			return nil, mapErr(err)
		}
		res[i] = ok
	}
	return res, nil
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	val, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return val, true, nil
}

// Delete implements Store.Delete.
func (s *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Del(cctx, keys...).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// AddToSortedSet implements Store.AddToSortedSet.
func (s *Redis) AddToSortedSet(ctx context.Context, key string, members ...Member) error {
	if len(members) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Value}
	}
	return mapErr(s.client.ZAdd(cctx, key, zs...).Err())
}

// RangeByScore implements Store.RangeByScore.
func (s *Redis) RangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.ZRangeByScore(cctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return vals, nil
}

// RangeByScoreWithScores implements Store.RangeByScoreWithScores.
func (s *Redis) RangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]Member, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	zs, err := s.client.ZRangeByScoreWithScores(cctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	members := make([]Member, len(zs))
	for i, z := range zs {
		val, _ := z.Member.(string)
		members[i] = Member{Value: val, Score: z.Score}
	}
	return members, nil
}

// RemoveRangeByScore implements Store.RemoveRangeByScore.
func (s *Redis) RemoveRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.ZRemRangeByScore(cctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// UnionSortedSets implements Store.UnionSortedSets with max aggregation.
func (s *Redis) UnionSortedSets(ctx context.Context, destKey string, srcKeys []string) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.ZUnionStore(cctx, destKey, &redis.ZStore{
		Keys:      srcKeys,
		Aggregate: "MAX",
	}).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// Keys implements Store.Keys using SCAN to iterate over keys.
func (s *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

type redisGuardedTx struct {
	tx  *redis.Tx
	ops []func(pipe redis.Pipeliner)
}

func (g *redisGuardedTx) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := g.tx.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return val, true, nil
}

func (g *redisGuardedTx) Delete(key string) {
	g.ops = append(g.ops, func(pipe redis.Pipeliner) {
		pipe.Del(context.Background(), key)
	})
}

func (g *redisGuardedTx) RemoveFromSortedSet(setKey, member string) {
	g.ops = append(g.ops, func(pipe redis.Pipeliner) {
		pipe.ZRem(context.Background(), setKey, member)
	})
}

// RunGuarded implements Store.RunGuarded using WATCH/MULTI/EXEC. A concurrent
// modification of the watched key aborts the commit and is reported as
// committed=false rather than an error; retrying is up to the caller.
func (s *Redis) RunGuarded(ctx context.Context, watchKey string, fn func(tx GuardedTx) error) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	committed := false
	err := s.client.Watch(cctx, func(tx *redis.Tx) error {
		g := &redisGuardedTx{tx: tx}
		if err := fn(g); err != nil {
			return err
		}
		if len(g.ops) == 0 {
			committed = true
			return nil
		}
		_, err := tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			for _, op := range g.ops {
				op(pipe)
			}
			return nil
		})
		if err == nil {
			committed = true
		}
		return err
	}, watchKey)
	if stdErrors.Is(err, ErrAbort) || stdErrors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return committed, nil
}

// Close closes the underlying client connection.
func (s *Redis) Close() error {
	return mapErr(s.client.Close())
}
