package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/notify"
	"github.com/mirkobrombin/go-lease/v1/store"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Coordinator backed by Redis for both the store and the
// release-notification bus, so claimers in different processes observe each
// other's releases.
func NewRedis(opts RedisOptions, leaseOpts ...lease.Option) *lease.Coordinator {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	s := store.NewRedis(client)
	bus := notify.NewRedisBus(client)

	leaseOpts = append([]lease.Option{lease.WithBus(bus)}, leaseOpts...)
	return lease.New(s, leaseOpts...)
}

// NewInMemoryStandalone creates a Coordinator that runs entirely in-memory
// with no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(leaseOpts ...lease.Option) *lease.Coordinator {
	return lease.New(store.NewInMemory(), leaseOpts...)
}
