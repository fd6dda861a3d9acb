package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-lease/v1/lease"
	"github.com/mirkobrombin/go-lease/v1/presets"
)

var (
	addr   = flag.String("addr", "", "Redis address; empty runs in-memory")
	users  = flag.Int("users", 10, "Number of concurrent claimers")
	items  = flag.Int("items", 1000, "Size of the contested item space")
	rounds = flag.Int("rounds", 100, "Claim/release rounds per claimer")
	ttl    = flag.Duration("ttl", time.Minute, "Lease TTL")
)

func main() {
	flag.Parse()

	// A fresh namespace per run keeps repeated runs against the same Redis
	// instance from contending with leftover keys.
	ns := "bench:" + uuid.NewString()
	var c *lease.Coordinator
	if *addr != "" {
		log.Printf("Benchmarking against Redis at %s (namespace %s)", *addr, ns)
		c = presets.NewRedis(presets.RedisOptions{Addr: *addr}, lease.WithTTL(*ttl), lease.WithNamespace(ns))
	} else {
		log.Println("Benchmarking in-memory")
		c = presets.NewInMemoryStandalone(lease.WithTTL(*ttl), lease.WithNamespace(ns))
	}

	ids := make([]int64, *items)
	for i := range ids {
		ids[i] = int64(i)
	}

	var claimed, conflicted, released int64
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for u := 0; u < *users; u++ {
		user := int64(u + 1)
		g.Go(func() error {
			for r := 0; r < *rounds; r++ {
				got, err := c.Claim(ctx, user, ids)
				if err != nil {
					return err
				}
				atomic.AddInt64(&claimed, int64(len(got)))
				atomic.AddInt64(&conflicted, int64(len(ids)-len(got)))

				rel, err := c.ReleaseMany(ctx, user, got.Slice())
				if err != nil {
					return err
				}
				atomic.AddInt64(&released, int64(len(rel)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	elapsed := time.Since(start)
	ops := claimed + conflicted + released
	log.Printf("Finished in %v", elapsed)
	log.Printf("Claims won: %d, lost to contention: %d, released: %d", claimed, conflicted, released)
	log.Printf("Throughput: %.2f item-ops/s", float64(ops)/elapsed.Seconds())
}
