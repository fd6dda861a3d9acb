// Package store abstracts the ordered key-value store the lease coordinator
// runs on: conditional single-key writes with expiry, per-key sorted sets
// with range-by-score operations, and an optimistic watch-one-key
// transaction. Redis and in-memory implementations are provided.
package store
