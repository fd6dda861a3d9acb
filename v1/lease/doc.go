// Package lease coordinates exclusive, time-bounded ownership of integer
// item ids among concurrent users. Each item is backed by an ownership
// record with a store-side TTL and by an entry in the owner's claim index,
// a sorted set keyed by claim timestamp. Claims auto-expire after the
// configured TTL unless released earlier; queries filter the index against
// the lease horizon so an expired ownership record is never reported live.
package lease
