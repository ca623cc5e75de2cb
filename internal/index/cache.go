package index

import (
	"hash/fnv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/marketflux/fanout/internal/pattern"
)

// queryCache is a bounded LRU of lookup results with a TTL. Eviction is a
// first-class operation of the cache, not an ad hoc scan.
type queryCache struct {
	lru    *lru.Cache[uint64, cachedResult]
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

type cachedResult struct {
	users map[string]bool
	at    time.Time
}

func newQueryCache(size int, ttl time.Duration) *queryCache {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[uint64, cachedResult](size)
	if err != nil {
		// only reachable with a non-positive size, which we guard above
		panic(err)
	}
	return &queryCache{lru: c, ttl: ttl}
}

// get returns a defensive copy of a live cached result
func (q *queryCache) get(h uint64) (map[string]bool, bool) {
	r, ok := q.lru.Get(h)
	if !ok || time.Since(r.at) > q.ttl {
		if ok {
			q.lru.Remove(h)
		}
		q.misses.Add(1)
		return nil, false
	}
	q.hits.Add(1)
	return copySet(r.users), true
}

func (q *queryCache) add(h uint64, users map[string]bool) {
	q.lru.Add(h, cachedResult{users: copySet(users), at: time.Now()})
}

func (q *queryCache) purge() {
	q.lru.Purge()
}

// purgeExpired removes entries older than the TTL, returning the count
func (q *queryCache) purgeExpired() int {
	removed := 0
	for _, h := range q.lru.Keys() {
		if r, ok := q.lru.Peek(h); ok && time.Since(r.at) > q.ttl {
			q.lru.Remove(h)
			removed++
		}
	}
	return removed
}

func (q *queryCache) counts() (hits, misses uint64) {
	return q.hits.Load(), q.misses.Load()
}

// hashCriteria produces an order-independent key for a criteria set by
// walking the fields in a fixed order. Confidence hashes by bucket so that
// numerically distinct but equivalent criteria share a cache line.
func hashCriteria(c pattern.Criteria) uint64 {
	h := fnv.New64a()
	write := func(label, value string) {
		if value == "" {
			return
		}
		h.Write([]byte(label))
		h.Write([]byte{0})
		h.Write([]byte(value))
		h.Write([]byte{0})
	}
	write("p", c.PatternType)
	write("s", c.Symbol)
	write("t", c.Tier)
	write("r", c.MarketRegime)
	write("y", c.SubscriptionType)
	write("i", c.Priority)
	if c.Confidence != nil {
		write("c", pattern.ConfidenceBucket(*c.Confidence))
	}
	return h.Sum64()
}
