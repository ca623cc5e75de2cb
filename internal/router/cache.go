package router

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/marketflux/fanout/internal/pattern"
)

// routeCache is a bounded LRU of rule resolutions with a TTL. Cached
// entries hold rooms and priority only; the audience is re-bound per call
// since the candidate set is supplied fresh by the index.
type routeCache struct {
	lru    *lru.Cache[uint64, cachedEntry]
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

type cachedRoute struct {
	matchedRules []string
	rooms        []string
	priority     pattern.Priority
}

type cachedEntry struct {
	route cachedRoute
	at    time.Time
}

func newRouteCache(size int, ttl time.Duration) *routeCache {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[uint64, cachedEntry](size)
	if err != nil {
		panic(err)
	}
	return &routeCache{lru: c, ttl: ttl}
}

func (rc *routeCache) get(h uint64) (cachedRoute, bool) {
	e, ok := rc.lru.Get(h)
	if !ok || time.Since(e.at) > rc.ttl {
		if ok {
			rc.lru.Remove(h)
		}
		rc.misses.Add(1)
		return cachedRoute{}, false
	}
	rc.hits.Add(1)
	return e.route, true
}

func (rc *routeCache) add(h uint64, route cachedRoute) {
	rc.lru.Add(h, cachedEntry{route: route, at: time.Now()})
}

func (rc *routeCache) purge() {
	rc.lru.Purge()
}

func (rc *routeCache) purgeExpired() int {
	removed := 0
	for _, h := range rc.lru.Keys() {
		if e, ok := rc.lru.Peek(h); ok && time.Since(e.at) > rc.ttl {
			rc.lru.Remove(h)
			removed++
		}
	}
	return removed
}

func (rc *routeCache) counts() (hits, misses uint64) {
	return rc.hits.Load(), rc.misses.Load()
}

// hashEvent keys the cache by event type and a normalized view of the
// payload: fields in sorted order, values stringified. Two structurally
// identical events hash the same regardless of map iteration order.
func hashEvent(eventType string, eventData map[string]any) uint64 {
	h := fnv.New64a()
	h.Write([]byte(eventType))
	h.Write([]byte{0})

	fields := make([]string, 0, len(eventData))
	for k := range eventData {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	for _, k := range fields {
		h.Write([]byte(k))
		h.Write([]byte{0})
		fmt.Fprintf(h, "%v", eventData[k])
		h.Write([]byte{0})
	}

	return h.Sum64()
}
