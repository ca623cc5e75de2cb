// Package index provides a multi-dimensional reverse index from filter
// dimensions to the users interested in them. It is the hot path of event
// fan-out: lookups must stay under a few milliseconds at a few thousand
// active subscriptions, so reads take a shared lock, per-entry access
// metadata is atomic, and results of non-trivial queries are cached.
package index

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/pattern"
	"github.com/marketflux/fanout/internal/tracker"
)

type dimension int

const (
	dimPattern dimension = iota
	dimSymbol
	dimTier
	dimRegime
	dimSubType
	dimConfidence
	dimPriority
	dimCompound
)

type key struct {
	dim   dimension
	value string
}

// entry holds the users occupying one value within one dimension. The count
// per user is a refcount, because several subscriptions by the same user can
// pin the same key and removing one must not evict the others.
type entry struct {
	users       map[string]int
	lastAccess  atomic.Int64
	accessCount atomic.Uint64
}

func newEntry(now time.Time) *entry {
	e := &entry{users: make(map[string]int)}
	e.lastAccess.Store(now.UnixNano())
	return e
}

func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
	e.accessCount.Add(1)
}

// Config holds the tunable constants for an Index. The defaults match the
// deployment the thresholds were calibrated against; recalibrate per target.
type Config struct {

	// CacheSize bounds the query cache (entries)
	CacheSize int

	// CacheTTL is how long a cached query result stays valid
	CacheTTL time.Duration

	// CacheThreshold gates caching: queries faster than this are not
	// worth the cache churn
	CacheThreshold time.Duration

	// SlowWarn is the single-lookup latency above which we log a warning
	SlowWarn time.Duration
}

// NewDefaultConfig returns a pointer to a Config with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		CacheSize:      512,
		CacheTTL:       300 * time.Second,
		CacheThreshold: time.Millisecond,
		SlowWarn:       5 * time.Millisecond,
	}
}

// WithCacheTTL sets the query cache TTL
func (c *Config) WithCacheTTL(ttl time.Duration) *Config {
	c.CacheTTL = ttl
	return c
}

// WithCacheSize sets the query cache capacity
func (c *Config) WithCacheSize(size int) *Config {
	c.CacheSize = size
	return c
}

// Index maps filter-dimension values to the set of interested users, with a
// compound pattern-and-symbol index for the most common two-dimension query.
type Index struct {
	mu sync.RWMutex

	entries map[key]*entry

	// userID -> subscriptionType -> keys that subscription occupies,
	// kept so removal is O(keys) rather than a full index scan
	subKeys map[string]map[string][]key

	cache *queryCache

	lookups *tracker.Tracker

	updates uint64

	// Now is a function for getting the time - injectable for tests
	now func() time.Time

	cfg Config
}

// New returns a pointer to an initialised Index
func New(cfg *Config) *Index {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Index{
		entries: make(map[key]*entry),
		subKeys: make(map[string]map[string][]key),
		cache:   newQueryCache(cfg.CacheSize, cfg.CacheTTL),
		lookups: tracker.New(),
		now:     time.Now,
		cfg:     *cfg,
	}
}

// SetNowFunc replaces the clock, for tests
func (ix *Index) SetNowFunc(nf func() time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.now = nf
}

// keysFor derives the index keys a subscription occupies from its filters.
// Confidence minima are expanded to the matching bucket and every bucket
// above it, so a subscriber asking for at least medium confidence also
// receives high-confidence events.
func keysFor(subscriptionType string, f pattern.Filters) []key {
	var keys []key

	for _, p := range f.PatternTypes {
		keys = append(keys, key{dimPattern, p})
	}
	for _, s := range f.Symbols {
		keys = append(keys, key{dimSymbol, s})
	}
	for _, t := range f.Tiers {
		keys = append(keys, key{dimTier, t})
	}
	for _, r := range f.MarketRegimes {
		keys = append(keys, key{dimRegime, r})
	}
	for _, p := range f.Priorities {
		if pr, ok := pattern.ParsePriority(p); ok {
			keys = append(keys, key{dimPriority, pr.String()})
		}
	}
	if f.ConfidenceMin > 0 {
		for _, b := range bucketsFrom(f.ConfidenceMin) {
			keys = append(keys, key{dimConfidence, b})
		}
	}
	if subscriptionType != "" {
		keys = append(keys, key{dimSubType, subscriptionType})
	}

	// compound entries shortcut the common pattern+symbol query
	for _, p := range f.PatternTypes {
		for _, s := range f.Symbols {
			keys = append(keys, key{dimCompound, p + "|" + s})
		}
	}

	return keys
}

var bucketOrder = []string{pattern.BucketVeryLow, pattern.BucketLow, pattern.BucketMedium, pattern.BucketHigh}

func bucketsFrom(confidenceMin float64) []string {
	from := pattern.ConfidenceBucket(confidenceMin)
	for i, b := range bucketOrder {
		if b == from {
			return bucketOrder[i:]
		}
	}
	return bucketOrder
}

// Add indexes a subscription's filters. Re-adding the same (user, type)
// pair replaces the previous filter set. Absent filter values are skipped;
// well-formed input never fails.
func (ix *Index) Add(userID, subscriptionType string, f pattern.Filters) {

	keys := keysFor(subscriptionType, f)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// an update replaces the old keys wholesale
	if bySub, ok := ix.subKeys[userID]; ok {
		if old, ok := bySub[subscriptionType]; ok {
			ix.releaseKeys(userID, old)
		}
	}

	now := ix.now()

	for _, k := range keys {
		e, ok := ix.entries[k]
		if !ok {
			e = newEntry(now)
			ix.entries[k] = e
		}
		e.users[userID]++
	}

	if _, ok := ix.subKeys[userID]; !ok {
		ix.subKeys[userID] = make(map[string][]key)
	}
	ix.subKeys[userID][subscriptionType] = keys

	ix.updates++

	// subscriptions changed, so every cached result is suspect
	ix.cache.purge()
}

// Remove deletes a user's index entries for one subscription type, or for
// all of them when subscriptionType is empty. Removing an unknown user is a
// no-op, not an error.
func (ix *Index) Remove(userID, subscriptionType string) {

	ix.mu.Lock()
	defer ix.mu.Unlock()

	bySub, ok := ix.subKeys[userID]
	if !ok {
		return
	}

	if subscriptionType == "" {
		for _, keys := range bySub {
			ix.releaseKeys(userID, keys)
		}
		delete(ix.subKeys, userID)
	} else {
		keys, ok := bySub[subscriptionType]
		if !ok {
			return
		}
		ix.releaseKeys(userID, keys)
		delete(bySub, subscriptionType)
		if len(bySub) == 0 {
			delete(ix.subKeys, userID)
		}
	}

	ix.updates++
	ix.cache.purge()
}

// releaseKeys decrements refcounts and deletes now-empty entries.
// Caller must hold the write lock.
func (ix *Index) releaseKeys(userID string, keys []key) {
	for _, k := range keys {
		e, ok := ix.entries[k]
		if !ok {
			continue
		}
		e.users[userID]--
		if e.users[userID] <= 0 {
			delete(e.users, userID)
		}
		if len(e.users) == 0 {
			delete(ix.entries, k)
		}
	}
}

// FindMatchingUsers returns the set of users whose subscriptions match all
// of the supplied criteria. Absent criteria impose no constraint; zero
// criteria return the empty set. The result is a defensive copy.
func (ix *Index) FindMatchingUsers(c pattern.Criteria) map[string]bool {

	started := time.Now()

	if c.IsZero() {
		ix.lookups.Add(time.Since(started))
		return map[string]bool{}
	}

	h := hashCriteria(c)

	if users, ok := ix.cache.get(h); ok {
		ix.lookups.Add(time.Since(started))
		return users
	}

	result := ix.intersect(c)

	elapsed := time.Since(started)
	ix.lookups.Add(elapsed)

	if elapsed >= ix.cfg.CacheThreshold {
		ix.cache.add(h, result)
	}

	if elapsed > ix.cfg.SlowWarn {
		log.WithFields(log.Fields{"elapsed": elapsed, "criteria": c}).Warning("slow index lookup")
	}

	return copySet(result)
}

func (ix *Index) intersect(c pattern.Criteria) map[string]bool {

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	now := ix.now()

	var sets []map[string]int

	fetch := func(k key) bool {
		e, ok := ix.entries[k]
		if !ok {
			return false
		}
		e.touch(now)
		sets = append(sets, e.users)
		return true
	}

	// the compound entry folds two lookups into one
	if c.PatternType != "" && c.Symbol != "" {
		if !fetch(key{dimCompound, c.PatternType + "|" + c.Symbol}) {
			return map[string]bool{}
		}
	} else {
		if c.PatternType != "" && !fetch(key{dimPattern, c.PatternType}) {
			return map[string]bool{}
		}
		if c.Symbol != "" && !fetch(key{dimSymbol, c.Symbol}) {
			return map[string]bool{}
		}
	}

	if c.Tier != "" && !fetch(key{dimTier, c.Tier}) {
		return map[string]bool{}
	}
	if c.MarketRegime != "" && !fetch(key{dimRegime, c.MarketRegime}) {
		return map[string]bool{}
	}
	if c.SubscriptionType != "" && !fetch(key{dimSubType, c.SubscriptionType}) {
		return map[string]bool{}
	}
	if c.Priority != "" {
		// unknown priorities degrade to no match for that dimension
		p, ok := pattern.ParsePriority(c.Priority)
		if !ok || !fetch(key{dimPriority, p.String()}) {
			return map[string]bool{}
		}
	}
	if c.Confidence != nil && !fetch(key{dimConfidence, pattern.ConfidenceBucket(*c.Confidence)}) {
		return map[string]bool{}
	}

	if len(sets) == 0 {
		return map[string]bool{}
	}

	// smallest set first minimises membership checks
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	result := make(map[string]bool, len(sets[0]))
	for user := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[user]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result[user] = true
		}
	}

	return result
}

func copySet(s map[string]bool) map[string]bool {
	c := make(map[string]bool, len(s))
	for k := range s {
		c[k] = true
	}
	return c
}

// Report represents index statistics for external reporting
type Report struct {
	TotalUsers          int            `json:"totalUsers"`
	TotalEntries        int            `json:"totalEntries"`
	CompoundEntries     int            `json:"compoundEntries"`
	Updates             uint64         `json:"updates"`
	CacheHits           uint64         `json:"cacheHits"`
	CacheMisses         uint64         `json:"cacheMisses"`
	CacheHitRatePercent float64        `json:"cacheHitRatePercent"`
	Lookups             tracker.Report `json:"lookups"`
}

// GetStats returns a snapshot of index statistics
func (ix *Index) GetStats() Report {
	ix.mu.RLock()
	totalUsers := len(ix.subKeys)
	totalEntries := len(ix.entries)
	compound := 0
	for k := range ix.entries {
		if k.dim == dimCompound {
			compound++
		}
	}
	updates := ix.updates
	ix.mu.RUnlock()

	hits, misses := ix.cache.counts()
	rate := 0.0
	if hits+misses > 0 {
		rate = 100 * float64(hits) / float64(hits+misses)
	}

	return Report{
		TotalUsers:          totalUsers,
		TotalEntries:        totalEntries,
		CompoundEntries:     compound,
		Updates:             updates,
		CacheHits:           hits,
		CacheMisses:         misses,
		CacheHitRatePercent: rate,
		Lookups:             ix.lookups.NewReport(),
	}
}

// AvgLookupMs returns the mean lookup latency in milliseconds
func (ix *Index) AvgLookupMs() float64 {
	return ix.lookups.MeanMs()
}

// OptimizeReport represents the outcome of an Optimize call
type OptimizeReport struct {
	ExpiredCacheEntries int `json:"expiredCacheEntries"`
	RemainingEntries    int `json:"remainingEntries"`
}

// Optimize purges expired query-cache entries. It affects memory footprint
// only, never correctness.
func (ix *Index) Optimize() OptimizeReport {
	expired := ix.cache.purgeExpired()
	ix.mu.RLock()
	remaining := len(ix.entries)
	ix.mu.RUnlock()
	return OptimizeReport{
		ExpiredCacheEntries: expired,
		RemainingEntries:    remaining,
	}
}

// CleanupStaleEntries removes entries that are both empty and untouched for
// longer than maxAge, returning the count removed. Safe to run alongside
// reads.
func (ix *Index) CleanupStaleEntries(maxAge time.Duration) int {

	ix.mu.Lock()
	defer ix.mu.Unlock()

	cutoff := ix.now().Add(-maxAge).UnixNano()

	stale := []key{}
	for k, e := range ix.entries {
		if len(e.users) == 0 && e.lastAccess.Load() < cutoff {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		delete(ix.entries, k)
	}

	return len(stale)
}
