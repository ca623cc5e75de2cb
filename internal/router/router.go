// Package router matches incoming events against an ordered set of routing
// rules and resolves the destination rooms and delivery priority. Every
// matching rule contributes its destinations (union, not first-match-wins)
// and the result carries the highest priority among the matched rules.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/pattern"
	"github.com/marketflux/fanout/internal/tracker"
)

// Strategy represents how a rule resolves its destinations
type Strategy int

// Rule strategies
const (
	// ContentBased expands destination templates from event fields
	ContentBased Strategy = iota

	// BroadcastAll sends to the rule's destinations regardless of content
	BroadcastAll

	// PriorityTiered sends to a priority-suffixed destination
	PriorityTiered
)

// FilterValue constrains one field of the event payload. Equals checks
// scalar equality; Min/Max check a numeric range. A FilterValue with both
// set requires both to hold.
type FilterValue struct {
	Equals any      `json:"equals,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// UserCriteria constrains the targeting context an event arrives with,
// rather than the event content.
type UserCriteria struct {
	// MinCandidates is the smallest candidate set the rule applies to
	MinCandidates int `json:"minCandidates,omitempty"`

	// SubscriptionType restricts the rule to events targeted at one type
	SubscriptionType string `json:"subscriptionType,omitempty"`
}

// Rule maps events to destinations. Rules are immutable once registered;
// changes go through AddRule/RemoveRule.
type Rule struct {
	ID             string                 `json:"id"`
	EventTypes     []string               `json:"eventTypes"`
	ContentFilters map[string]FilterValue `json:"contentFilters,omitempty"`
	UserCriteria   *UserCriteria          `json:"userCriteria,omitempty"`
	Strategy       Strategy               `json:"strategy"`
	Destinations   []string               `json:"destinations"`
	Priority       pattern.Priority       `json:"priority"`

	patterns []*regexp.Regexp
	matches  uint64
}

// Context carries the targeting context for one routeEvent call
type Context struct {
	// Candidates is the user set the index resolved for this event
	Candidates map[string]bool

	// SubscriptionType the caller targeted, if any
	SubscriptionType string
}

// Result is the ephemeral outcome of routing one event
type Result struct {
	EventID      string              `json:"eventId"`
	MatchedRules []string            `json:"matchedRules"`
	Destinations map[string][]string `json:"destinations"` // room -> userIDs
	Priority     pattern.Priority    `json:"priority"`
	RoutingMs    float64             `json:"routingTimeMs"`
	TotalUsers   int                 `json:"totalUsers"`
	CacheHit     bool                `json:"cacheHit"`
}

// Config holds the tunable constants for a Router
type Config struct {

	// CacheSize bounds the routing-result cache
	CacheSize int

	// CacheTTL is how long a cached routing result stays valid
	CacheTTL time.Duration

	// CacheMinAudience gates caching to events reaching at least this
	// many users; small fan-outs are cheap to recompute
	CacheMinAudience int

	// SlowWarn is the routing latency above which we log a warning
	SlowWarn time.Duration
}

// NewDefaultConfig returns a pointer to a Config with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		CacheSize:        256,
		CacheTTL:         300 * time.Second,
		CacheMinAudience: 5,
		SlowWarn:         20 * time.Millisecond,
	}
}

// Router holds the rule table and the routing-result cache. The rule table
// and cache share one reader/writer lock, independent of the index's lock.
type Router struct {
	mu    sync.RWMutex
	rules []*Rule

	cache *routeCache

	latency *tracker.Tracker

	totalEvents uint64
	errors      uint64

	cfg Config
}

// New returns a pointer to a Router preloaded with the default rule set
func New(cfg *Config) *Router {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	r := &Router{
		cache:   newRouteCache(cfg.CacheSize, cfg.CacheTTL),
		latency: tracker.New(),
		cfg:     *cfg,
	}
	for _, rule := range defaultRules() {
		// default rules carry known-good regexes
		if err := r.AddRule(rule); err != nil {
			log.WithFields(log.Fields{"rule": rule.ID, "error": err.Error()}).Error("default rule rejected")
		}
	}
	return r
}

// AddRule validates and registers a rule. A malformed rule (bad regex,
// missing destinations) is rejected with a descriptive error and the route
// table is left untouched.
func (r *Router) AddRule(rule Rule) error {

	if rule.ID == "" {
		return errors.New("rule id must not be empty")
	}
	if len(rule.EventTypes) == 0 {
		return errors.New("rule " + rule.ID + " has no event type patterns")
	}
	if len(rule.Destinations) == 0 {
		return errors.New("rule " + rule.ID + " has no destinations")
	}

	compiled := make([]*regexp.Regexp, 0, len(rule.EventTypes))
	for _, p := range rule.EventTypes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %s has invalid event type pattern %q: %w", rule.ID, p, err)
		}
		compiled = append(compiled, re)
	}
	rule.patterns = compiled

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rules {
		if existing.ID == rule.ID {
			return errors.New("rule " + rule.ID + " already registered")
		}
	}

	r.rules = append(r.rules, &rule)
	r.cache.purge()
	return nil
}

// RemoveRule deletes a rule by ID, reporting whether it was present
func (r *Router) RemoveRule(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rule := range r.rules {
		if rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			r.cache.purge()
			return true
		}
	}
	return false
}

// RouteEvent resolves destinations and priority for one event. A panic
// while evaluating one rule is recovered and logged; the remaining rules
// still contribute. RouteEvent itself never returns an error - an event no
// rule matches simply routes nowhere.
func (r *Router) RouteEvent(eventType string, eventData map[string]any, ctx Context) Result {

	started := time.Now()

	result := Result{
		EventID:      uuid.New().String(),
		Destinations: make(map[string][]string),
		Priority:     pattern.PriorityLow,
	}

	candidates := sortedUsers(ctx.Candidates)

	// repeated structurally-identical events (health pings and the like)
	// are common, so reuse the rule resolution when the audience is the
	// same shape
	h := hashEvent(eventType, eventData)
	if cached, ok := r.cache.get(h); ok {
		result.MatchedRules = cached.matchedRules
		result.Priority = cached.priority
		result.CacheHit = true
		for _, room := range cached.rooms {
			result.Destinations[room] = candidates
		}
		r.finish(&result, started, candidates)
		return result
	}

	r.mu.RLock()
	rules := make([]*Rule, len(r.rules))
	copy(rules, r.rules)
	r.mu.RUnlock()

	var rooms []string
	seen := map[string]bool{}

	for _, rule := range rules {
		matched, dests := r.evaluate(rule, eventType, eventData, ctx)
		if !matched {
			continue
		}
		result.MatchedRules = append(result.MatchedRules, rule.ID)
		if rule.Priority > result.Priority {
			result.Priority = rule.Priority
		}
		for _, d := range dests {
			if !seen[d] {
				seen[d] = true
				rooms = append(rooms, d)
			}
		}
	}

	for _, room := range rooms {
		result.Destinations[room] = candidates
	}

	if len(result.MatchedRules) > 0 && len(candidates) >= r.cfg.CacheMinAudience {
		r.cache.add(h, cachedRoute{
			matchedRules: result.MatchedRules,
			rooms:        rooms,
			priority:     result.Priority,
		})
	}

	r.finish(&result, started, candidates)
	return result
}

func (r *Router) finish(result *Result, started time.Time, candidates []string) {
	result.TotalUsers = len(candidates)
	elapsed := time.Since(started)
	result.RoutingMs = float64(elapsed.Nanoseconds()) / 1e6
	r.latency.Add(elapsed)

	r.mu.Lock()
	r.totalEvents++
	r.mu.Unlock()

	if elapsed > r.cfg.SlowWarn {
		log.WithFields(log.Fields{"elapsed": elapsed, "event_id": result.EventID}).Warning("slow event routing")
	}
}

// evaluate applies one rule to one event, isolating panics so a bad rule
// cannot take down the rest of the table.
func (r *Router) evaluate(rule *Rule, eventType string, eventData map[string]any, ctx Context) (matched bool, dests []string) {

	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{"rule": rule.ID, "event_type": eventType, "panic": rec}).Error("rule evaluation panicked, excluding rule from this event")
			matched = false
			dests = nil
			r.mu.Lock()
			r.errors++
			r.mu.Unlock()
		}
	}()

	typeOK := false
	for _, re := range rule.patterns {
		if re.MatchString(eventType) {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false, nil
	}

	for field, fv := range rule.ContentFilters {
		if !matchField(eventData[field], fv) {
			return false, nil
		}
	}

	if uc := rule.UserCriteria; uc != nil {
		if uc.MinCandidates > 0 && len(ctx.Candidates) < uc.MinCandidates {
			return false, nil
		}
		if uc.SubscriptionType != "" && uc.SubscriptionType != ctx.SubscriptionType {
			return false, nil
		}
	}

	r.mu.Lock()
	rule.matches++
	r.mu.Unlock()

	return true, expandDestinations(rule, eventData)
}

// matchField checks one event field against a filter value. A missing or
// type-mismatched field degrades to "no match", never to an error.
func matchField(value any, fv FilterValue) bool {

	if fv.Equals != nil {
		if !scalarEqual(value, fv.Equals) {
			return false
		}
	}

	if fv.Min != nil || fv.Max != nil {
		n, ok := asFloat(value)
		if !ok {
			return false
		}
		if fv.Min != nil && n < *fv.Min {
			return false
		}
		if fv.Max != nil && n > *fv.Max {
			return false
		}
	}

	return true
}

func scalarEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// expandDestinations fills destination templates such as
// pattern_{patternType}_{symbol} from the event payload
func expandDestinations(rule *Rule, eventData map[string]any) []string {

	dests := make([]string, 0, len(rule.Destinations))

	for _, d := range rule.Destinations {
		room := d
		if strings.Contains(room, "{") {
			room = expandTemplate(room, eventData)
		}
		if rule.Strategy == PriorityTiered {
			room = room + "_" + rule.Priority.String()
		}
		dests = append(dests, room)
	}

	return dests
}

var templateField = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

func expandTemplate(tmpl string, eventData map[string]any) string {
	return templateField.ReplaceAllStringFunc(tmpl, func(m string) string {
		field := m[1 : len(m)-1]
		if v, ok := eventData[field]; ok {
			return fmt.Sprintf("%v", v)
		}
		return "unknown"
	})
}

func sortedUsers(set map[string]bool) []string {
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	return users
}

// RuleMatches reports per-rule match counts by rule ID
func (r *Router) RuleMatches() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]uint64, len(r.rules))
	for _, rule := range r.rules {
		m[rule.ID] = rule.matches
	}
	return m
}

// Rules returns the registered rule IDs in registration order
func (r *Router) Rules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		ids = append(ids, rule.ID)
	}
	return ids
}

// Report represents router statistics for external reporting
type Report struct {
	TotalEvents  uint64            `json:"totalEvents"`
	RuleCount    int               `json:"ruleCount"`
	RuleMatches  map[string]uint64 `json:"ruleMatches"`
	Errors       uint64            `json:"errors"`
	CacheHits    uint64            `json:"cacheHits"`
	CacheMisses  uint64            `json:"cacheMisses"`
	CacheHitRate float64           `json:"cacheHitRate"`
	Latency      tracker.Report    `json:"latency"`
}

// GetStats returns a snapshot of router statistics
func (r *Router) GetStats() Report {
	r.mu.RLock()
	total := r.totalEvents
	errCount := r.errors
	ruleCount := len(r.rules)
	r.mu.RUnlock()

	hits, misses := r.cache.counts()
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}

	return Report{
		TotalEvents:  total,
		RuleCount:    ruleCount,
		RuleMatches:  r.RuleMatches(),
		Errors:       errCount,
		CacheHits:    hits,
		CacheMisses:  misses,
		CacheHitRate: rate,
		Latency:      r.latency.NewReport(),
	}
}

// AvgRoutingMs returns the mean routing latency in milliseconds
func (r *Router) AvgRoutingMs() float64 {
	return r.latency.MeanMs()
}

// OptimizeReport represents the outcome of an Optimize call
type OptimizeReport struct {
	ExpiredCacheEntries int `json:"expiredCacheEntries"`
}

// Optimize purges expired routing-cache entries
func (r *Router) Optimize() OptimizeReport {
	return OptimizeReport{ExpiredCacheEntries: r.cache.purgeExpired()}
}
