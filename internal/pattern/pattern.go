// Package pattern defines the event and filter model shared by the
// subscription index, the event router and the broadcaster.
package pattern

import (
	"errors"
	"strings"
)

// EventType represents the class of a market-pattern event
type EventType string

// Known event types. Incoming strings that match none of these map to
// EventUnknown rather than mutating any shared default.
const (
	EventPatternDetected EventType = "pattern_detected"
	EventTierPattern     EventType = "tier_pattern"
	EventMarketUpdate    EventType = "market_update"
	EventSystemHealth    EventType = "system_health"
	EventBacktestResult  EventType = "backtest_result"
	EventUnknown         EventType = "unknown"
)

// ParseEventType maps a string to an EventType, with EventUnknown as the
// deterministic fallback for unrecognised values.
func ParseEventType(s string) EventType {
	switch EventType(strings.ToLower(s)) {
	case EventPatternDetected:
		return EventPatternDetected
	case EventTierPattern:
		return EventTierPattern
	case EventMarketUpdate:
		return EventMarketUpdate
	case EventSystemHealth:
		return EventSystemHealth
	case EventBacktestResult:
		return EventBacktestResult
	default:
		return EventUnknown
	}
}

// Priority represents delivery priority, ordered so that a larger value
// always outranks a smaller one.
type Priority int

// Priority levels, lowest first
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority maps a string to a Priority. The second return value is
// false for unrecognised values, and the caller decides the fallback.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, true
	case "medium":
		return PriorityMedium, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityLow, false
	}
}

// Confidence bucket names, in ascending order of confidence
const (
	BucketVeryLow = "very_low"
	BucketLow     = "low"
	BucketMedium  = "medium"
	BucketHigh    = "high"
)

// ConfidenceBucket maps a numeric confidence onto one of four named ranges
// so that index cardinality stays bounded.
func ConfidenceBucket(c float64) string {
	switch {
	case c < 0.5:
		return BucketVeryLow
	case c < 0.65:
		return BucketLow
	case c < 0.8:
		return BucketMedium
	default:
		return BucketHigh
	}
}

// Filters is the closed set of dimensions a subscription can filter on.
// Empty slices and zero values impose no constraint on that dimension.
type Filters struct {
	PatternTypes  []string `json:"patternTypes,omitempty"`
	Symbols       []string `json:"symbols,omitempty"`
	Tiers         []string `json:"tiers,omitempty"`
	MarketRegimes []string `json:"marketRegimes,omitempty"`
	Priorities    []string `json:"priorities,omitempty"`

	// ConfidenceMin is bucketed on indexing; zero means no constraint
	ConfidenceMin float64 `json:"confidenceMin,omitempty"`
}

// Validate rejects malformed filters at the call boundary
func (f Filters) Validate() error {
	if f.ConfidenceMin < 0 || f.ConfidenceMin > 1 {
		return errors.New("confidenceMin must be within [0,1]")
	}
	for _, p := range f.Priorities {
		if _, ok := ParsePriority(p); !ok {
			return errors.New("unknown priority " + p)
		}
	}
	return nil
}

// IsZero reports whether no dimension is constrained
func (f Filters) IsZero() bool {
	return len(f.PatternTypes) == 0 &&
		len(f.Symbols) == 0 &&
		len(f.Tiers) == 0 &&
		len(f.MarketRegimes) == 0 &&
		len(f.Priorities) == 0 &&
		f.ConfidenceMin == 0
}

// Criteria is the closed set of dimensions an index lookup can constrain.
// Zero-valued fields are skipped, imposing no constraint.
type Criteria struct {
	PatternType      string   `json:"patternType,omitempty"`
	Symbol           string   `json:"symbol,omitempty"`
	Tier             string   `json:"tier,omitempty"`
	MarketRegime     string   `json:"marketRegime,omitempty"`
	SubscriptionType string   `json:"subscriptionType,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
}

// IsZero reports whether the criteria constrain nothing. Lookups with zero
// criteria return the empty set, not all users.
func (c Criteria) IsZero() bool {
	return c.PatternType == "" &&
		c.Symbol == "" &&
		c.Tier == "" &&
		c.MarketRegime == "" &&
		c.SubscriptionType == "" &&
		c.Priority == "" &&
		c.Confidence == nil
}

// Float is a convenience for setting optional numeric criteria
func Float(v float64) *float64 {
	return &v
}
