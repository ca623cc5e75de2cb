package pattern_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketflux/fanout/internal/pattern"
)

func TestParseEventTypeFallsBackToUnknown(t *testing.T) {

	t.Parallel()

	assert.Equal(t, pattern.EventPatternDetected, pattern.ParseEventType("pattern_detected"))
	assert.Equal(t, pattern.EventPatternDetected, pattern.ParseEventType("PATTERN_DETECTED"))
	assert.Equal(t, pattern.EventUnknown, pattern.ParseEventType("no_such_event"))
	assert.Equal(t, pattern.EventUnknown, pattern.ParseEventType(""))

	// parsing an unknown value twice must not mutate the fallback
	assert.Equal(t, pattern.EventUnknown, pattern.ParseEventType("another_bad_one"))
	assert.Equal(t, pattern.EventType("unknown"), pattern.EventUnknown)
}

func TestPriorityOrderingAndNames(t *testing.T) {

	t.Parallel()

	assert.True(t, pattern.PriorityCritical > pattern.PriorityHigh)
	assert.True(t, pattern.PriorityHigh > pattern.PriorityMedium)
	assert.True(t, pattern.PriorityMedium > pattern.PriorityLow)

	assert.Equal(t, "critical", pattern.PriorityCritical.String())
	assert.Equal(t, "low", pattern.PriorityLow.String())

	p, ok := pattern.ParsePriority("HIGH")
	assert.True(t, ok)
	assert.Equal(t, pattern.PriorityHigh, p)

	_, ok = pattern.ParsePriority("urgent")
	assert.False(t, ok)
}

func TestConfidenceBucketBoundaries(t *testing.T) {

	t.Parallel()

	assert.Equal(t, pattern.BucketVeryLow, pattern.ConfidenceBucket(0.0))
	assert.Equal(t, pattern.BucketVeryLow, pattern.ConfidenceBucket(0.49))
	assert.Equal(t, pattern.BucketLow, pattern.ConfidenceBucket(0.5))
	assert.Equal(t, pattern.BucketLow, pattern.ConfidenceBucket(0.64))
	assert.Equal(t, pattern.BucketMedium, pattern.ConfidenceBucket(0.65))
	assert.Equal(t, pattern.BucketMedium, pattern.ConfidenceBucket(0.79))
	assert.Equal(t, pattern.BucketHigh, pattern.ConfidenceBucket(0.8))
	assert.Equal(t, pattern.BucketHigh, pattern.ConfidenceBucket(1.0))
}

func TestFiltersValidate(t *testing.T) {

	t.Parallel()

	assert.NoError(t, pattern.Filters{}.Validate())
	assert.NoError(t, pattern.Filters{ConfidenceMin: 0.7, Priorities: []string{"high"}}.Validate())
	assert.Error(t, pattern.Filters{ConfidenceMin: 1.5}.Validate())
	assert.Error(t, pattern.Filters{ConfidenceMin: -0.1}.Validate())
	assert.Error(t, pattern.Filters{Priorities: []string{"urgent"}}.Validate())
}

func TestZeroValues(t *testing.T) {

	t.Parallel()

	assert.True(t, pattern.Filters{}.IsZero())
	assert.False(t, pattern.Filters{Symbols: []string{"AAPL"}}.IsZero())

	assert.True(t, pattern.Criteria{}.IsZero())
	assert.False(t, pattern.Criteria{Confidence: pattern.Float(0.9)}.IsZero())
}
