// Package tracker provides thread-safe running latency statistics using
// Welford's method, and report types for external consumption.
package tracker

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Tracker records a running distribution of durations
type Tracker struct {
	mu    sync.Mutex
	stats *welford.Stats
	last  time.Time
}

// Report represents the statistics we report externally, in milliseconds
type Report struct {
	Count  uint64  `json:"count"`
	MeanMs float64 `json:"meanMs"`
	MinMs  float64 `json:"minMs"`
	MaxMs  float64 `json:"maxMs"`
	Stddev float64 `json:"stddevMs"`
}

// New returns a pointer to an initialised Tracker
func New() *Tracker {
	return &Tracker{
		stats: welford.New(),
	}
}

// Add records one duration
func (t *Tracker) Add(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Add(float64(d.Nanoseconds()) / 1e6)
	t.last = time.Now()
}

// Count returns the number of recorded durations
func (t *Tracker) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.Count()
}

// MeanMs returns the mean recorded duration in milliseconds, zero if empty
func (t *Tracker) MeanMs() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stats.Count() == 0 {
		return 0
	}
	return t.stats.Mean()
}

// MaxMs returns the largest recorded duration in milliseconds, zero if empty
func (t *Tracker) MaxMs() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stats.Count() == 0 {
		return 0
	}
	return t.stats.Max()
}

// Last returns when a duration was most recently recorded
func (t *Tracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// NewReport returns a snapshot of the tracker's statistics
func (t *Tracker) NewReport() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stats.Count() == 0 {
		return Report{}
	}
	return Report{
		Count:  t.stats.Count(),
		MeanMs: t.stats.Mean(),
		MinMs:  t.stats.Min(),
		MaxMs:  t.stats.Max(),
		Stddev: t.stats.Stddev(),
	}
}
