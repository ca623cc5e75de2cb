package tracker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketflux/fanout/internal/tracker"
)

func TestEmptyTrackerReportsZero(t *testing.T) {

	t.Parallel()

	tr := tracker.New()

	assert.Equal(t, uint64(0), tr.Count())
	assert.Equal(t, 0.0, tr.MeanMs())
	assert.Equal(t, 0.0, tr.MaxMs())
	assert.Equal(t, tracker.Report{}, tr.NewReport())
}

func TestTrackerStats(t *testing.T) {

	t.Parallel()

	tr := tracker.New()

	tr.Add(1 * time.Millisecond)
	tr.Add(2 * time.Millisecond)
	tr.Add(3 * time.Millisecond)

	assert.Equal(t, uint64(3), tr.Count())
	assert.InDelta(t, 2.0, tr.MeanMs(), 0.001)
	assert.InDelta(t, 3.0, tr.MaxMs(), 0.001)

	r := tr.NewReport()
	assert.Equal(t, uint64(3), r.Count)
	assert.InDelta(t, 1.0, r.MinMs, 0.001)
	assert.InDelta(t, 3.0, r.MaxMs, 0.001)

	assert.WithinDuration(t, time.Now(), tr.Last(), time.Second)
}

func TestTrackerConcurrentAdd(t *testing.T) {

	t.Parallel()

	tr := tracker.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Add(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), tr.Count())
	assert.InDelta(t, 1.0, tr.MeanMs(), 0.001)
}
