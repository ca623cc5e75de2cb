package manager

import (
	"fmt"

	"github.com/marketflux/fanout/internal/broadcast"
	"github.com/marketflux/fanout/internal/index"
	"github.com/marketflux/fanout/internal/router"
	"github.com/marketflux/fanout/internal/tracker"
)

// Stats aggregates per-layer statistics into one report
type Stats struct {
	TotalUsers               int     `json:"totalUsers"`
	TotalSubscriptions       int     `json:"totalSubscriptions"`
	Connections              int     `json:"connections"`
	IndexLookupCount         uint64  `json:"indexLookupCount"`
	IndexAvgLookupMs         float64 `json:"indexAvgLookupMs"`
	IndexCacheHitRatePercent float64 `json:"indexCacheHitRatePercent"`
	RoutingTotalEvents       uint64  `json:"routingTotalEvents"`
	RoutingAvgTimeMs         float64 `json:"routingAvgTimeMs"`
	RoutingCacheHitRate      float64 `json:"routingCacheHitRate"`
	BroadcastEventsDelivered uint64  `json:"broadcastEventsDelivered"`
	BroadcastAvgLatencyMs    float64 `json:"broadcastAvgLatencyMs"`
	DegradedStages           uint64  `json:"degradedStages"`

	Index     index.Report     `json:"index"`
	Router    router.Report    `json:"router"`
	Broadcast broadcast.Report `json:"broadcast"`
	Latency   tracker.Report   `json:"latency"`
}

// GetStats returns a snapshot across all layers
func (m *Manager) GetStats() Stats {

	ixReport := m.index.GetStats()
	rtReport := m.router.GetStats()
	bcReport := m.broadcaster.GetStats()

	m.mu.RLock()
	users := len(m.subscriptions)
	subs := m.countLocked()
	delivered := m.eventsDelivered
	degraded := m.degraded
	m.mu.RUnlock()

	return Stats{
		TotalUsers:               users,
		TotalSubscriptions:       subs,
		Connections:              bcReport.Connections,
		IndexLookupCount:         ixReport.Lookups.Count,
		IndexAvgLookupMs:         ixReport.Lookups.MeanMs,
		IndexCacheHitRatePercent: ixReport.CacheHitRatePercent,
		RoutingTotalEvents:       rtReport.TotalEvents,
		RoutingAvgTimeMs:         rtReport.Latency.MeanMs,
		RoutingCacheHitRate:      rtReport.CacheHitRate,
		BroadcastEventsDelivered: delivered,
		BroadcastAvgLatencyMs:    bcReport.Latency.MeanMs,
		DegradedStages:           degraded,
		Index:                    ixReport,
		Router:                   rtReport,
		Broadcast:                bcReport,
		Latency:                  m.broadcastLatency.NewReport(),
	}
}

// Health status values
const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Health represents the engine's health summary
type Health struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Stats   Stats  `json:"stats"`
}

// thresholds for health derivation; these mirror the engine's latency
// targets and are deliberately generous on low volume
const (
	healthIndexAvgMs      = 5.0
	healthRoutingAvgMs    = 20.0
	healthBroadcastAvgMs  = 100.0
	healthMinVolume       = 100
	healthFailedRatioWarn = 0.05
)

// GetHealth derives a health status from whether the latency and failure
// targets are currently met
func (m *Manager) GetHealth() Health {

	s := m.GetStats()

	totalEmissions := s.Broadcast.Delivered + s.Broadcast.Failed
	if totalEmissions >= healthMinVolume {
		ratio := float64(s.Broadcast.Failed) / float64(totalEmissions)
		if ratio > healthFailedRatioWarn {
			return Health{
				Status:  StatusError,
				Message: fmt.Sprintf("delivery failure ratio %.1f%% exceeds %.1f%%", 100*ratio, 100*healthFailedRatioWarn),
				Stats:   s,
			}
		}
	}

	if s.IndexLookupCount >= healthMinVolume && s.IndexAvgLookupMs > healthIndexAvgMs {
		return Health{
			Status:  StatusWarning,
			Message: fmt.Sprintf("index lookups averaging %.2fms against a %.0fms target", s.IndexAvgLookupMs, healthIndexAvgMs),
			Stats:   s,
		}
	}

	if s.RoutingTotalEvents >= healthMinVolume && s.RoutingAvgTimeMs > healthRoutingAvgMs {
		return Health{
			Status:  StatusWarning,
			Message: fmt.Sprintf("routing averaging %.2fms against a %.0fms target", s.RoutingAvgTimeMs, healthRoutingAvgMs),
			Stats:   s,
		}
	}

	if s.Latency.Count >= healthMinVolume && s.Latency.MeanMs > healthBroadcastAvgMs {
		return Health{
			Status:  StatusWarning,
			Message: fmt.Sprintf("broadcasts averaging %.2fms against a %.0fms budget", s.Latency.MeanMs, healthBroadcastAvgMs),
			Stats:   s,
		}
	}

	return Health{Status: StatusHealthy, Message: "all targets met", Stats: s}
}

// OptimizeReport combines each layer's optimize/cleanup outcome
type OptimizeReport struct {
	Index            index.OptimizeReport  `json:"index"`
	Router           router.OptimizeReport `json:"router"`
	StaleConnections int                   `json:"staleConnections"`
	StaleEntries     int                   `json:"staleEntries"`
}

// Optimize delegates to each layer's housekeeping and returns a combined
// report
func (m *Manager) Optimize() OptimizeReport {
	return OptimizeReport{
		Index:            m.index.Optimize(),
		Router:           m.router.Optimize(),
		StaleConnections: m.broadcaster.CleanupStaleConnections(m.cfg.Broadcast.StaleAfter),
		StaleEntries:     m.index.CleanupStaleEntries(m.cfg.IndexStaleAfter),
	}
}
