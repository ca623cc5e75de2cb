package router

import (
	"github.com/marketflux/fanout/internal/pattern"
)

// defaultRules is the rule set shipped at startup. Callers can extend or
// replace it through AddRule/RemoveRule.
func defaultRules() []Rule {
	return []Rule{
		{
			ID:           "pattern-detection",
			EventTypes:   []string{`^pattern_detected$`, `^tier_pattern$`},
			Strategy:     ContentBased,
			Destinations: []string{"pattern_{patternType}_{symbol}"},
			Priority:     pattern.PriorityHigh,
		},
		{
			ID:         "tier-daily",
			EventTypes: []string{`^tier_pattern$`},
			ContentFilters: map[string]FilterValue{
				"tier": {Equals: "daily"},
			},
			Strategy:     ContentBased,
			Destinations: []string{"tier_daily"},
			Priority:     pattern.PriorityMedium,
		},
		{
			ID:         "tier-intraday",
			EventTypes: []string{`^tier_pattern$`},
			ContentFilters: map[string]FilterValue{
				"tier": {Equals: "intraday"},
			},
			Strategy:     ContentBased,
			Destinations: []string{"tier_intraday"},
			Priority:     pattern.PriorityMedium,
		},
		{
			ID:         "tier-combo",
			EventTypes: []string{`^tier_pattern$`},
			ContentFilters: map[string]FilterValue{
				"tier": {Equals: "combo"},
			},
			Strategy:     ContentBased,
			Destinations: []string{"tier_combo"},
			Priority:     pattern.PriorityMedium,
		},
		{
			ID:           "system-health",
			EventTypes:   []string{`^system_health$`, `^system_.*$`},
			Strategy:     BroadcastAll,
			Destinations: []string{"system_status"},
			Priority:     pattern.PriorityCritical,
		},
		{
			ID:           "backtest-results",
			EventTypes:   []string{`^backtest_result$`},
			Strategy:     ContentBased,
			Destinations: []string{"backtest_{runId}"},
			Priority:     pattern.PriorityLow,
		},
	}
}
