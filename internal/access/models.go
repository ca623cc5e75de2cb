package access

import (
	"github.com/marketflux/fanout/internal/pattern"
	"github.com/marketflux/fanout/internal/router"
)

// Error represents an API error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionReply carries the one-shot websocket URI for a granted session
type SessionReply struct {
	URI string `json:"uri"`
}

// SubscribeRequest is the body for creating or replacing a subscription
type SubscribeRequest struct {
	Filters pattern.Filters `json:"filters"`
}

// EventRequest is the body for ingesting an event to broadcast
type EventRequest struct {
	EventType string           `json:"eventType"`
	Data      map[string]any   `json:"data"`
	Criteria  pattern.Criteria `json:"criteria"`
}

// EventReply reports how many endpoints an ingested event reached
type EventReply struct {
	Delivered int `json:"delivered"`
}

// RuleRequest is the body for registering a routing rule
type RuleRequest struct {
	ID             string                        `json:"id"`
	EventTypes     []string                      `json:"eventTypes"`
	ContentFilters map[string]router.FilterValue `json:"contentFilters,omitempty"`
	UserCriteria   *router.UserCriteria          `json:"userCriteria,omitempty"`
	Strategy       string                        `json:"strategy"`
	Destinations   []string                      `json:"destinations"`
	Priority       string                        `json:"priority"`
}

// Rule converts the request into a router rule, mapping the strategy and
// priority names onto their internal values
func (r *RuleRequest) Rule() (router.Rule, error) {

	strategy, err := parseStrategy(r.Strategy)
	if err != nil {
		return router.Rule{}, err
	}

	priority := pattern.PriorityMedium
	if r.Priority != "" {
		p, ok := pattern.ParsePriority(r.Priority)
		if !ok {
			return router.Rule{}, errBadPriority
		}
		priority = p
	}

	return router.Rule{
		ID:             r.ID,
		EventTypes:     r.EventTypes,
		ContentFilters: r.ContentFilters,
		UserCriteria:   r.UserCriteria,
		Strategy:       strategy,
		Destinations:   r.Destinations,
		Priority:       priority,
	}, nil
}
