// Package manager orchestrates the fan-out engine: it owns the canonical
// subscription registry, wires the index, router and broadcaster together,
// and keeps event delivery running even when an individual stage degrades.
package manager

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/broadcast"
	"github.com/marketflux/fanout/internal/index"
	"github.com/marketflux/fanout/internal/metrics"
	"github.com/marketflux/fanout/internal/pattern"
	"github.com/marketflux/fanout/internal/router"
	"github.com/marketflux/fanout/internal/tracker"
)

// Subscription is the canonical record for one (user, type) pair. The
// index holds only derived entries, never this object.
type Subscription struct {
	UserID           string          `json:"userId"`
	SubscriptionType string          `json:"subscriptionType"`
	Filters          pattern.Filters `json:"filters"`
	Room             string          `json:"room"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastActivity     time.Time       `json:"lastActivity"`
}

// Config holds the tunable constants for a Manager
type Config struct {
	Index     *index.Config
	Router    *router.Config
	Broadcast *broadcast.Config

	// SoftBudget is the broadcast latency above which we log a warning
	SoftBudget time.Duration

	// IndexStaleAfter is the age beyond which an unreferenced index entry
	// is removed during Optimize
	IndexStaleAfter time.Duration
}

// NewDefaultConfig returns a pointer to a Config with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		Index:           index.NewDefaultConfig(),
		Router:          router.NewDefaultConfig(),
		Broadcast:       broadcast.NewDefaultConfig(),
		SoftBudget:      100 * time.Millisecond,
		IndexStaleAfter: 24 * time.Hour,
	}
}

// Manager is the public surface of the engine. Construct with New and pass
// by reference to consumers; periodic housekeeping is the caller's job via
// Optimize and CleanupInactive.
type Manager struct {
	mu sync.RWMutex

	// userID -> subscriptionType -> subscription
	subscriptions map[string]map[string]*Subscription

	index       *index.Index
	router      *router.Router
	broadcaster *broadcast.Broadcaster

	metrics *metrics.Metrics

	broadcastLatency *tracker.Tracker

	eventsDelivered uint64
	degraded        uint64

	now func() time.Time

	cfg Config
}

// New returns a pointer to a Manager wired to the given transport. A nil
// metrics instance disables instrumentation but not statistics.
func New(transport broadcast.Transport, cfg *Config, m *metrics.Metrics) *Manager {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.IndexStaleAfter == 0 {
		cfg.IndexStaleAfter = 24 * time.Hour
	}

	bc := broadcast.New(transport, cfg.Broadcast)
	bc.SetMetrics(m)

	return &Manager{
		subscriptions:    make(map[string]map[string]*Subscription),
		index:            index.New(cfg.Index),
		router:           router.New(cfg.Router),
		broadcaster:      bc,
		metrics:          m,
		broadcastLatency: tracker.New(),
		now:              time.Now,
		cfg:              *cfg,
	}
}

// SetNowFunc replaces the clock, for tests
func (m *Manager) SetNowFunc(nf func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = nf
}

// Index exposes the subscription index for administrative callers
func (m *Manager) Index() *index.Index {
	return m.index
}

// Router exposes the event router for administrative callers
func (m *Manager) Router() *router.Router {
	return m.router
}

// Broadcaster exposes the broadcaster for the transport's lifecycle hooks
func (m *Manager) Broadcaster() *broadcast.Broadcaster {
	return m.broadcaster
}

// RoomForType names the room joined by subscriptions of a given type
func RoomForType(subscriptionType string) string {
	return "sub_" + subscriptionType
}

// Subscribe validates and registers a subscription, indexes its filters,
// and joins the user's live sessions to the subscription room. An index
// failure is logged and the subscription still succeeds at the registry
// level: losing filter precision beats refusing the subscriber.
func (m *Manager) Subscribe(userID, subscriptionType string, f pattern.Filters) error {

	if userID == "" {
		return errors.New("userId must not be empty")
	}
	if subscriptionType == "" {
		return errors.New("subscriptionType must not be empty")
	}
	if err := f.Validate(); err != nil {
		return err
	}

	now := m.clock()

	m.mu.Lock()
	if _, ok := m.subscriptions[userID]; !ok {
		m.subscriptions[userID] = make(map[string]*Subscription)
	}
	sub, ok := m.subscriptions[userID][subscriptionType]
	if ok {
		sub.Filters = f
		sub.LastActivity = now
	} else {
		sub = &Subscription{
			UserID:           userID,
			SubscriptionType: subscriptionType,
			Filters:          f,
			Room:             RoomForType(subscriptionType),
			Active:           true,
			CreatedAt:        now,
			LastActivity:     now,
		}
		m.subscriptions[userID][subscriptionType] = sub
	}
	total := m.countLocked()
	m.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.noteDegraded()
				log.WithFields(log.Fields{"user": userID, "type": subscriptionType, "panic": r}).Error("index update failed, subscription registered without filtering")
			}
		}()
		m.index.Add(userID, subscriptionType, f)
	}()

	if m.broadcaster.IsOnline(userID) {
		m.broadcaster.JoinUserRoom(userID, sub.Room)
	}

	if m.metrics != nil {
		m.metrics.Subscriptions.Set(float64(total))
	}

	log.WithFields(log.Fields{"user": userID, "type": subscriptionType}).Info("subscribed")

	return nil
}

// Unsubscribe removes one subscription, or every subscription for the user
// when subscriptionType is empty. The index entries go first so a registry
// inconsistency can never leak index state. Unsubscribing an unknown user
// succeeds as a no-op.
func (m *Manager) Unsubscribe(userID, subscriptionType string) bool {

	if userID == "" {
		return false
	}

	// index first: stale index entries are worse than a stale registry
	m.index.Remove(userID, subscriptionType)

	var rooms []string

	m.mu.Lock()
	if byType, ok := m.subscriptions[userID]; ok {
		if subscriptionType == "" {
			for _, sub := range byType {
				rooms = append(rooms, sub.Room)
			}
			delete(m.subscriptions, userID)
		} else if sub, ok := byType[subscriptionType]; ok {
			rooms = append(rooms, sub.Room)
			delete(byType, subscriptionType)
			if len(byType) == 0 {
				delete(m.subscriptions, userID)
			}
		}
	}
	total := m.countLocked()
	m.mu.Unlock()

	for _, room := range rooms {
		m.broadcaster.LeaveUserRoom(userID, room)
	}

	if m.metrics != nil {
		m.metrics.Subscriptions.Set(float64(total))
	}

	log.WithFields(log.Fields{"user": userID, "type": subscriptionType}).Info("unsubscribed")

	return true
}

// envelope is the wire form of one delivered event
type envelope struct {
	ID       string         `json:"id"`
	Event    string         `json:"event"`
	Priority string         `json:"priority"`
	Data     map[string]any `json:"data"`
	Sent     time.Time      `json:"sent"`
}

// BroadcastEvent resolves the audience for an event and delivers it,
// returning the delivery count. Stage failures degrade rather than
// propagate: an index failure means zero candidates, a routing failure
// falls back to direct delivery to the raw candidate set.
func (m *Manager) BroadcastEvent(eventType string, eventData map[string]any, criteria pattern.Criteria) int {

	started := time.Now()

	candidates := m.findCandidates(criteria)

	result, routed := m.route(eventType, eventData, router.Context{
		Candidates:       candidates,
		SubscriptionType: criteria.SubscriptionType,
	})

	priority := pattern.PriorityLow
	eventID := uuid.New().String()
	if routed {
		priority = result.Priority
		eventID = result.EventID
	}

	payload, err := json.Marshal(envelope{
		ID:       eventID,
		Event:    string(pattern.ParseEventType(eventType)),
		Priority: priority.String(),
		Data:     eventData,
		Sent:     m.clock(),
	})
	if err != nil {
		// only reachable with unmarshalable payload values
		log.WithFields(log.Fields{"event_type": eventType, "error": err.Error()}).Error("could not marshal event, dropping")
		return 0
	}

	destinations := make(map[string]broadcast.Delivery)

	if routed {
		for room := range result.Destinations {
			destinations[room] = broadcast.Delivery{Payload: payload}
		}
	}

	// every candidate gets a targeted delivery through their personal
	// room; offline candidates are queued by the broadcaster
	for user := range candidates {
		destinations[broadcast.UserRoom(user)] = broadcast.Delivery{
			Payload: payload,
			Users:   []string{user},
		}
	}

	count := m.broadcaster.Deliver(destinations)

	elapsed := time.Since(started)
	m.broadcastLatency.Add(elapsed)

	m.mu.Lock()
	m.eventsDelivered += uint64(count)
	m.mu.Unlock()

	if m.metrics != nil {
		cache := "miss"
		if routed && result.CacheHit {
			cache = "hit"
		}
		m.metrics.EventsRouted.WithLabelValues(string(pattern.ParseEventType(eventType)), cache).Inc()
		m.metrics.BroadcastDuration.Observe(elapsed.Seconds())
	}

	if elapsed > m.cfg.SoftBudget {
		log.WithFields(log.Fields{"event_type": eventType, "elapsed": elapsed, "count": count}).Warning("broadcast exceeded soft budget")
	}

	return count
}

// findCandidates wraps the index lookup so an internal failure degrades to
// zero candidates instead of aborting the broadcast
func (m *Manager) findCandidates(criteria pattern.Criteria) (candidates map[string]bool) {

	defer func() {
		if r := recover(); r != nil {
			m.noteDegraded()
			log.WithFields(log.Fields{"panic": r}).Error("index lookup failed, treating as zero candidates")
			candidates = map[string]bool{}
		}
	}()

	started := time.Now()
	candidates = m.index.FindMatchingUsers(criteria)

	if m.metrics != nil {
		m.metrics.IndexLookupDuration.Observe(time.Since(started).Seconds())
	}

	return candidates
}

// route wraps the router so a routing failure falls back to direct
// delivery to the raw candidate set
func (m *Manager) route(eventType string, eventData map[string]any, ctx router.Context) (result router.Result, ok bool) {

	defer func() {
		if r := recover(); r != nil {
			m.noteDegraded()
			log.WithFields(log.Fields{"event_type": eventType, "panic": r}).Error("routing failed, delivering direct to candidates")
			ok = false
		}
	}()

	return m.router.RouteEvent(eventType, eventData, ctx), true
}

func (m *Manager) noteDegraded() {
	m.mu.Lock()
	m.degraded++
	m.mu.Unlock()
}

// HandleConnect registers a transport session, joins it to the user's
// subscription rooms and replays any queued messages
func (m *Manager) HandleConnect(userID, sessionID string) {

	m.broadcaster.HandleConnect(userID, sessionID)

	// LastActivity is written here, so this needs the write lock even
	// though the room list is only read
	m.mu.Lock()
	rooms := []string{}
	now := m.now()
	for _, sub := range m.subscriptions[userID] {
		rooms = append(rooms, sub.Room)
		sub.LastActivity = now
	}
	m.mu.Unlock()

	for _, room := range rooms {
		m.broadcaster.JoinUserRoom(userID, room)
	}

	if m.metrics != nil {
		m.metrics.Connections.Set(float64(m.broadcaster.ConnectionCount()))
	}
}

// HandleDisconnect deregisters a transport session
func (m *Manager) HandleDisconnect(userID, sessionID string) {
	m.broadcaster.HandleDisconnect(userID, sessionID)
	if m.metrics != nil {
		m.metrics.Connections.Set(float64(m.broadcaster.ConnectionCount()))
	}
}

// UpdateActivity refreshes the user's subscription activity timestamps
func (m *Manager) UpdateActivity(userID string) {
	m.mu.Lock()
	now := m.now()
	for _, sub := range m.subscriptions[userID] {
		sub.LastActivity = now
	}
	m.mu.Unlock()
}

// GetSubscription returns a copy of one subscription record
func (m *Manager) GetSubscription(userID, subscriptionType string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byType, ok := m.subscriptions[userID]; ok {
		if sub, ok := byType[subscriptionType]; ok {
			return *sub, true
		}
	}
	return Subscription{}, false
}

// CleanupInactive removes subscriptions whose user has no live session and
// no activity within maxInactive, cascading into the index. Returns the
// number of subscriptions removed.
func (m *Manager) CleanupInactive(maxInactive time.Duration) int {

	cutoff := m.clock().Add(-maxInactive)

	type target struct{ userID, subscriptionType string }
	var targets []target

	m.mu.RLock()
	for userID, byType := range m.subscriptions {
		if m.broadcaster.IsOnline(userID) {
			continue
		}
		for subscriptionType, sub := range byType {
			if sub.LastActivity.Before(cutoff) {
				targets = append(targets, target{userID, subscriptionType})
			}
		}
	}
	m.mu.RUnlock()

	for _, t := range targets {
		m.Unsubscribe(t.userID, t.subscriptionType)
	}

	if len(targets) > 0 {
		log.WithFields(log.Fields{"count": len(targets)}).Info("cleaned up inactive subscriptions")
	}

	return len(targets)
}

func (m *Manager) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

// countLocked returns the total subscription count; caller holds the lock
func (m *Manager) countLocked() int {
	n := 0
	for _, byType := range m.subscriptions {
		n += len(byType)
	}
	return n
}
