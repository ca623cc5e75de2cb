// Package broadcast delivers routed events to live connections, isolating
// per-connection failures and queueing messages for known-but-disconnected
// users until they reconnect.
package broadcast

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/metrics"
	"github.com/marketflux/fanout/internal/tracker"
)

// Transport is the connection-level collaborator the broadcaster emits
// through. Emit reports how many connections received the payload; a room
// with no members is a successful emission to zero receivers.
// Implementations must bound Emit with a short write timeout so a slow
// client cannot stall a fan-out batch. Disconnect closes a session's
// connection; disconnecting an unknown session is a no-op.
type Transport interface {
	Emit(room string, payload []byte) (int, error)
	JoinRoom(sessionID, room string) error
	LeaveRoom(sessionID, room string) error
	Disconnect(sessionID string)
}

// Delivery is one resolved destination: the payload and the users the
// router targeted at this room.
type Delivery struct {
	Payload []byte
	Users   []string
}

// Config holds the tunable constants for a Broadcaster
type Config struct {

	// QueueCapacity bounds each per-user offline queue; oldest dropped first
	QueueCapacity int

	// StaleAfter is the idle time after which a session is cleaned up
	StaleAfter time.Duration
}

// NewDefaultConfig returns a pointer to a Config with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		QueueCapacity: 100,
		StaleAfter:    300 * time.Second,
	}
}

// session represents one live connection for a user. A user can hold
// several concurrently (multi-tab, multi-device).
type session struct {
	userID      string
	sessionID   string
	connectedAt time.Time
	lastSeen    time.Time
	rooms       map[string]bool
}

// Broadcaster owns the session registry and the per-user offline queues.
// The registry takes a reader/writer lock: reads dominate during fan-out,
// writes happen only on connect/disconnect. Queues lock per user so one
// user's queue cannot block another's.
type Broadcaster struct {
	mu sync.RWMutex

	sessions map[string]*session        // sessionID -> session
	byUser   map[string]map[string]bool // userID -> sessionIDs

	// queues is keyed by userID; each offlineQueue has its own lock
	queues sync.Map

	transport Transport

	// metrics is optional prometheus instrumentation
	metrics *metrics.Metrics

	latency *tracker.Tracker

	delivered uint64
	failed    uint64
	queued    uint64

	// now is injectable for tests
	now func() time.Time

	cfg Config
}

// New returns a pointer to a Broadcaster emitting through the given transport
func New(transport Transport, cfg *Config) *Broadcaster {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Broadcaster{
		sessions:  make(map[string]*session),
		byUser:    make(map[string]map[string]bool),
		transport: transport,
		latency:   tracker.New(),
		now:       time.Now,
		cfg:       *cfg,
	}
}

// SetMetrics attaches prometheus instrumentation; call before delivering.
// A nil Metrics leaves instrumentation off.
func (b *Broadcaster) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// countOutcome increments the delivery counter for one outcome
func (b *Broadcaster) countOutcome(outcome string, n int) {
	if b.metrics != nil && n > 0 {
		b.metrics.Deliveries.WithLabelValues(outcome).Add(float64(n))
	}
}

// queueDepthDelta adjusts the offline queue depth gauge
func (b *Broadcaster) queueDepthDelta(d int) {
	if b.metrics != nil && d != 0 {
		b.metrics.OfflineQueueDepth.Add(float64(d))
	}
}

// SetNowFunc replaces the clock, for tests
func (b *Broadcaster) SetNowFunc(nf func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = nf
}

// Deliver emits each destination's payload and queues it for targeted users
// with no live session. A transport failure for one room is counted and
// does not abort delivery to the remaining rooms. Returns the number of
// successful room emissions plus queued messages.
func (b *Broadcaster) Deliver(destinations map[string]Delivery) int {

	started := time.Now()

	count := 0

	for room, d := range destinations {

		// destinations without targeted users are plain room emissions,
		// reaching whichever sessions joined the room
		if len(d.Users) == 0 {
			n, err := b.transport.Emit(room, d.Payload)
			if err != nil {
				log.WithFields(log.Fields{"room": room, "error": err.Error()}).Warning("room emit failed")
				b.mu.Lock()
				b.failed++
				b.mu.Unlock()
				b.countOutcome("failed", 1)
				continue
			}
			count += n
			b.countOutcome("emitted", n)
			continue
		}

		live, offline := b.partition(d.Users)

		if live > 0 {
			n, err := b.transport.Emit(room, d.Payload)
			if err != nil {
				log.WithFields(log.Fields{"room": room, "error": err.Error()}).Warning("emit failed, queueing for targeted users")
				b.mu.Lock()
				b.failed++
				b.mu.Unlock()
				b.countOutcome("failed", 1)
				// the room's live users missed this message; queue it
				// for replay alongside the offline users
				offline = append(offline, liveUsers(d.Users, offline)...)
			} else {
				count += n
				b.countOutcome("emitted", n)
			}
		}

		for _, userID := range offline {
			b.enqueue(userID, d.Payload)
			count++
		}
	}

	b.mu.Lock()
	b.delivered += uint64(count)
	b.mu.Unlock()

	b.latency.Add(time.Since(started))

	return count
}

// partition splits targeted users into a live-session count and the users
// with no live session
func (b *Broadcaster) partition(users []string) (live int, offline []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, u := range users {
		if len(b.byUser[u]) > 0 {
			live++
		} else {
			offline = append(offline, u)
		}
	}
	return live, offline
}

// liveUsers returns the users not already in the offline list
func liveUsers(all, offline []string) []string {
	skip := make(map[string]bool, len(offline))
	for _, u := range offline {
		skip[u] = true
	}
	var live []string
	for _, u := range all {
		if !skip[u] {
			live = append(live, u)
		}
	}
	return live
}

// HandleConnect registers a session, joins it to the user's personal room,
// and replays any queued messages in their original order.
func (b *Broadcaster) HandleConnect(userID, sessionID string) {

	now := b.nowLocked()

	b.mu.Lock()
	s := &session{
		userID:      userID,
		sessionID:   sessionID,
		connectedAt: now,
		lastSeen:    now,
		rooms:       map[string]bool{},
	}
	b.sessions[sessionID] = s
	if _, ok := b.byUser[userID]; !ok {
		b.byUser[userID] = make(map[string]bool)
	}
	b.byUser[userID][sessionID] = true
	b.mu.Unlock()

	personal := UserRoom(userID)
	if err := b.transport.JoinRoom(sessionID, personal); err != nil {
		log.WithFields(log.Fields{"user": userID, "session": sessionID, "error": err.Error()}).Warning("could not join personal room")
	} else {
		b.trackRoom(sessionID, personal)
	}

	b.flushQueue(userID, personal)

	log.WithFields(log.Fields{"user": userID, "session": sessionID}).Debug("session connected")
}

// HandleDisconnect deregisters a session. The user counts as fully offline
// once their last session is gone.
func (b *Broadcaster) HandleDisconnect(userID, sessionID string) {

	b.mu.Lock()
	delete(b.sessions, sessionID)
	if set, ok := b.byUser[userID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(b.byUser, userID)
		}
	}
	b.mu.Unlock()

	log.WithFields(log.Fields{"user": userID, "session": sessionID}).Debug("session disconnected")
}

// JoinUserRoom joins all of a user's live sessions to a room, tracking
// membership for stats
func (b *Broadcaster) JoinUserRoom(userID, room string) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.byUser[userID]))
	for id := range b.byUser[userID] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if err := b.transport.JoinRoom(id, room); err != nil {
			log.WithFields(log.Fields{"user": userID, "session": id, "room": room, "error": err.Error()}).Warning("could not join room")
			continue
		}
		b.trackRoom(id, room)
	}
}

// LeaveUserRoom removes all of a user's live sessions from a room
func (b *Broadcaster) LeaveUserRoom(userID, room string) {
	b.mu.Lock()
	ids := []string{}
	for id := range b.byUser[userID] {
		if s, ok := b.sessions[id]; ok && s.rooms[room] {
			delete(s.rooms, room)
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.transport.LeaveRoom(id, room); err != nil {
			log.WithFields(log.Fields{"user": userID, "session": id, "room": room, "error": err.Error()}).Warning("could not leave room")
		}
	}
}

func (b *Broadcaster) trackRoom(sessionID, room string) {
	b.mu.Lock()
	if s, ok := b.sessions[sessionID]; ok {
		s.rooms[room] = true
	}
	b.mu.Unlock()
}

// Touch records transport-level activity for a session, deferring its
// staleness cleanup
func (b *Broadcaster) Touch(sessionID string) {
	b.mu.Lock()
	if s, ok := b.sessions[sessionID]; ok {
		s.lastSeen = b.now()
	}
	b.mu.Unlock()
}

// IsOnline reports whether the user has at least one live session
func (b *Broadcaster) IsOnline(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byUser[userID]) > 0
}

// ConnectionCount returns the number of live sessions
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// CleanupStaleConnections drops sessions idle beyond maxIdle, returning the
// count removed. This bounds growth from phantom connections whose
// transport never noticed the peer go away.
func (b *Broadcaster) CleanupStaleConnections(maxIdle time.Duration) int {

	b.mu.Lock()
	cutoff := b.now().Add(-maxIdle)
	stale := []*session{}
	for _, s := range b.sessions {
		if s.lastSeen.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	b.mu.Unlock()

	for _, s := range stale {
		log.WithFields(log.Fields{"user": s.userID, "session": s.sessionID}).Info("cleaning up stale session")
		// deregister first so a re-entrant disconnect callback from the
		// transport finds the session already gone
		b.HandleDisconnect(s.userID, s.sessionID)
		b.transport.Disconnect(s.sessionID)
	}

	return len(stale)
}

func (b *Broadcaster) nowLocked() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.now()
}

// UserRoom names the personal room for a user
func UserRoom(userID string) string {
	return "user_" + userID
}

// Report represents broadcaster statistics for external reporting
type Report struct {
	Connections   int            `json:"connections"`
	OnlineUsers   int            `json:"onlineUsers"`
	Delivered     uint64         `json:"delivered"`
	Failed        uint64         `json:"failed"`
	Queued        uint64         `json:"queued"`
	QueuedPending int            `json:"queuedPending"`
	Latency       tracker.Report `json:"latency"`
}

// GetStats returns a snapshot of broadcaster statistics
func (b *Broadcaster) GetStats() Report {
	b.mu.RLock()
	connections := len(b.sessions)
	online := len(b.byUser)
	delivered := b.delivered
	failed := b.failed
	queued := b.queued
	b.mu.RUnlock()

	pending := 0
	b.queues.Range(func(_, v any) bool {
		pending += v.(*offlineQueue).len()
		return true
	})

	return Report{
		Connections:   connections,
		OnlineUsers:   online,
		Delivered:     delivered,
		Failed:        failed,
		Queued:        queued,
		QueuedPending: pending,
		Latency:       b.latency.NewReport(),
	}
}

// AvgDeliveryMs returns the mean fan-out latency in milliseconds
func (b *Broadcaster) AvgDeliveryMs() float64 {
	return b.latency.MeanMs()
}
