package manager_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketflux/fanout/internal/broadcast"
	"github.com/marketflux/fanout/internal/manager"
	"github.com/marketflux/fanout/internal/pattern"
)

// fakeTransport records emissions per room
type fakeTransport struct {
	mu      sync.Mutex
	emitted map[string][][]byte
	members map[string]map[string]bool
	failAll bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		emitted: make(map[string][][]byte),
		members: make(map[string]map[string]bool),
	}
}

func (f *fakeTransport) Emit(room string, payload []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.New("transport failure")
	}
	f.emitted[room] = append(f.emitted[room], payload)
	return len(f.members[room]), nil
}

func (f *fakeTransport) JoinRoom(sessionID, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[room]; !ok {
		f.members[room] = make(map[string]bool)
	}
	f.members[room][sessionID] = true
	return nil
}

func (f *fakeTransport) LeaveRoom(sessionID, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[room], sessionID)
	return nil
}

func (f *fakeTransport) Disconnect(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, members := range f.members {
		delete(members, sessionID)
	}
}

func (f *fakeTransport) emissions(room string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.emitted[room]))
	copy(out, f.emitted[room])
	return out
}

func (f *fakeTransport) inRoom(room, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[room][sessionID]
}

func TestSubscribeValidation(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	assert.Error(t, m.Subscribe("", "pattern_alerts", pattern.Filters{}))
	assert.Error(t, m.Subscribe("u1", "", pattern.Filters{}))
	assert.Error(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{ConfidenceMin: 2}))

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))

	sub, ok := m.GetSubscription("u1", "pattern_alerts")
	assert.True(t, ok)
	assert.True(t, sub.Active)
	assert.Equal(t, manager.RoomForType("pattern_alerts"), sub.Room)
	assert.Equal(t, []string{"AAPL"}, sub.Filters.Symbols)
}

func TestSubscribeReplacesFilters(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))
	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"TSLA"}}))

	sub, ok := m.GetSubscription("u1", "pattern_alerts")
	assert.True(t, ok)
	assert.Equal(t, []string{"TSLA"}, sub.Filters.Symbols)

	// the index must reflect the replacement, not the union
	assert.Empty(t, m.Index().FindMatchingUsers(pattern.Criteria{Symbol: "AAPL"}))
	assert.NotEmpty(t, m.Index().FindMatchingUsers(pattern.Criteria{Symbol: "TSLA"}))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))

	assert.True(t, m.Unsubscribe("u1", "pattern_alerts"))

	_, ok := m.GetSubscription("u1", "pattern_alerts")
	assert.False(t, ok)
	assert.Empty(t, m.Index().FindMatchingUsers(pattern.Criteria{Symbol: "AAPL"}))

	// unknown user and repeated unsubscribe both succeed as no-ops
	assert.True(t, m.Unsubscribe("u1", "pattern_alerts"))
	assert.True(t, m.Unsubscribe("nobody", ""))
	assert.False(t, m.Unsubscribe("", "pattern_alerts"))
}

func TestBroadcastEventReachesMatchingUsersOnly(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	m := manager.New(ft, nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{
		PatternTypes: []string{"Breakout"},
		Symbols:      []string{"AAPL"},
	}))
	assert.NoError(t, m.Subscribe("u2", "pattern_alerts", pattern.Filters{
		PatternTypes: []string{"TrendReversal"},
		Symbols:      []string{"AAPL"},
	}))

	m.HandleConnect("u1", "s1")
	m.HandleConnect("u2", "s2")

	count := m.BroadcastEvent("pattern_detected",
		map[string]any{"patternType": "Breakout", "symbol": "AAPL", "confidence": 0.9},
		pattern.Criteria{PatternType: "Breakout", Symbol: "AAPL"})

	assert.True(t, count >= 1)

	assert.Len(t, ft.emissions(broadcast.UserRoom("u1")), 1)
	assert.Empty(t, ft.emissions(broadcast.UserRoom("u2")))

	// the routed logical room was emitted as well
	assert.Len(t, ft.emissions("pattern_Breakout_AAPL"), 1)

	// the envelope carries the event and priority
	var env struct {
		ID       string         `json:"id"`
		Event    string         `json:"event"`
		Priority string         `json:"priority"`
		Data     map[string]any `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(ft.emissions(broadcast.UserRoom("u1"))[0], &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "pattern_detected", env.Event)
	assert.Equal(t, "high", env.Priority)
	assert.Equal(t, "Breakout", env.Data["patternType"])
}

func TestBroadcastEventWithNoMatchesDeliversNothing(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	m := manager.New(ft, nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))
	m.HandleConnect("u1", "s1")

	count := m.BroadcastEvent("pattern_detected",
		map[string]any{"patternType": "Breakout", "symbol": "GME"},
		pattern.Criteria{Symbol: "GME"})

	assert.Equal(t, 0, count)
	assert.Empty(t, ft.emissions(broadcast.UserRoom("u1")))
}

func TestBroadcastQueuesForOfflineSubscribers(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	m := manager.New(ft, nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))

	count := m.BroadcastEvent("pattern_detected",
		map[string]any{"patternType": "Breakout", "symbol": "AAPL"},
		pattern.Criteria{Symbol: "AAPL"})

	assert.Equal(t, 1, count)
	assert.Equal(t, 1, m.Broadcaster().QueuedFor("u1"))

	// the queued message replays on connect
	m.HandleConnect("u1", "s1")
	assert.Equal(t, 0, m.Broadcaster().QueuedFor("u1"))
	assert.Len(t, ft.emissions(broadcast.UserRoom("u1")), 1)
}

func TestHandleConnectJoinsSubscriptionRooms(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	m := manager.New(ft, nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{}))
	assert.NoError(t, m.Subscribe("u1", "tier_updates", pattern.Filters{}))

	m.HandleConnect("u1", "s1")

	assert.True(t, ft.inRoom(broadcast.UserRoom("u1"), "s1"))
	assert.True(t, ft.inRoom(manager.RoomForType("pattern_alerts"), "s1"))
	assert.True(t, ft.inRoom(manager.RoomForType("tier_updates"), "s1"))

	// subscribing while connected joins the new room immediately
	assert.NoError(t, m.Subscribe("u1", "backtests", pattern.Filters{}))
	assert.True(t, ft.inRoom(manager.RoomForType("backtests"), "s1"))

	// unsubscribing leaves it
	assert.True(t, m.Unsubscribe("u1", "backtests"))
	assert.False(t, ft.inRoom(manager.RoomForType("backtests"), "s1"))
}

func TestConcurrentConnectsForOneUser(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{}))

	// multi-tab connects race each other updating activity timestamps
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sessionID := "s" + string(rune('a'+i))
				m.HandleConnect("u1", sessionID)
				m.UpdateActivity("u1")
				m.HandleDisconnect("u1", sessionID)
			}
		}(i)
	}
	wg.Wait()

	sub, ok := m.GetSubscription("u1", "pattern_alerts")
	assert.True(t, ok)
	assert.False(t, sub.LastActivity.IsZero())
}

func TestCleanupInactiveSubscriptions(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })

	assert.NoError(t, m.Subscribe("idle", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))
	assert.NoError(t, m.Subscribe("busy", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))
	assert.NoError(t, m.Subscribe("online", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))

	m.HandleConnect("online", "s1")

	now = now.Add(48 * time.Hour)
	m.UpdateActivity("busy")

	removed := m.CleanupInactive(24 * time.Hour)

	assert.Equal(t, 1, removed)

	_, ok := m.GetSubscription("idle", "pattern_alerts")
	assert.False(t, ok)

	_, ok = m.GetSubscription("busy", "pattern_alerts")
	assert.True(t, ok)

	// connected users are never cleaned up, however old their activity
	_, ok = m.GetSubscription("online", "pattern_alerts")
	assert.True(t, ok)

	matched := m.Index().FindMatchingUsers(pattern.Criteria{Symbol: "AAPL"})
	assert.NotContains(t, matched, "idle")
}

func TestGetStatsAggregatesLayers(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))
	assert.NoError(t, m.Subscribe("u1", "tier_updates", pattern.Filters{Tiers: []string{"daily"}}))
	assert.NoError(t, m.Subscribe("u2", "pattern_alerts", pattern.Filters{Symbols: []string{"TSLA"}}))

	m.BroadcastEvent("pattern_detected",
		map[string]any{"patternType": "Breakout", "symbol": "AAPL"},
		pattern.Criteria{Symbol: "AAPL"})

	stats := m.GetStats()

	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 3, stats.TotalSubscriptions)
	assert.True(t, stats.IndexLookupCount >= 1)
	assert.True(t, stats.RoutingTotalEvents >= 1)
	assert.Equal(t, uint64(0), stats.DegradedStages)
}

func TestGetHealthReportsHealthyUnderTargets(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))

	m.BroadcastEvent("pattern_detected",
		map[string]any{"patternType": "Breakout", "symbol": "AAPL"},
		pattern.Criteria{Symbol: "AAPL"})

	h := m.GetHealth()

	assert.Equal(t, manager.StatusHealthy, h.Status)
	assert.NotEmpty(t, h.Message)
}

func TestOptimizeRunsAllLayers(t *testing.T) {

	t.Parallel()

	m := manager.New(newFakeTransport(), nil, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))

	report := m.Optimize()

	assert.Equal(t, 0, report.StaleConnections)
	assert.True(t, report.Index.RemainingEntries > 0)
}

func TestIndexEntryAgeHasItsOwnKnob(t *testing.T) {

	t.Parallel()

	// the index entry age is configured separately from the query cache TTL
	cfg := manager.NewDefaultConfig()
	assert.Equal(t, 24*time.Hour, cfg.IndexStaleAfter)
	assert.NotEqual(t, cfg.Index.CacheTTL, cfg.IndexStaleAfter)

	cfg.IndexStaleAfter = time.Hour
	m := manager.New(newFakeTransport(), cfg, nil)

	assert.NoError(t, m.Subscribe("u1", "pattern_alerts", pattern.Filters{Symbols: []string{"AAPL"}}))

	report := m.Optimize()
	assert.Equal(t, 0, report.StaleEntries)
}
