package broadcast_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/marketflux/fanout/internal/broadcast"
	"github.com/marketflux/fanout/internal/metrics"
)

// fakeTransport records emissions and lets tests fail individual rooms
type fakeTransport struct {
	mu           sync.Mutex
	emitted      map[string][][]byte
	members      map[string]map[string]bool // room -> sessionIDs
	failRoom     map[string]bool
	disconnected []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		emitted:  make(map[string][][]byte),
		members:  make(map[string]map[string]bool),
		failRoom: make(map[string]bool),
	}
}

func (f *fakeTransport) Emit(room string, payload []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRoom[room] {
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
	f.disconnected = append(f.disconnected, sessionID)
	for _, members := range f.members {
		delete(members, sessionID)
	}
}

func (f *fakeTransport) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.disconnected))
	copy(out, f.disconnected)
	return out
}

func (f *fakeTransport) emissions(room string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.emitted[room]))
	copy(out, f.emitted[room])
	return out
}

func (f *fakeTransport) fail(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRoom[room] = true
}

func (f *fakeTransport) recover(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failRoom, room)
}

func TestDeliverToLiveUsers(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	b.HandleConnect("u1", "s1")
	b.HandleConnect("u2", "s2")

	payload := []byte(`{"event":"pattern_detected"}`)

	count := b.Deliver(map[string]broadcast.Delivery{
		broadcast.UserRoom("u1"): {Payload: payload, Users: []string{"u1"}},
		broadcast.UserRoom("u2"): {Payload: payload, Users: []string{"u2"}},
	})

	assert.Equal(t, 2, count)
	assert.Len(t, ft.emissions(broadcast.UserRoom("u1")), 1)
	assert.Len(t, ft.emissions(broadcast.UserRoom("u2")), 1)
}

func TestDeliverZeroDestinations(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	assert.Equal(t, 0, b.Deliver(map[string]broadcast.Delivery{}))
}

func TestFailureIsolatedToOneRoom(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	b.HandleConnect("u1", "s1")
	b.HandleConnect("u2", "s2")
	b.HandleConnect("u3", "s3")

	ft.fail(broadcast.UserRoom("u2"))

	payload := []byte(`{"event":"pattern_detected"}`)

	count := b.Deliver(map[string]broadcast.Delivery{
		broadcast.UserRoom("u1"): {Payload: payload, Users: []string{"u1"}},
		broadcast.UserRoom("u2"): {Payload: payload, Users: []string{"u2"}},
		broadcast.UserRoom("u3"): {Payload: payload, Users: []string{"u3"}},
	})

	// two live deliveries plus one queued for the failed room's user
	assert.Equal(t, 3, count)
	assert.Len(t, ft.emissions(broadcast.UserRoom("u1")), 1)
	assert.Len(t, ft.emissions(broadcast.UserRoom("u3")), 1)
	assert.Equal(t, 1, b.QueuedFor("u2"))

	stats := b.GetStats()
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestOfflineUsersAreQueuedAndFlushedInOrder(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	first := []byte(`{"seq":1}`)
	second := []byte(`{"seq":2}`)

	room := broadcast.UserRoom("u1")

	count := b.Deliver(map[string]broadcast.Delivery{
		room: {Payload: first, Users: []string{"u1"}},
	})
	assert.Equal(t, 1, count)

	count = b.Deliver(map[string]broadcast.Delivery{
		room: {Payload: second, Users: []string{"u1"}},
	})
	assert.Equal(t, 1, count)

	assert.Equal(t, 2, b.QueuedFor("u1"))
	assert.Empty(t, ft.emissions(room))

	b.HandleConnect("u1", "s1")

	assert.Equal(t, 0, b.QueuedFor("u1"))

	replayed := ft.emissions(room)
	assert.Equal(t, [][]byte{first, second}, replayed)
}

func TestOfflineQueueDropsOldestAtCapacity(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	cfg := &broadcast.Config{QueueCapacity: 3, StaleAfter: time.Minute}
	b := broadcast.New(ft, cfg)

	room := broadcast.UserRoom("u1")

	for i := byte('a'); i <= 'e'; i++ {
		b.Deliver(map[string]broadcast.Delivery{
			room: {Payload: []byte{i}, Users: []string{"u1"}},
		})
	}

	assert.Equal(t, 3, b.QueuedFor("u1"))

	b.HandleConnect("u1", "s1")

	replayed := ft.emissions(room)
	assert.Equal(t, [][]byte{{'c'}, {'d'}, {'e'}}, replayed)
}

func TestPlainRoomEmissionCountsReceivers(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	b.HandleConnect("u1", "s1")
	b.HandleConnect("u2", "s2")

	b.JoinUserRoom("u1", "tier_daily")
	b.JoinUserRoom("u2", "tier_daily")

	payload := []byte(`{"event":"tier_pattern"}`)

	count := b.Deliver(map[string]broadcast.Delivery{
		"tier_daily": {Payload: payload},
	})

	assert.Equal(t, 2, count)

	// a room nobody joined is a successful emission to zero receivers
	count = b.Deliver(map[string]broadcast.Delivery{
		"tier_weekly": {Payload: payload},
	})
	assert.Equal(t, 0, count)
	assert.Equal(t, uint64(0), b.GetStats().Failed)
}

func TestIsOnlineTracksSessions(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	assert.False(t, b.IsOnline("u1"))

	// a user can hold several sessions at once
	b.HandleConnect("u1", "s1")
	b.HandleConnect("u1", "s2")
	assert.True(t, b.IsOnline("u1"))
	assert.Equal(t, 2, b.ConnectionCount())

	b.HandleDisconnect("u1", "s1")
	assert.True(t, b.IsOnline("u1"))

	b.HandleDisconnect("u1", "s2")
	assert.False(t, b.IsOnline("u1"))
	assert.Equal(t, 0, b.ConnectionCount())
}

func TestCleanupStaleConnections(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	now := time.Now()
	b.SetNowFunc(func() time.Time { return now })

	b.HandleConnect("u1", "s1")
	b.HandleConnect("u2", "s2")

	// u2 stays active, u1 goes quiet
	now = now.Add(10 * time.Minute)
	b.Touch("s2")

	removed := b.CleanupStaleConnections(5 * time.Minute)

	assert.Equal(t, 1, removed)
	assert.False(t, b.IsOnline("u1"))
	assert.True(t, b.IsOnline("u2"))

	// the transport is told to close the stale session's connection
	assert.Equal(t, []string{"s1"}, ft.disconnects())
}

func TestCollectorsTrackDeliveryOutcomes(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	mets := metrics.New()
	b.SetMetrics(mets)

	room := broadcast.UserRoom("u1")
	payload := []byte(`{"seq":1}`)

	// offline delivery queues
	b.Deliver(map[string]broadcast.Delivery{
		room: {Payload: payload, Users: []string{"u1"}},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(mets.Deliveries.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mets.OfflineQueueDepth))

	// connecting flushes the queue, which counts as an emission
	b.HandleConnect("u1", "s1")

	assert.Equal(t, 0.0, testutil.ToFloat64(mets.OfflineQueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(mets.Deliveries.WithLabelValues("emitted")))

	// a live delivery counts its receivers
	b.Deliver(map[string]broadcast.Delivery{
		room: {Payload: payload, Users: []string{"u1"}},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(mets.Deliveries.WithLabelValues("emitted")))

	// a failed emit counts as failed and re-queues for the targeted user
	ft.fail(room)
	b.Deliver(map[string]broadcast.Delivery{
		room: {Payload: payload, Users: []string{"u1"}},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(mets.Deliveries.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mets.Deliveries.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mets.OfflineQueueDepth))
}

func TestFailedEmitQueuesForLiveUsersToo(t *testing.T) {

	t.Parallel()

	ft := newFakeTransport()
	b := broadcast.New(ft, nil)

	b.HandleConnect("u1", "s1")

	room := broadcast.UserRoom("u1")
	ft.fail(room)

	payload := []byte(`{"seq":1}`)

	count := b.Deliver(map[string]broadcast.Delivery{
		room: {Payload: payload, Users: []string{"u1"}},
	})

	// the emission failed but the message is queued, not lost
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, b.QueuedFor("u1"))

	// on reconnect the queue replays
	ft.recover(room)
	b.HandleDisconnect("u1", "s1")
	b.HandleConnect("u1", "s2")

	assert.Equal(t, 0, b.QueuedFor("u1"))
	assert.Equal(t, [][]byte{payload}, ft.emissions(room))
}
