package registry

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = time.Second

// fakeViewer records everything queued to it.
type fakeViewer struct {
	id uuid.UUID

	mu          sync.Mutex
	lines       []string
	closed      bool
	closeReason string
	sendErr     error
}

func newFakeViewer() *fakeViewer {
	return &fakeViewer{id: uuid.New()}
}

func (v *fakeViewer) ID() uuid.UUID { return v.id }

func (v *fakeViewer) Send(line string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return domain.ErrViewerClosed
	}
	if v.sendErr != nil {
		return v.sendErr
	}
	v.lines = append(v.lines, line)
	return nil
}

func (v *fakeViewer) Close(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		v.closeReason = reason
	}
}

func (v *fakeViewer) received() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.lines...)
}

func (v *fakeViewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *fakeViewer) failSends(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sendErr = err
}

func newTestRegistry(t *testing.T, capacity int, clock clockwork.Clock) *Registry {
	t.Helper()
	r := New(Options{Capacity: capacity, HeartbeatInterval: testInterval, Clock: clock})
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry_GetOrCreateAndHas(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())

	assert.False(t, r.Has("9001"))

	info := r.GetOrCreate("9001")
	assert.Equal(t, domain.ChannelInfo{Key: "9001"}, info)
	assert.True(t, r.Has("9001"))

	r.Publish("9001", "hello")
	again := r.GetOrCreate("9001")
	assert.Equal(t, 1, again.Buffered)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_PublishTrimsToCapacity(t *testing.T) {
	r := newTestRegistry(t, 2, clockwork.NewFakeClock())

	for _, line := range []string{"a", "b", "c"} {
		r.Publish("9001", line)
	}

	assert.Equal(t, []string{"b", "c"}, r.Snapshot("9001"))
	assert.Nil(t, r.Snapshot("unknown"))
}

func TestRegistry_ZeroCapacityRetainsNothing(t *testing.T) {
	r := newTestRegistry(t, 0, clockwork.NewFakeClock())
	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))

	r.Publish("9001", "live")

	assert.Empty(t, r.Snapshot("9001"))
	assert.Equal(t, []string{"live"}, v.received())
}

func TestRegistry_AttachReplaysThenStreams(t *testing.T) {
	r := newTestRegistry(t, 100, clockwork.NewFakeClock())
	for i := range 5 {
		r.Publish("9001", strconv.Itoa(i))
	}

	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, v.received())

	r.Publish("9001", "5")
	r.Publish("other", "x")

	assert.Equal(t, 1, r.ViewerCount("9001"))
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5"}, v.received())
}

func TestRegistry_AttachDuringConcurrentPublishLosesNothing(t *testing.T) {
	const total = 500
	r := newTestRegistry(t, total, clockwork.NewRealClock())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range total {
			r.Publish("9001", strconv.Itoa(i))
		}
	}()

	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))
	<-done
	_ = r.Has("9001") // drain queued publishes

	got := v.received()
	require.Len(t, got, total)
	for i, line := range got {
		assert.Equal(t, strconv.Itoa(i), line)
	}
}

func TestRegistry_AttachUnknownKeyCreatesChannel(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())

	v := newFakeViewer()
	require.NoError(t, r.Attach("4242", v))

	assert.True(t, r.Has("4242"))
	assert.Empty(t, v.received())
}

func TestRegistry_AttachTwiceRejected(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())
	v := newFakeViewer()

	require.NoError(t, r.Attach("9001", v))
	assert.Error(t, r.Attach("9002", v))
	assert.Equal(t, 1, r.ViewerCount("9001"))
}

func TestRegistry_MaxViewersPerChannel(t *testing.T) {
	r := New(Options{Capacity: 10, MaxViewersPerChannel: 2, Clock: clockwork.NewFakeClock()})
	t.Cleanup(r.Stop)

	require.NoError(t, r.Attach("9001", newFakeViewer()))
	require.NoError(t, r.Attach("9001", newFakeViewer()))

	err := r.Attach("9001", newFakeViewer())
	require.ErrorIs(t, err, domain.ErrChannelFull)
	assert.Equal(t, 2, r.ViewerCount("9001"))

	require.NoError(t, r.Attach("9002", newFakeViewer()))
}

func TestRegistry_FanOutIsolatesFailingViewer(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())
	a, b := newFakeViewer(), newFakeViewer()
	require.NoError(t, r.Attach("9001", a))
	require.NoError(t, r.Attach("9001", b))

	a.failSends(domain.ErrViewerQueueFull)
	r.Publish("9001", "one")
	r.Publish("9001", "two")

	assert.Equal(t, 1, r.ViewerCount("9001"))
	assert.Equal(t, []string{"one", "two"}, b.received())
	assert.True(t, a.isClosed())
	assert.False(t, b.isClosed())
}

func TestRegistry_ClosedViewerIsDroppedWithoutDeliveryFailure(t *testing.T) {
	m := metrics.NewRegistryMetrics(prometheus.NewRegistry())
	r := New(Options{Capacity: 10, HeartbeatInterval: testInterval, Clock: clockwork.NewFakeClock(), Metrics: m})
	t.Cleanup(r.Stop)

	gone, live := newFakeViewer(), newFakeViewer()
	require.NoError(t, r.Attach("9001", gone))
	require.NoError(t, r.Attach("9001", live))

	gone.Close("client disconnected")
	r.Publish("9001", "after disconnect")

	assert.Equal(t, 1, r.ViewerCount("9001"))
	assert.Equal(t, []string{"after disconnect"}, live.received())
	assert.Equal(t, "client disconnected", gone.closeReason)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DeliveryFailures))

	// The late detach from the connection handler is a no-op.
	r.Detach(gone.ID())
	assert.Equal(t, 1, r.ViewerCount("9001"))
}

func TestRegistry_DetachReturnsAfterViewerIsGone(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())
	r.Heartbeat("9001", "worker")
	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))

	r.Detach(v.ID())
	v.Close("client disconnected")
	r.Publish("9001", "late")

	assert.Empty(t, v.received())
	assert.Equal(t, 0, r.ViewerCount("9001"))
}

func TestRegistry_DetachIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())
	r.Heartbeat("9001", "worker")
	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))

	r.Detach(v.ID())
	r.Detach(v.ID())
	r.Detach(uuid.New())
	r.Publish("9001", "after")

	assert.Equal(t, 0, r.ViewerCount("9001"))
	assert.Empty(t, v.received())
	assert.True(t, r.Has("9001"))
}

func TestRegistry_DetachReapsEmptyViewerCreatedChannel(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())
	v := newFakeViewer()
	require.NoError(t, r.Attach("no-producer", v))

	r.Detach(v.ID())

	assert.False(t, r.Has("no-producer"))
}

func TestRegistry_DetachKeepsChannelWithHistory(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())
	r.Publish("9001", "kept")
	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))

	r.Detach(v.ID())

	assert.True(t, r.Has("9001"))
	assert.Equal(t, []string{"kept"}, r.Snapshot("9001"))
}

func TestRegistry_HeartbeatRecordsLabel(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())

	r.Heartbeat("9001", "api-server")
	r.Heartbeat("9002", "worker")
	r.Heartbeat("9001", "api-server:v2")

	assert.Equal(t, []domain.ChannelInfo{
		{Key: "9001", ProducerLabel: "api-server:v2"},
		{Key: "9002", ProducerLabel: "worker"},
	}, r.List())
}

func TestRegistry_HeartbeatsKeepChannelAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, 10, clock)

	for range 10 {
		r.Heartbeat("9001", "worker")
		require.True(t, r.Has("9001"))
		clock.Advance(2*testInterval - time.Millisecond)
		require.True(t, r.Has("9001"))
	}
}

func TestRegistry_ExpiresTwoIntervalsAfterLastHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, 10, clock)
	assert.Equal(t, 2*testInterval, r.ExpiryWindow())

	r.Heartbeat("9001", "worker")
	require.True(t, r.Has("9001"))

	clock.Advance(2*testInterval - time.Millisecond)
	require.True(t, r.Has("9001"))

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return !r.Has("9001") }, time.Second, time.Millisecond)
}

func TestRegistry_ExpiryClosesViewersAndDropsBuffer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, 10, clock)

	r.Heartbeat("9001", "worker")
	r.Publish("9001", "line")
	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))

	clock.Advance(2 * testInterval)

	require.Eventually(t, v.isClosed, time.Second, time.Millisecond)
	assert.False(t, r.Has("9001"))
	assert.Nil(t, r.Snapshot("9001"))

	// Re-created channels start empty.
	r.Publish("9001", "fresh")
	assert.Equal(t, []string{"fresh"}, r.Snapshot("9001"))
}

func TestRegistry_ChannelWithoutHeartbeatDoesNotExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, 10, clock)

	r.Publish("9001", "line")
	clock.Advance(10 * testInterval)

	assert.True(t, r.Has("9001"))
}

func TestRegistry_OrphanedChannelIsRemovedAfterQuietPeriod(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var removed []RemoveReason
	r := New(Options{
		Capacity:          10,
		HeartbeatInterval: testInterval,
		OrphanTTL:         time.Minute,
		Clock:             clock,
		OnRemove:          func(_ domain.ChannelKey, reason RemoveReason) { removed = append(removed, reason) },
	})
	t.Cleanup(r.Stop)

	v := newFakeViewer()
	r.Publish("9001", "first")
	require.NoError(t, r.Attach("9001", v))

	// Lines keep the channel alive past the first window.
	clock.Advance(40 * time.Second)
	r.Publish("9001", "second")
	require.NoError(t, r.Ping())
	clock.Advance(30 * time.Second)
	assert.True(t, r.Has("9001"))

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return !r.Has("9001") }, time.Second, time.Millisecond)
	assert.True(t, v.isClosed())
	assert.Equal(t, "channel orphaned", v.closeReason)
	require.NoError(t, r.Ping())
	assert.Equal(t, []RemoveReason{ReasonOrphaned}, removed)
}

func TestRegistry_HeartbeatReplacesOrphanExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Options{Capacity: 10, HeartbeatInterval: testInterval, OrphanTTL: 3 * testInterval, Clock: clock})
	t.Cleanup(r.Stop)

	r.Publish("9001", "early line")
	r.Heartbeat("9001", "worker")
	require.NoError(t, r.Ping())

	// The liveness window is now 2x interval, not the orphan window.
	clock.Advance(2 * testInterval)
	require.Eventually(t, func() bool { return !r.Has("9001") }, time.Second, time.Millisecond)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())

	assert.False(t, r.Remove("absent"))

	r.Heartbeat("9001", "worker")
	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))

	assert.True(t, r.Remove("9001"))
	assert.False(t, r.Remove("9001"))
	assert.False(t, r.Has("9001"))
	assert.True(t, v.isClosed())

	// Detaching a viewer of a removed channel is harmless.
	r.Detach(v.ID())
	assert.Empty(t, r.List())
}

func TestRegistry_RemoveCancelsExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()

	var mu sync.Mutex
	var reasons []RemoveReason
	r := New(Options{Capacity: 10, HeartbeatInterval: testInterval, Clock: clock, OnRemove: func(_ domain.ChannelKey, reason RemoveReason) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	}})
	t.Cleanup(r.Stop)

	r.Heartbeat("9001", "worker")
	require.True(t, r.Remove("9001"))
	r.GetOrCreate("9001")

	clock.Advance(5 * testInterval)

	assert.True(t, r.Has("9001"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []RemoveReason{ReasonRemoved}, reasons)
}

func TestHandleExpire_IgnoresStaleTimers(t *testing.T) {
	r := &Registry{
		clock:      clockwork.NewFakeClock(),
		channels:   make(map[domain.ChannelKey]*channel),
		membership: make(map[uuid.UUID]domain.ChannelKey),
		capacity:   4,
		ttl:        2 * testInterval,
	}

	ch := r.ensure("9001")
	ch.stopExpiry()
	staleGen := ch.expiryGen
	ch.stopExpiry()

	r.handleExpire(expireCmd{channel: ch, gen: staleGen})
	assert.Contains(t, r.channels, "9001")

	// A timer scheduled for a previous incarnation of the key is ignored too.
	r.teardown(ch, ReasonRemoved)
	fresh := r.ensure("9001")
	r.handleExpire(expireCmd{channel: ch, gen: ch.expiryGen})
	assert.Same(t, fresh, r.channels["9001"])

	r.handleExpire(expireCmd{channel: fresh, gen: fresh.expiryGen})
	assert.NotContains(t, r.channels, "9001")
}

func TestRegistry_ListOrdersNumericKeysNumerically(t *testing.T) {
	r := newTestRegistry(t, 10, clockwork.NewFakeClock())
	for _, key := range []string{"60001", "9001", "beta", "10000", "alpha"} {
		r.GetOrCreate(key)
	}

	var keys []string
	for _, info := range r.List() {
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{"9001", "10000", "60001", "alpha", "beta"}, keys)
}

func TestRegistry_Callbacks(t *testing.T) {
	var got []string
	r := New(Options{
		Capacity: 1,
		Clock:    clockwork.NewFakeClock(),
		OnHeartbeat: func(key domain.ChannelKey, label string) {
			got = append(got, "heartbeat "+key+"="+label)
		},
		OnPublish: func(key domain.ChannelKey, line string) {
			got = append(got, "publish "+key+"="+line)
		},
		OnRemove: func(key domain.ChannelKey, reason RemoveReason) {
			got = append(got, "remove "+key+"="+string(reason))
		},
	})
	t.Cleanup(r.Stop)

	r.Heartbeat("9001", "worker")
	r.Publish("9001", "a")
	r.Publish("9002", "b")
	r.Remove("9002")

	assert.Equal(t, []string{
		"heartbeat 9001=worker",
		"publish 9001=a",
		"publish 9002=b",
		"remove 9002=removed",
	}, got)
}

func TestRegistry_StopClosesViewersAndRejectsAttach(t *testing.T) {
	r := New(Options{Capacity: 10, Clock: clockwork.NewRealClock()})
	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))

	r.Stop()
	r.Stop()

	assert.True(t, v.isClosed())
	assert.True(t, errors.Is(r.Attach("9001", newFakeViewer()), domain.ErrRegistryStopped))
	assert.False(t, r.Has("9001"))
	assert.Equal(t, -1, r.ViewerCount("9001"))
	assert.ErrorIs(t, r.Ping(), domain.ErrRegistryStopped)

	// Fire-and-forget operations after Stop must not block.
	r.Publish("9001", "late")
	r.Heartbeat("9001", "late")
	r.Detach(v.ID())
}

func TestRegistry_Ping(t *testing.T) {
	r := newTestRegistry(t, 1, clockwork.NewFakeClock())
	assert.NoError(t, r.Ping())
}

func TestRegistry_Metrics(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := metrics.NewRegistryMetrics(prometheus.NewRegistry())
	r := New(Options{Capacity: 10, HeartbeatInterval: testInterval, Clock: clock, Metrics: m})
	t.Cleanup(r.Stop)

	r.Heartbeat("9001", "worker")
	r.Publish("9001", "a")
	r.Publish("9002", "b")
	failing := newFakeViewer()
	require.NoError(t, r.Attach("9002", failing))
	failing.failSends(errors.New("broken pipe"))
	r.Publish("9002", "c")
	r.Remove("9002")
	_ = r.Has("9001")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChannelsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveChannels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LinesPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelsRemoved.WithLabelValues(string(ReasonRemoved))))

	clock.Advance(2 * testInterval)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ChannelsRemoved.WithLabelValues(string(ReasonExpired))) == 1
	}, time.Second, time.Millisecond)
}

// Scenario: capacity 2, three publishes, a late viewer, a live line, then producer silence.
func TestRegistry_EndToEndScenario(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, 2, clock)

	r.Publish("9001", "a")
	r.Publish("9001", "b")
	r.Publish("9001", "c")
	require.Equal(t, []string{"b", "c"}, r.Snapshot("9001"))

	v := newFakeViewer()
	require.NoError(t, r.Attach("9001", v))
	assert.Equal(t, []string{"b", "c"}, v.received())

	r.Publish("9001", "d")
	_ = r.Has("9001")
	assert.Equal(t, []string{"b", "c", "d"}, v.received())

	r.Heartbeat("9001", "worker")
	_ = r.Has("9001")
	clock.Advance(2 * testInterval)

	require.Eventually(t, func() bool { return !r.Has("9001") }, time.Second, time.Millisecond)
	assert.True(t, v.isClosed())
}
