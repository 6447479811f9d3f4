package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/domain"
)

const (
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
	commandQueueSize = 1024
	depthWarnRatio   = 0.8

	// A channel survives one missed heartbeat.
	expiryFactor = 2

	defaultHeartbeatInterval = time.Second
)

// RemoveReason says why a channel was torn down.
type RemoveReason string

const (
	ReasonExpired  RemoveReason = "expired"
	ReasonRemoved  RemoveReason = "removed"
	ReasonIdle     RemoveReason = "idle"
	ReasonOrphaned RemoveReason = "orphaned"
	ReasonShutdown RemoveReason = "shutdown"
)

// Options configures a Registry. Zero values fall back to sensible defaults
// except Capacity, where zero means no history is retained.
type Options struct {
	Capacity             int
	HeartbeatInterval    time.Duration
	MaxViewersPerChannel int // zero means unlimited
	Clock                clockwork.Clock
	Metrics              *metrics.RegistryMetrics

	// OrphanTTL removes channels that never saw a heartbeat once no line
	// arrived for this long. Zero keeps them until removed.
	OrphanTTL time.Duration

	// OnHeartbeat, OnPublish and OnRemove run on the registry goroutine and must not block.
	OnHeartbeat func(key domain.ChannelKey, label string)
	OnPublish   func(key domain.ChannelKey, line string)
	OnRemove    func(key domain.ChannelKey, reason RemoveReason)
}

// Registry maps channel keys to channels. Create one with New and release it with Stop.
type Registry struct {
	cmdCh    chan registryCmd
	done     chan struct{}
	clock    clockwork.Clock
	metrics  *metrics.RegistryMetrics
	channels map[domain.ChannelKey]*channel
	// membership is the viewer side table: which channel each attached viewer belongs to.
	membership map[uuid.UUID]domain.ChannelKey

	capacity    int
	ttl         time.Duration
	orphanTTL   time.Duration
	maxViewers  int
	onHeartbeat func(domain.ChannelKey, string)
	onPublish   func(domain.ChannelKey, string)
	onRemove    func(domain.ChannelKey, RemoveReason)
}

func New(opts Options) *Registry {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	r := &Registry{
		cmdCh:       make(chan registryCmd, commandQueueSize),
		done:        make(chan struct{}),
		clock:       clock,
		metrics:     opts.Metrics,
		channels:    make(map[domain.ChannelKey]*channel),
		membership:  make(map[uuid.UUID]domain.ChannelKey),
		capacity:    max(opts.Capacity, 0),
		ttl:         expiryFactor * interval,
		orphanTTL:   max(opts.OrphanTTL, 0),
		maxViewers:  opts.MaxViewersPerChannel,
		onHeartbeat: opts.OnHeartbeat,
		onPublish:   opts.OnPublish,
		onRemove:    opts.OnRemove,
	}
	go r.run()
	return r
}

// ExpiryWindow is how long a channel lives after its last heartbeat.
func (r *Registry) ExpiryWindow() time.Duration {
	return r.ttl
}

// GetOrCreate returns the channel for key, creating an empty one without a liveness timer.
func (r *Registry) GetOrCreate(key domain.ChannelKey) domain.ChannelInfo {
	reply := make(chan domain.ChannelInfo, 1)
	info, ok := request(r, getOrCreateCmd{key: key, reply: reply}, reply)
	if !ok {
		return domain.ChannelInfo{Key: key}
	}
	return info
}

func (r *Registry) Has(key domain.ChannelKey) bool {
	reply := make(chan bool, 1)
	found, _ := request(r, hasCmd{key: key, reply: reply}, reply)
	return found
}

// Heartbeat creates the channel if needed, records label and pushes the
// expiry deadline to now + 2×interval, replacing any pending expiry.
func (r *Registry) Heartbeat(key domain.ChannelKey, label string) {
	r.send(heartbeatCmd{key: key, label: label})
}

// Publish appends line to the channel buffer and queues it to every attached viewer.
func (r *Registry) Publish(key domain.ChannelKey, line string) {
	r.send(publishCmd{key: key, line: line})
}

// Remove closes every viewer of key and deletes the channel. Removing an
// absent key is a no-op. Reports whether a channel was removed.
func (r *Registry) Remove(key domain.ChannelKey) bool {
	reply := make(chan bool, 1)
	removed, _ := request(r, removeCmd{key: key, reply: reply}, reply)
	return removed
}

// List returns the known channels ordered by key.
func (r *Registry) List() []domain.ChannelInfo {
	reply := make(chan []domain.ChannelInfo, 1)
	infos, _ := request(r, listCmd{reply: reply}, reply)
	return infos
}

// Snapshot returns the buffered lines of key in arrival order, or nil if the channel does not exist.
func (r *Registry) Snapshot(key domain.ChannelKey) []string {
	reply := make(chan []string, 1)
	lines, _ := request(r, snapshotCmd{key: key, reply: reply}, reply)
	return lines
}

func (r *Registry) ViewerCount(key domain.ChannelKey) int {
	reply := make(chan int, 1)
	count, ok := request(r, viewerCountCmd{key: key, reply: reply}, reply)
	if !ok {
		return -1
	}
	return count
}

// Attach replays the channel history to viewer and subscribes it to live
// lines in one step, so nothing published concurrently is lost or duplicated.
func (r *Registry) Attach(key domain.ChannelKey, viewer domain.Viewer) error {
	reply := make(chan error, 1)
	err, ok := request(r, attachCmd{key: key, viewer: viewer, reply: reply}, reply)
	if !ok {
		return domain.ErrRegistryStopped
	}
	return err
}

// Detach drops the viewer from its channel and returns once the registry
// has forgotten it, so no later Publish reaches it. Unknown viewers are ignored.
func (r *Registry) Detach(viewerID uuid.UUID) {
	reply := make(chan struct{}, 1)
	request(r, detachCmd{viewerID: viewerID, reply: reply}, reply)
}

// Ping round-trips through the registry goroutine; used by readiness checks.
func (r *Registry) Ping() error {
	reply := make(chan struct{}, 1)
	if _, ok := request(r, pingCmd{reply: reply}, reply); !ok {
		return domain.ErrRegistryStopped
	}
	return nil
}

// Stop closes every viewer and ends the registry goroutine.
func (r *Registry) Stop() {
	if !r.send(stopCmd{}) {
		return
	}

	timeout := r.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
		slog.Info("Registry stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Registry stop timeout exceeded", "timeout", stopTimeout)
	}
}

// send queues cmd unless the registry has stopped.
func (r *Registry) send(cmd registryCmd) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// request sends cmd and waits for its reply. ok is false when the registry
// stopped or did not answer within commandTimeout.
func request[T any](r *Registry, cmd registryCmd, reply chan T) (v T, ok bool) {
	if !r.send(cmd) {
		return v, false
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v = <-reply:
		return v, true
	case <-r.done:
		return v, false
	case <-timer.Chan():
		slog.Warn("Registry command timed out", "command_type", fmt.Sprintf("%T", cmd), "timeout", commandTimeout)
		return v, false
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Registry panic recovered", "panic", p)
			r.closeAll(ReasonShutdown)
		}
	}()

	depthTicker := r.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			r.observeDepth()
		case cmd := <-r.cmdCh:
			if stop := r.handle(cmd); stop {
				return
			}
		}
	}
}

func (r *Registry) handle(cmd registryCmd) bool {
	switch c := cmd.(type) {
	case getOrCreateCmd:
		c.reply <- r.ensure(c.key).info()
	case hasCmd:
		_, ok := r.channels[c.key]
		c.reply <- ok
	case pingCmd:
		c.reply <- struct{}{}
	case heartbeatCmd:
		r.handleHeartbeat(c)
	case publishCmd:
		r.handlePublish(c)
	case removeCmd:
		ch, ok := r.channels[c.key]
		if ok {
			r.teardown(ch, ReasonRemoved)
		}
		c.reply <- ok
	case listCmd:
		c.reply <- r.list()
	case snapshotCmd:
		if ch, ok := r.channels[c.key]; ok {
			c.reply <- ch.buffer.Snapshot()
		} else {
			c.reply <- nil
		}
	case viewerCountCmd:
		if ch, ok := r.channels[c.key]; ok {
			c.reply <- len(ch.viewers)
		} else {
			c.reply <- 0
		}
	case attachCmd:
		c.reply <- r.handleAttach(c)
	case detachCmd:
		r.handleDetach(c.viewerID)
		c.reply <- struct{}{}
	case expireCmd:
		r.handleExpire(c)
	case stopCmd:
		slog.Info("Registry shutting down", "channels", len(r.channels), "viewers", len(r.membership))
		r.closeAll(ReasonShutdown)
		return true
	default:
		slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
	return false
}

func (r *Registry) ensure(key domain.ChannelKey) *channel {
	if ch, ok := r.channels[key]; ok {
		return ch
	}

	ch := newChannel(key, r.capacity)
	r.channels[key] = ch
	if r.metrics != nil {
		r.metrics.ChannelsCreated.Inc()
		r.metrics.ActiveChannels.Set(float64(len(r.channels)))
	}
	slog.Debug("Channel created", "channel_key", key)
	return ch
}

func (r *Registry) handleHeartbeat(c heartbeatCmd) {
	ch := r.ensure(c.key)
	ch.producerLabel = c.label
	ch.heartbeated = true

	ch.stopExpiry()
	r.armExpiry(ch, r.ttl)

	if r.metrics != nil {
		r.metrics.Heartbeats.Inc()
	}
	if r.onHeartbeat != nil {
		r.onHeartbeat(c.key, c.label)
	}
}

// armExpiry replaces any pending expiry of ch with one firing after d.
func (r *Registry) armExpiry(ch *channel, d time.Duration) {
	ch.stopExpiry()
	gen := ch.expiryGen
	ch.expiry = r.clock.AfterFunc(d, func() {
		// Never block the timer goroutine on a busy queue.
		go r.send(expireCmd{channel: ch, gen: gen})
	})
}

func (r *Registry) handlePublish(c publishCmd) {
	ch := r.ensure(c.key)
	ch.buffer.Push(c.line)
	ch.lastPublish = r.clock.Now()
	if r.orphanTTL > 0 && !ch.heartbeated && ch.expiry == nil {
		r.armExpiry(ch, r.orphanTTL)
	}

	if r.metrics != nil {
		r.metrics.LinesPublished.Inc()
	}
	if r.onPublish != nil {
		r.onPublish(c.key, c.line)
	}

	var failed []domain.Viewer
	for _, v := range ch.viewers {
		err := v.Send(c.line)
		switch {
		case err == nil:
			continue
		case errors.Is(err, domain.ErrViewerClosed):
			// Closed between its last delivery and its detach; nothing was lost.
			slog.Debug("Dropping closed viewer", "channel_key", c.key, "viewer_id", v.ID().String())
		default:
			slog.Warn("Detaching viewer after failed delivery", "channel_key", c.key, "viewer_id", v.ID().String(), "error", err)
			v.Close("viewer too slow")
			if r.metrics != nil {
				r.metrics.DeliveryFailures.Inc()
			}
		}
		failed = append(failed, v)
	}

	for _, v := range failed {
		delete(ch.viewers, v.ID())
		delete(r.membership, v.ID())
	}
}

func (r *Registry) handleAttach(c attachCmd) error {
	id := c.viewer.ID()
	if _, attached := r.membership[id]; attached {
		return fmt.Errorf("viewer %s already attached", id)
	}

	ch := r.ensure(c.key)
	if r.maxViewers > 0 && len(ch.viewers) >= r.maxViewers {
		return fmt.Errorf("%w: %d viewers on channel %s", domain.ErrChannelFull, r.maxViewers, c.key)
	}

	for _, line := range ch.buffer.Snapshot() {
		if err := c.viewer.Send(line); err != nil {
			r.reapIfIdle(ch)
			return fmt.Errorf("replay to viewer: %w", err)
		}
	}

	ch.viewers[id] = c.viewer
	r.membership[id] = c.key
	slog.Debug("Viewer attached", "channel_key", c.key, "viewer_id", id.String(), "viewers", len(ch.viewers), "replayed", ch.buffer.Len())
	return nil
}

func (r *Registry) handleDetach(id uuid.UUID) {
	key, ok := r.membership[id]
	if !ok {
		return
	}
	delete(r.membership, id)

	ch, ok := r.channels[key]
	if !ok {
		return
	}
	delete(ch.viewers, id)
	slog.Debug("Viewer detached", "channel_key", key, "viewer_id", id.String(), "remaining", len(ch.viewers))
	r.reapIfIdle(ch)
}

func (r *Registry) handleExpire(c expireCmd) {
	ch, ok := r.channels[c.channel.key]
	if !ok || ch != c.channel || ch.expiryGen != c.gen {
		return
	}
	if !ch.heartbeated {
		r.handleOrphan(ch)
		return
	}
	slog.Info("Channel expired", "channel_key", ch.key, "producer", ch.producerLabel, "viewers", len(ch.viewers))
	r.teardown(ch, ReasonExpired)
}

// handleOrphan tears down a heartbeat-less channel whose lines stopped,
// or re-arms for the rest of the window when lines are still arriving.
func (r *Registry) handleOrphan(ch *channel) {
	if quiet := r.clock.Since(ch.lastPublish); quiet < r.orphanTTL {
		r.armExpiry(ch, r.orphanTTL-quiet)
		return
	}
	slog.Info("Orphaned channel removed", "channel_key", ch.key, "viewers", len(ch.viewers), "buffered", ch.buffer.Len())
	r.teardown(ch, ReasonOrphaned)
}

func (r *Registry) reapIfIdle(ch *channel) {
	if ch.idle() {
		r.teardown(ch, ReasonIdle)
	}
}

func (r *Registry) teardown(ch *channel, reason RemoveReason) {
	ch.stopExpiry()
	for id, v := range ch.viewers {
		v.Close("channel " + string(reason))
		delete(r.membership, id)
	}
	clear(ch.viewers)
	ch.buffer.Reset()
	delete(r.channels, ch.key)

	if r.metrics != nil {
		r.metrics.ChannelsRemoved.WithLabelValues(string(reason)).Inc()
		r.metrics.ActiveChannels.Set(float64(len(r.channels)))
	}
	if r.onRemove != nil {
		r.onRemove(ch.key, reason)
	}
}

func (r *Registry) closeAll(reason RemoveReason) {
	for _, ch := range r.channels {
		r.teardown(ch, reason)
	}
}

func (r *Registry) list() []domain.ChannelInfo {
	infos := make([]domain.ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		infos = append(infos, ch.info())
	}
	slices.SortFunc(infos, func(a, b domain.ChannelInfo) int { return compareKeys(a.Key, b.Key) })
	return infos
}

// compareKeys orders numeric keys (ports) numerically and everything else lexically.
func compareKeys(a, b string) int {
	if isDigits(a) && isDigits(b) && len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (r *Registry) observeDepth() {
	depth := len(r.cmdCh)
	if r.metrics != nil {
		r.metrics.CommandQueueDepth.Set(float64(depth))
	}
	if float64(depth) > depthWarnRatio*float64(cap(r.cmdCh)) {
		slog.Warn("Registry command queue near capacity", "depth", depth, "capacity", cap(r.cmdCh))
	}
}
