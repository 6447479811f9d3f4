package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DirectoryKey is a hash of channel key -> producer label for live channels.
	DirectoryKey = "logcast:channels"

	defaultQueueSize = 4096
	maxBatch         = 256
	writeTimeout     = 2 * time.Second
)

// LinesChannel is the pub/sub channel a key's lines are published on.
func LinesChannel(key domain.ChannelKey) string {
	return "logcast:lines:" + key
}

type opKind int

const (
	opPublish opKind = iota
	opChannelUp
	opChannelDown
)

type mirrorOp struct {
	kind  opKind
	key   domain.ChannelKey
	value string
}

// Mirror forwards registry events to Redis from its own goroutine. The
// enqueue methods never block: when the queue is full the event is dropped.
type Mirror struct {
	rdb     goredis.Cmdable
	queue   chan mirrorOp
	metrics *metrics.MirrorMetrics

	// labels remembers what the directory holds so steady heartbeats cost nothing.
	// staleKeys are directory entries whose removal was dropped; the next
	// flush or cleanup deletes them.
	mu        sync.Mutex
	labels    map[domain.ChannelKey]string
	staleKeys map[domain.ChannelKey]struct{}
}

func NewMirror(rdb goredis.Cmdable, queueSize int, m *metrics.MirrorMetrics) *Mirror {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Mirror{
		rdb:     rdb,
		queue:   make(chan mirrorOp, queueSize),
		metrics:   m,
		labels:    make(map[domain.ChannelKey]string),
		staleKeys: make(map[domain.ChannelKey]struct{}),
	}
}

// Publish queues line for PUBLISH on the key's lines channel.
func (m *Mirror) Publish(key domain.ChannelKey, line string) {
	m.enqueue(mirrorOp{kind: opPublish, key: key, value: line})
}

// ChannelUp records the producer label in the directory when it changed.
func (m *Mirror) ChannelUp(key domain.ChannelKey, label string) {
	m.mu.Lock()
	current, known := m.labels[key]
	if known && current == label {
		m.mu.Unlock()
		return
	}
	m.labels[key] = label
	delete(m.staleKeys, key)
	m.mu.Unlock()

	m.enqueue(mirrorOp{kind: opChannelUp, key: key, value: label})
}

// ChannelDown removes the key from the directory.
func (m *Mirror) ChannelDown(key domain.ChannelKey) {
	m.mu.Lock()
	delete(m.labels, key)
	m.mu.Unlock()

	m.enqueue(mirrorOp{kind: opChannelDown, key: key})
}

func (m *Mirror) enqueue(op mirrorOp) {
	select {
	case m.queue <- op:
	default:
		m.drop("queue_full", 1)
		m.forgetDirectory([]mirrorOp{op})
	}
}

// Run applies queued operations in pipelined batches until ctx is done.
// On exit the directory entries this relay wrote are removed.
func (m *Mirror) Run(ctx context.Context) {
	batch := make([]mirrorOp, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			m.cleanup()
			return
		case op := <-m.queue:
			batch = append(batch[:0], op)
		drain:
			for len(batch) < maxBatch {
				select {
				case op := <-m.queue:
					batch = append(batch, op)
				default:
					break drain
				}
			}
			m.flush(ctx, batch)
		}
	}
}

func (m *Mirror) flush(ctx context.Context, batch []mirrorOp) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	stale := m.takeStaleKeys()

	published := 0
	_, err := m.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.HDel(ctx, DirectoryKey, stale...)
		}
		for _, op := range batch {
			switch op.kind {
			case opPublish:
				pipe.Publish(ctx, LinesChannel(op.key), op.value)
				published++
			case opChannelUp:
				pipe.HSet(ctx, DirectoryKey, op.key, op.value)
			case opChannelDown:
				pipe.HDel(ctx, DirectoryKey, op.key)
			}
		}
		return nil
	})

	if err != nil {
		reason := "redis_error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			reason = "circuit_open"
		} else {
			slog.Warn("Redis mirror batch failed", "ops", len(batch), "error", err)
		}
		m.drop(reason, len(batch))
		m.forgetDirectory(batch)
		m.markStale(stale...)
		return
	}

	if m.metrics != nil {
		m.metrics.Published.Add(float64(published))
	}
}

// forgetDirectory clears cached labels for failed directory writes so the
// next heartbeat retries them, and remembers failed removals as stale.
func (m *Mirror) forgetDirectory(batch []mirrorOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range batch {
		switch op.kind {
		case opChannelUp:
			delete(m.labels, op.key)
		case opChannelDown:
			if _, live := m.labels[op.key]; !live {
				m.staleKeys[op.key] = struct{}{}
			}
		}
	}
}

func (m *Mirror) markStale(keys ...domain.ChannelKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if _, live := m.labels[key]; !live {
			m.staleKeys[key] = struct{}{}
		}
	}
}

func (m *Mirror) takeStaleKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.staleKeys) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.staleKeys))
	for key := range m.staleKeys {
		keys = append(keys, key)
	}
	clear(m.staleKeys)
	return keys
}

func (m *Mirror) cleanup() {
	keys := m.takeStaleKeys()

	m.mu.Lock()
	for key := range m.labels {
		keys = append(keys, key)
	}
	clear(m.labels)
	m.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.rdb.HDel(ctx, DirectoryKey, keys...).Err(); err != nil {
		slog.Warn("Failed to clear Redis channel directory", "channels", len(keys), "error", err)
	}
}

// Ping is the readiness check for the mirror.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

func (m *Mirror) drop(reason string, n int) {
	if m.metrics != nil {
		m.metrics.Dropped.WithLabelValues(reason).Add(float64(n))
	}
}
