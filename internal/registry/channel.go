package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/logcast/internal/domain"
	"github.com/pscheid92/logcast/internal/ringbuffer"
)

// channel is only touched by the registry goroutine.
type channel struct {
	key           domain.ChannelKey
	producerLabel string
	buffer        *ringbuffer.Buffer[string]
	viewers       map[uuid.UUID]domain.Viewer
	lastPublish   time.Time
	heartbeated   bool

	// expiry is nil until the first heartbeat, or the first publish when
	// orphan expiry is on. expiryGen identifies the currently armed timer so
	// a callback from a replaced timer is ignored.
	expiry    clockwork.Timer
	expiryGen uint64
}

func newChannel(key domain.ChannelKey, capacity int) *channel {
	return &channel{
		key:     key,
		buffer:  ringbuffer.New[string](capacity),
		viewers: make(map[uuid.UUID]domain.Viewer),
	}
}

func (ch *channel) info() domain.ChannelInfo {
	return domain.ChannelInfo{
		Key:           ch.key,
		ProducerLabel: ch.producerLabel,
		Viewers:       len(ch.viewers),
		Buffered:      ch.buffer.Len(),
	}
}

func (ch *channel) stopExpiry() {
	if ch.expiry != nil {
		ch.expiry.Stop()
		ch.expiry = nil
	}
	ch.expiryGen++
}

// idle reports whether the channel carries nothing worth keeping: no viewers,
// no history and no producer keeping it alive.
func (ch *channel) idle() bool {
	return len(ch.viewers) == 0 && ch.expiry == nil && ch.buffer.Len() == 0
}
