package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/domain"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second

	// Headroom above the replay size so a full history plus a burst of live lines fits.
	queueHeadroom = 64
)

// viewer is the server side of one websocket. It implements domain.Viewer:
// the registry queues lines with Send and a single writer goroutine owns the socket.
type viewer struct {
	id      uuid.UUID
	conn    *websocket.Conn
	clock   clockwork.Clock
	metrics *metrics.WebSocketMetrics
	// onAbort runs on the writer goroutine when the viewer closes itself
	// after a failed write or ping.
	onAbort func(id uuid.UUID)

	queue chan string

	closeOnce   sync.Once
	closing     chan struct{}
	closeReason string
	done        chan struct{}
}

func newViewer(conn *websocket.Conn, queueSize int, clock clockwork.Clock, m *metrics.WebSocketMetrics, onAbort func(uuid.UUID)) *viewer {
	v := &viewer{
		id:      uuid.New(),
		conn:    conn,
		clock:   clock,
		metrics: m,
		onAbort: onAbort,
		queue:   make(chan string, queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	v.configurePongHandler()
	go v.run()
	return v
}

func (v *viewer) ID() uuid.UUID {
	return v.id
}

// Send queues line without blocking.
func (v *viewer) Send(line string) error {
	select {
	case <-v.closing:
		return domain.ErrViewerClosed
	default:
	}

	select {
	case v.queue <- line:
		return nil
	default:
		return domain.ErrViewerQueueFull
	}
}

// Close asks the writer to flush what is queued, send a close frame carrying
// reason and drop the connection. It returns immediately.
func (v *viewer) Close(reason string) {
	v.closeOnce.Do(func() {
		v.closeReason = reason
		close(v.closing)
	})
}

// wait blocks until the writer goroutine has closed the connection.
func (v *viewer) wait() {
	<-v.done
}

func (v *viewer) run() {
	defer close(v.done)
	defer func() { _ = v.conn.Close() }()

	ticker := v.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case line := <-v.queue:
			if err := v.write(line); err != nil {
				v.abort("write failed")
				return
			}
		case <-ticker.Chan():
			v.updateWriteDeadline()
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if v.metrics != nil {
					v.metrics.PingFailures.Inc()
				}
				v.abort("ping failed")
				return
			}
		case <-v.closing:
			v.flush()
			v.writeClose()
			return
		}
	}
}

func (v *viewer) abort(reason string) {
	v.Close(reason)
	if v.onAbort != nil {
		v.onAbort(v.id)
	}
}

func (v *viewer) write(line string) error {
	start := v.clock.Now()
	v.updateWriteDeadline()
	if err := v.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		return err
	}
	if v.metrics != nil {
		v.metrics.FramesSent.Inc()
		v.metrics.SendDuration.Observe(v.clock.Since(start).Seconds())
	}
	return nil
}

// flush writes lines queued before Close so a viewer sees everything published up to teardown.
func (v *viewer) flush() {
	for {
		select {
		case line := <-v.queue:
			if err := v.write(line); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (v *viewer) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(v.closeReason))
	v.updateWriteDeadline()
	_ = v.conn.WriteMessage(websocket.CloseMessage, msg)
}

func (v *viewer) configurePongHandler() {
	v.updateReadDeadline()
	v.conn.SetPongHandler(func(string) error {
		v.updateReadDeadline()
		return nil
	})
}

func (v *viewer) updateWriteDeadline() {
	_ = v.conn.SetWriteDeadline(v.clock.Now().Add(writeDeadline))
}

func (v *viewer) updateReadDeadline() {
	_ = v.conn.SetReadDeadline(v.clock.Now().Add(pongDeadline))
}

// Close frame payloads are limited to 125 bytes, two of which hold the status code.
func truncateReason(reason string) string {
	const maxReason = 123
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}
