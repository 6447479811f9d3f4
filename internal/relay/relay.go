package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/domain"
	"golang.org/x/net/ipv4"
)

const (
	maxDatagramSize  = 64 * 1024
	readErrorBackoff = 50 * time.Millisecond
)

// Sink receives classified datagrams. *registry.Registry satisfies it.
type Sink interface {
	Heartbeat(key domain.ChannelKey, label string)
	Publish(key domain.ChannelKey, line string)
}

type Options struct {
	// ControlPort is the well-known port heartbeats are sent from and PING is sent to.
	ControlPort int
	// Source restricts data datagrams to one sender address. Nil accepts any sender.
	Source net.IP
	// Group is the announce destination. Multicast addresses are also joined.
	Group   net.IP
	Clock   clockwork.Clock
	Metrics *metrics.RelayMetrics
}

// Relay owns the listening UDP socket.
type Relay struct {
	conn       *net.UDPConn
	sink       Sink
	classifier Classifier
	group      net.IP
	clock      clockwork.Clock
	metrics    *metrics.RelayMetrics

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds addr and, when Group is a multicast address, joins it.
// A failed group join is logged and the relay keeps serving unicast traffic.
func Listen(addr string, sink Sink, opts Options) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := &Relay{
		conn:       conn,
		sink:       sink,
		classifier: Classifier{ControlPort: opts.ControlPort, Source: opts.Source},
		group:      opts.Group,
		clock:      clock,
		metrics:    opts.Metrics,
		closed:     make(chan struct{}),
	}

	if opts.Group != nil && opts.Group.IsMulticast() {
		if err := ipv4.NewPacketConn(conn).JoinGroup(nil, &net.UDPAddr{IP: opts.Group}); err != nil {
			slog.Warn("Failed to join multicast group", "group", opts.Group.String(), "error", err)
		} else {
			slog.Info("Joined multicast group", "group", opts.Group.String())
		}
	}

	slog.Info("UDP relay listening", "addr", conn.LocalAddr().String(), "control_port", opts.ControlPort)
	return r, nil
}

func (r *Relay) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Run reads datagrams until ctx is cancelled or the relay is closed.
func (r *Relay) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("UDP read failed", "error", err)
			if r.metrics != nil {
				r.metrics.ReadErrors.Inc()
			}
			r.clock.Sleep(readErrorBackoff)
			continue
		}
		r.dispatch(src, buf[:n])
	}
}

func (r *Relay) dispatch(src *net.UDPAddr, payload []byte) {
	msg := r.classifier.Classify(src, payload)

	switch msg.Kind {
	case KindControl:
		r.sink.Heartbeat(msg.Key, msg.Label)
	case KindData:
		r.sink.Publish(msg.Key, msg.Line)
	default:
		slog.Debug("Datagram dropped", "source", src.String(), "reason", string(msg.Reason), "size", len(payload))
		if r.metrics != nil {
			r.metrics.DatagramsDropped.WithLabelValues(string(msg.Reason)).Inc()
		}
		return
	}

	if r.metrics != nil {
		r.metrics.DatagramsReceived.WithLabelValues(msg.Kind.String()).Inc()
	}
}

// Announce sends one PING to the control port of the configured group.
// It is advisory: producers that already know the relay do not depend on it.
func (r *Relay) Announce() error {
	if r.group == nil {
		return nil
	}

	dst := &net.UDPAddr{IP: r.group, Port: r.classifier.ControlPort}
	if _, err := r.conn.WriteToUDP([]byte(announcement), dst); err != nil {
		if r.metrics != nil {
			r.metrics.Announcements.WithLabelValues("failed").Inc()
		}
		return fmt.Errorf("announce to %s: %w", dst, err)
	}

	if r.metrics != nil {
		r.metrics.Announcements.WithLabelValues("sent").Inc()
	}
	slog.Info("Announced relay", "destination", dst.String())
	return nil
}

// Check reports whether the socket is still open; used by the readiness probe.
func (r *Relay) Check(context.Context) error {
	if r.isClosed() {
		return errors.New("udp listener closed")
	}
	return nil
}

func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.conn.Close()
	})
	return err
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
