// Package websocket upgrades viewer requests and bridges websocket
// connections to the channel registry.
package websocket

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/domain"
	"github.com/pscheid92/logcast/internal/platform/correlation"
	apperrors "github.com/pscheid92/logcast/internal/platform/errors"
)

// Viewers never send anything meaningful; anything larger is a protocol error.
const maxInboundMessage = 512

// Registry is the part of the channel registry the gateway needs. Detach
// must not return before the viewer is out of every fan-out.
type Registry interface {
	Attach(key domain.ChannelKey, viewer domain.Viewer) error
	Detach(viewerID uuid.UUID)
}

type GatewayOptions struct {
	// ReplayCapacity sizes each viewer's send queue; use the registry buffer capacity.
	ReplayCapacity int
	Limits         *ConnectionLimits
	CheckOrigin    func(r *http.Request) bool
	Clock          clockwork.Clock
	Metrics        *metrics.WebSocketMetrics
}

// Gateway serves GET /ws/:key.
type Gateway struct {
	registry  Registry
	upgrader  websocket.Upgrader
	limits    *ConnectionLimits
	queueSize int
	clock     clockwork.Clock
	metrics   *metrics.WebSocketMetrics
}

func NewGateway(registry Registry, opts GatewayOptions) *Gateway {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = NewCheckOrigin(false)
	}

	return &Gateway{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		limits:    opts.Limits,
		queueSize: max(opts.ReplayCapacity, 0) + queueHeadroom,
		clock:     clock,
		metrics:   opts.Metrics,
	}
}

// HandleViewer validates the key, applies connection limits, upgrades and
// attaches the connection. It returns once the viewer is gone.
func (g *Gateway) HandleViewer(c echo.Context) error {
	key, err := domain.ParseChannelKey(c.Param("key"))
	if err != nil {
		g.reject("invalid_key")
		return apperrors.ValidationError("invalid channel key").WithField("key", c.Param("key"))
	}

	ip := c.RealIP()
	if g.limits != nil {
		ok, reason := g.limits.Acquire(ip)
		if !ok {
			g.reject(string(reason))
			slog.Warn("Viewer connection rejected", "channel_key", key, "remote_ip", ip, "reason", reason)
			if reason == LimitReasonGlobal {
				return apperrors.UnavailableError("viewer capacity reached", nil)
			}
			return apperrors.TooManyRequestsError("too many viewer connections").WithField("reason", string(reason))
		}
		defer g.limits.Release(ip)
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		slog.Debug("WebSocket upgrade failed", "channel_key", key, "error", err)
		return nil
	}

	ctx, _ := correlation.Ensure(c.Request().Context())
	v := newViewer(conn, g.queueSize, g.clock, g.metrics, g.registry.Detach)

	if err := g.registry.Attach(key, v); err != nil {
		slog.WarnContext(ctx, "Viewer attach failed", "channel_key", key, "viewer_id", v.ID().String(), "error", err)
		v.Close(attachFailureReason(err))
		v.wait()
		return nil
	}

	if g.metrics != nil {
		g.metrics.ActiveConnections.Inc()
		defer g.metrics.ActiveConnections.Dec()
	}
	slog.InfoContext(ctx, "Viewer connected", "channel_key", key, "viewer_id", v.ID().String(), "remote_ip", ip)

	g.readUntilClosed(conn)

	// Detach first: once it returns no publish can reach the closing viewer.
	g.registry.Detach(v.ID())
	v.Close("client disconnected")
	v.wait()
	slog.InfoContext(ctx, "Viewer disconnected", "channel_key", key, "viewer_id", v.ID().String())
	return nil
}

// readUntilClosed services control frames (pong, close) until the connection fails.
func (g *Gateway) readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(maxInboundMessage)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) reject(reason string) {
	if g.metrics != nil {
		g.metrics.Rejected.WithLabelValues(reason).Inc()
	}
}

func attachFailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrChannelFull):
		return "channel full"
	case errors.Is(err, domain.ErrRegistryStopped):
		return "server shutting down"
	default:
		return "attach failed"
	}
}
