package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/logcast/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// RateLimit is a per-client token bucket applied to one route.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

const (
	routeChannelList   = "/api/channels"
	routeChannelDetail = "/api/channels/:key"
)

// The viewer grid polls the list every couple of seconds from each open tab;
// detail lookups come from humans and scripts.
var defaultAPILimits = map[string]RateLimit{
	routeChannelList:   {PerSecond: 5, Burst: 20},
	routeChannelDetail: {PerSecond: 2, Burst: 10},
}

// rateLimiterFor builds the limiter for route from s.apiLimits. Every route
// gets its own store, so polling the list never starves detail lookups.
func (s *Server) rateLimiterFor(route string) echo.MiddlewareFunc {
	limit, ok := s.apiLimits[route]
	if !ok {
		limit = defaultAPILimits[route]
	}
	return newRateLimiter(route, limit, func(route string) {
		if s.httpMetrics != nil {
			s.httpMetrics.RateLimited.WithLabelValues(route).Inc()
		}
	})
}

func newRateLimiter(route string, limit RateLimit, onDeny func(route string)) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(limit.PerSecond),
			Burst:     limit.Burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	retryAfter := strconv.Itoa(retryAfterSeconds(limit.PerSecond))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			if onDeny != nil {
				onDeny(route)
			}
			c.Response().Header().Set("Retry-After", retryAfter)
			resp := apperrors.TooManyRequestsError("rate limit exceeded").WithField("route", route).ToResponse()
			return c.JSON(http.StatusTooManyRequests, resp)
		},
	})
}

// retryAfterSeconds is the time one token takes to refill, rounded up.
func retryAfterSeconds(perSecond float64) int {
	if perSecond <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1/perSecond)))
}
