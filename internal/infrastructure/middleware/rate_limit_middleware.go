package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"streamgate/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
// Entries unused for limiterIdleTTL are pruned lazily.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	lastPrune time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		lastPrune: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) > limiterIdleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastPrune = now
	}

	e, exists := s.limiters[key]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// ClientIP extracts the client address, preferring the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies IP-based
// rate limiting and an optional global concurrency cap.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				c.Header("Retry-After", "1")
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "SERVICE_UNAVAILABLE",
					"message": "too many concurrent requests",
				})
				return
			}
		}

		if !store.getLimiter(ClientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMIT_EXCEEDED",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// ConnectionLimiter admits websocket connections per client IP and caps the
// number open at once.
type ConnectionLimiter struct {
	store *rateLimiterStore
	sem   chan struct{}
}

// NewConnectionLimiter returns nil when rate limiting is disabled; a nil
// limiter admits everything.
func NewConnectionLimiter(cfg *config.Config) *ConnectionLimiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	ws := cfg.RateLimiting.WebSocket
	l := &ConnectionLimiter{
		store: newRateLimiterStore(rate.Limit(float64(ws.ConnectionsPerMinute)/60), max(ws.ConnectionsPerMinute, 1)),
	}
	if ws.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, ws.MaxConcurrent)
	}
	return l
}

// Acquire admits one connection from ip. The returned release must be
// called when the connection closes.
func (l *ConnectionLimiter) Acquire(ip string) (release func(), ok bool) {
	if l == nil {
		return func() {}, true
	}
	if !l.store.getLimiter(ip).Allow() {
		return nil, false
	}
	if l.sem == nil {
		return func() {}, true
	}
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.sem }) }, true
	default:
		return nil, false
	}
}

// NewMessageLimiter returns the per-connection message limiter, or nil when
// rate limiting is disabled.
func NewMessageLimiter(cfg *config.Config) *rate.Limiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	ws := cfg.RateLimiting.WebSocket
	return rate.NewLimiter(rate.Limit(ws.MessagesPerSecond), ws.Burst)
}
