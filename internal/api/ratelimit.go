package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/stacklok/handshake-coordinator/internal/api/common"
)

// idleClientTTL is how long an unused client bucket is kept
const idleClientTTL = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address
type RateLimiter struct {
	limit rate.Limit
	burst int
	clock clock.PassiveClock

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterClock sets the clock of the limiter
func WithRateLimiterClock(c clock.PassiveClock) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.clock = c
	}
}

// NewRateLimiter allows perSecond requests per client with the given burst
func NewRateLimiter(perSecond float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clock:   clock.RealClock{},
		clients: make(map[string]*clientBucket),
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.lastSweep = rl.clock.Now()
	return rl
}

// Middleware rejects requests over the client budget with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := rl.clock.Now()
		res := rl.reserve(clientKey(r), now)
		if !res.OK() {
			common.WriteErrorResponse(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			common.WriteErrorResponse(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) reserve(key string, now time.Time) *rate.Reservation {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > idleClientTTL {
		for k, b := range rl.clients {
			if now.Sub(b.lastSeen) > idleClientTTL {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.ReserveN(now, 1)
}

// clientKey returns the host part of RemoteAddr, rewritten by middleware.RealIP when proxied
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
