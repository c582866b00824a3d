package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

// rateLimiter decides whether a request from client may proceed.
type rateLimiter interface {
	Allow(client string) bool
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters keeps one token bucket per client address. Buckets idle for
// longer than limiterIdleTTL are dropped.
type clientLimiters struct {
	rps   rate.Limit
	burst int
	clock func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func newTokenBucketLimiter(ratePerSecond float64, burst int) *clientLimiters {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return &clientLimiters{
		rps:     rate.Limit(ratePerSecond),
		burst:   burst,
		clock:   time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *clientLimiters) Allow(client string) bool {
	if l == nil {
		return true
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= limiterSweepInterval {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *clientLimiters) retryAfter() time.Duration {
	if l == nil || l.rps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(l.rps))
}

// clientKey identifies the caller by remote IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(limiter rateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	retry := time.Second
	if cl, ok := limiter.(*clientLimiters); ok {
		retry = cl.retryAfter()
	}
	seconds := strconv.Itoa(max(1, int(retry.Round(time.Second)/time.Second)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.Allow(clientKey(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", seconds)
		writeError(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, please retry shortly")
	})
}
