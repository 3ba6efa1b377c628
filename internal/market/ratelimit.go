package market

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per actor with a token bucket each.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per actor with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(float64(perMinute) / 60.0),
		burst:     burst,
		visitors:  make(map[string]*visitor),
	}
}

// Middleware rejects requests over the actor's budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.RemoteAddr
		if actor, ok := ActorFrom(r.Context()); ok {
			id = actor.ID
		}
		if !l.limiter(id).Allow() {
			writeErrorCode(w, http.StatusTooManyRequests, CodeRateLimited, "too many purchase attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) limiter(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[id] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Prune forgets actors idle for longer than idle.
func (l *RateLimiter) Prune(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	for id, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
		}
	}
}
