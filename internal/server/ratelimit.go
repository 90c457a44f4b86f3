package server

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's bucket survives without requests.
const limiterIdleTTL = 10 * time.Minute

// clientLimiter holds one token bucket per client IP. Buckets idle for longer
// than limiterIdleTTL are swept on access, at most once per TTL.
type clientLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClientLimiter returns nil when rps is not positive, disabling limiting.
func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &clientLimiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		now:       time.Now,
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

func (l *clientLimiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		l.sweep(now)
	}

	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter
}

// sweep drops buckets idle for at least limiterIdleTTL. Callers hold l.mu.
func (l *clientLimiter) sweep(now time.Time) {
	for client, b := range l.clients {
		if now.Sub(b.lastSeen) >= limiterIdleTTL {
			delete(l.clients, client)
		}
	}
	l.lastSweep = now
}

// withRateLimit rejects clients that exceed their bucket with 429.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		lim := s.limiter.get(clientID(r))
		if !lim.Allow() {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(s.limiter.limit)))
			s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
				"ok":      false,
				"mensaje": "Demasiadas solicitudes, intente nuevamente más tarde",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(limit rate.Limit) int {
	return max(1, int(math.Ceil(1/float64(limit))))
}

// clientID is the request IP. RemoteAddr is already rewritten by RealIP.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
