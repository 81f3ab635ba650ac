package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginRateLimiter throttles login-style routes per client IP, ahead of
// and independent from the per-identifier LoginGuard.
type LoginRateLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	idleAfter time.Duration
	byIP      map[string]*ipLimiter
	maxMemory int
	now       func() time.Time
	clientIP  func(*http.Request) string
}

func NewLoginRateLimiter(perMinute int, now func() time.Time) *LoginRateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if now == nil {
		now = time.Now
	}

	return &LoginRateLimiter{
		every:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		idleAfter: 10 * time.Minute,
		byIP:      make(map[string]*ipLimiter),
		maxMemory: 5000,
		now:       now,
		clientIP:  observability.ClientIP,
	}
}

// TrustForwardedFor picks whether clients are keyed by the first
// X-Forwarded-For hop or by the peer address. Only trust the header when a
// proxy that overwrites it sits in front of the service.
func (l *LoginRateLimiter) TrustForwardedFor(trust bool) *LoginRateLimiter {
	l.clientIP = observability.RemoteIP
	if trust {
		l.clientIP = observability.ClientIP
	}
	return l
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(l.clientIP(r), l.now())
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byIP[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.every, l.burst)}
		l.byIP[ip] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}

	if len(l.byIP) > l.maxMemory {
		for key, value := range l.byIP {
			if now.Sub(value.lastSeen) > l.idleAfter {
				delete(l.byIP, key)
			}
		}
	}

	return true, 0
}
