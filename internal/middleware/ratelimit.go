package middleware

import (
	"net/http"
	"sync"
	"time"
)

// Лимиты на запись: по IP широкий, по пользователю узкий.
const (
	rateBurstIP    = 300
	rateBurstUser  = 120
	ratePerSecIP   = 5.0
	ratePerSecUser = 2.0
)

type bucket struct {
	tokens float64
	last   time.Time
}

// tokenLimiter — token bucket на ключ. Вёдра создаются лениво; когда их
// становится слишком много, полные и давно не тронутые выбрасываются.
type tokenLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   float64
	perSec  float64
}

func newTokenLimiter(burst, perSec float64) *tokenLimiter {
	return &tokenLimiter{buckets: make(map[string]*bucket), burst: burst, perSec: perSec}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= 10000 {
			l.sweep(now)
		}
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * l.perSec
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep вызывается под mu.
func (l *tokenLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.last) > time.Minute {
			delete(l.buckets, k)
		}
	}
}

var (
	apiRateByIP   = newTokenLimiter(rateBurstIP, ratePerSecIP)
	apiRateByUser = newTokenLimiter(rateBurstUser, ratePerSecUser)
)

// RateLimitAPI ограничивает запросы по IP и по user_id (если есть в контексте).
// 429 при превышении.
func RateLimitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if x := r.Header.Get("X-Real-Ip"); x != "" {
			ip = x
		} else if x := r.Header.Get("X-Forwarded-For"); x != "" {
			ip = x
		}
		if !apiRateByIP.allow(ip) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if userID := GetUserID(r.Context()); userID != "" {
			if !apiRateByUser.allow("u:" + userID) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
