package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/convsync/internal/metrics"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool держит token bucket на ключ; неиспользуемые ключи удаляются по TTL.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	ttl   time.Duration
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rps, burst: burst, ttl: 10 * time.Minute}
}

func (p *limiterPool) allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	p.mu.Unlock()
	return e.l.Allow()
}

func (p *limiterPool) cleanup(now time.Time) {
	cutoff := now.Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// RateLimiter ограничивает запросы к /api/* по IP и по user_id (если есть в контексте). 429 при превышении.
type RateLimiter struct {
	byIP   *limiterPool
	byUser *limiterPool
	stop   chan struct{}
	once   sync.Once
}

// RateLimitConfig: RPS: запросов в секунду, Burst: размер корзины.
type RateLimitConfig struct {
	IPRPS     float64
	IPBurst   int
	UserRPS   float64
	UserBurst int
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		byIP:   newLimiterPool(cfg.IPRPS, cfg.IPBurst),
		byUser: newLimiterPool(cfg.UserRPS, cfg.UserBurst),
		stop:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.byIP.cleanup(now)
			rl.byUser.cleanup(now)
		case <-rl.stop:
			return
		}
	}
}

// Shutdown останавливает фоновую очистку.
func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RemoteAddr уже переписан chimw.RealIP.
		if !rl.byIP.allow(r.RemoteAddr) {
			metrics.RateLimitHits.WithLabelValues("ip").Inc()
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}
		if userID := GetUserID(r.Context()); userID != "" {
			if !rl.byUser.allow("u:" + userID) {
				metrics.RateLimitHits.WithLabelValues("user").Inc()
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
