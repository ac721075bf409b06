package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	redisstore "github.com/ramiqadoumi/go-task-submit/internal/redis"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
)

// KeyFunc derives the rate-limit key of a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by remote IP address. Mount chi's RealIP in front of it
// when the gateway runs behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects requests over the limiter's budget with 429 and a Retry-After header.
// Limiter failures let the request through.
func RateLimit(limiter redisstore.RateLimiter, key KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				telemetry.APIRateLimitedTotal.Inc()
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LocalRateLimiter is a process-local sliding-window limiter for single-instance
// deployments without Redis.
type LocalRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
	now    func() time.Time
}

var _ redisstore.RateLimiter = (*LocalRateLimiter)(nil)

// NewLocalRateLimiter admits at most limit events per window for each key.
func NewLocalRateLimiter(limit int, window time.Duration) *LocalRateLimiter {
	return &LocalRateLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *LocalRateLimiter) Limit() int { return l.limit }

func (l *LocalRateLimiter) Allow(_ context.Context, key string) (redisstore.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	events := l.events[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	events = events[i:]

	if len(events) < l.limit {
		l.events[key] = append(events, now)
		return redisstore.Decision{Allowed: true, Remaining: l.limit - len(events) - 1}, nil
	}
	l.events[key] = events
	retry := l.window
	if len(events) > 0 {
		retry = events[0].Add(l.window).Sub(now)
	}
	return redisstore.Decision{RetryAfter: retry}, nil
}
