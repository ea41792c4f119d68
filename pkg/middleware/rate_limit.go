package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "slotboard/pkg/errors"
	httputil "slotboard/pkg/http"
	"slotboard/pkg/logger"
)

const (
	defaultLimiterIdleTTL      = 15 * time.Minute
	defaultLimiterCleanupEvery = 2 * time.Minute
)

// IPRateLimiter keeps one token bucket per client address. A client may burst
// up to limit requests and refills at limit per window.
type IPRateLimiter struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rate         rate.Limit
	burst        int
	window       time.Duration
	idleTTL      time.Duration
	cleanupEvery time.Duration
	trustXFF     bool
	log          *logger.Logger
	now          func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(limit int, window time.Duration, trustXFF bool, log *logger.Logger) *IPRateLimiter {
	idleTTL := defaultLimiterIdleTTL
	if window > idleTTL {
		idleTTL = window
	}
	return &IPRateLimiter{
		entries:      make(map[string]*limiterEntry),
		rate:         rate.Limit(float64(limit) / window.Seconds()),
		burst:        limit,
		window:       window,
		idleTTL:      idleTTL,
		cleanupEvery: defaultLimiterCleanupEvery,
		trustXFF:     trustXFF,
		log:          log,
		now:          time.Now,
	}
}

// Reserve reports whether key may proceed now and, if not, how long until the
// next token is available.
func (rl *IPRateLimiter) Reserve(key string) (bool, time.Duration) {
	now := rl.now()
	lim := rl.limiter(key, now)

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, rl.window
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *IPRateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ent, ok := rl.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(rl.rate, rl.burst)
	rl.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup forgets clients that have been idle longer than the idle TTL.
func (rl *IPRateLimiter) Cleanup() {
	cutoff := rl.now().Add(-rl.idleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for k, ent := range rl.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(rl.entries, k)
		}
	}
}

func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// StartJanitor runs Cleanup periodically until ctx is cancelled.
func (rl *IPRateLimiter) StartJanitor(ctx context.Context) {
	if rl.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(rl.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.Cleanup()
			}
		}
	}()
}

// ClientIP resolves the caller address. X-Forwarded-For is honoured only when
// the service runs behind a trusted proxy.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func RateLimit(rl *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, rl.trustXFF)

			allowed, retryAfter := rl.Reserve(ip)
			if !allowed {
				rl.log.Warn("Rate limit exceeded",
					"request_id", RequestIDFromContext(r.Context()),
					"client_ip", ip,
					"path", r.URL.Path,
					"retry_after", retryAfter.String(),
				)
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				httputil.WriteError(w, apperrors.TooManyRequests("Too many requests, please try again later"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
