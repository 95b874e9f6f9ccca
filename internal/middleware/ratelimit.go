package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window limiter keyed by client IP. Dashboard
// polling and the WebSocket upgrade share it.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*window
	rate      int
	window    time.Duration
	allowlist map[string]struct{}
	onBlocked func(ip string)
	now       func() time.Time
	logger    *slog.Logger
}

type window struct {
	remaining int
	start     time.Time
}

type Option func(*RateLimiter)

// WithOnBlocked registers a hook called for every rejected request
func WithOnBlocked(fn func(ip string)) Option {
	return func(rl *RateLimiter) { rl.onBlocked = fn }
}

func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter allows rate requests per window for each IP. Addresses in
// allowlist are never limited.
func NewRateLimiter(rate int, per time.Duration, allowlist []string, logger *slog.Logger, opts ...Option) *RateLimiter {
	al := make(map[string]struct{}, len(allowlist))
	for _, ip := range allowlist {
		if ip = strings.TrimSpace(ip); ip != "" {
			al[ip] = struct{}{}
		}
	}

	rl := &RateLimiter{
		clients:   make(map[string]*window),
		rate:      rate,
		window:    per,
		allowlist: al,
		onBlocked: func(string) {},
		now:       time.Now,
		logger:    logger.With("component", "rate_limiter"),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Run evicts idle clients until ctx is done
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.evict(); n > 0 {
				rl.logger.Debug("evicted idle clients", "count", n)
			}
		}
	}
}

func (rl *RateLimiter) evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for ip, w := range rl.clients {
		if now.Sub(w.start) > rl.window*2 {
			delete(rl.clients, ip)
			n++
		}
	}
	return n
}

// Allow consumes one request for ip and reports whether it fits the window
func (rl *RateLimiter) Allow(ip string) bool {
	if _, ok := rl.allowlist[ip]; ok {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.clients[ip]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.clients[ip] = &window{remaining: rl.rate - 1, start: now}
		return rl.rate > 0
	}
	if w.remaining > 0 {
		w.remaining--
		return true
	}
	return false
}

// Tracked returns the number of IPs with an open window
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(rl.window.Seconds())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			rl.onBlocked(ip)
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket address.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(first); err == nil {
			return host
		}
		return first
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
