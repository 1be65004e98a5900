package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limit for a single endpoint, keyed as
// "METHOD /path".
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// AuthRules limits the endpoints an attacker would hammer: login and the
// signup/verification pair.
func AuthRules() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"POST /api/auth/login":          {MaxRequests: 10, Window: time.Minute},
		"POST /api/auth/signup/request": {MaxRequests: 5, Window: time.Minute},
		"POST /api/auth/signup/verify":  {MaxRequests: 10, Window: time.Minute},
	}
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-endpoint rate limiting with fixed
// in-memory rules. Expired buckets are garbage collected in the
// background.
type RateLimiter struct {
	rules   map[string]RateLimitConfig
	buckets sync.Map
}

// NewRateLimiter creates a rate limiter with the given rules. Endpoints
// without a rule pass through untouched.
func NewRateLimiter(rules map[string]RateLimitConfig) *RateLimiter {
	return &RateLimiter{rules: rules}
}

// StartGC starts a background goroutine that drops expired buckets every
// five minutes. Stops when done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	go rl.gcLoop(done, 5*time.Minute)
}

func (rl *RateLimiter) gcLoop(done <-chan struct{}, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			rl.gc()
		}
	}
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, endpoint string) bool {
	cfg, ok := rl.rules[endpoint]
	if !ok {
		return true
	}

	key := ip + ":" + endpoint
	val, _ := rl.buckets.LoadOrStore(key, &bucket{})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(cfg.Window)
	}
	b.count++
	return b.count <= cfg.MaxRequests
}

// Middleware enforces the rules with a 429 JSON response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		if rl.allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("rate limit exceeded", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", "60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
