// Package ratelimit caps websocket connections per IP and throttles login
// attempts. Limits come from server configuration.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

type RateLimiter struct {
	mu           sync.RWMutex
	connections  map[string]int         // IP -> open connection count
	authAttempts map[string][]time.Time // IP -> recent auth attempt times
	maxConns     int
	maxAuth      int
	window       time.Duration
}

// New starts a limiter allowing maxConns simultaneous connections and
// maxAuth auth attempts per minute from one IP. The cleanup goroutine
// exits when ctx is canceled.
func New(ctx context.Context, maxConns, maxAuth int) *RateLimiter {
	rl := &RateLimiter{
		connections:  make(map[string]int),
		authAttempts: make(map[string][]time.Time),
		maxConns:     maxConns,
		maxAuth:      maxAuth,
		window:       time.Minute,
	}

	go func() {
		ticker := time.NewTicker(rl.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	return rl
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	for ip, attempts := range rl.authAttempts {
		var valid []time.Time
		for _, t := range attempts {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(rl.authAttempts, ip)
		} else {
			rl.authAttempts[ip] = valid
		}
	}
}

func (rl *RateLimiter) CanConnect(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.connections[ip] < rl.maxConns
}

func (rl *RateLimiter) AddConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]++
}

func (rl *RateLimiter) RemoveConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

// CanAuth records an auth attempt and reports whether the IP is still
// within its per-window budget.
func (rl *RateLimiter) CanAuth(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	var recent []time.Time
	for _, t := range rl.authAttempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	rl.authAttempts[ip] = recent

	if len(recent) >= rl.maxAuth {
		return false
	}

	rl.authAttempts[ip] = append(rl.authAttempts[ip], time.Now())
	return true
}

// GetClientIP resolves the client address, honoring reverse proxy headers.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}
