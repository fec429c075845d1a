package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// globalLimiter caps total concurrent connections per instance with
// lock-free counting.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

// ipLimiter caps concurrent connections per remote address.
type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

// rateLimiter throttles new connection attempts per remote address with a
// token bucket per IP. Buckets idle for ten minutes are dropped.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *rateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Now().After(l.cleanupAt) {
		l.cleanup()
		l.cleanupAt = time.Now().Add(5 * time.Minute)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}

	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// cleanup must be called with mu held.
func (l *rateLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// LimitReason describes why a handshake was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits combines the rate, global, and per-IP limiters guarding
// the handshake endpoints.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rate   *rateLimiter
}

func NewConnectionLimits(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: globalMax},
		perIP:  &ipLimiter{ips: make(map[string]int), maxPer: perIPMax},
		rate: &rateLimiter{
			limiters:  make(map[string]*rateLimiterEntry),
			rate:      rate.Limit(connectionsPerSecond),
			burst:     burst,
			cleanupAt: time.Now().Add(5 * time.Minute),
		},
	}
}

// Acquire claims a slot under all three limits, cheapest check first.
// Returns false and the reason when any limit would be exceeded.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.allow(ip) {
		return false, LimitReasonRate
	}

	if !l.global.acquire() {
		return false, LimitReasonGlobal
	}

	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, LimitReasonPerIP
	}

	return true, ""
}

// Release frees the slot claimed by Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// CurrentGlobal returns the number of held global slots.
func (l *ConnectionLimits) CurrentGlobal() int64 {
	return l.global.current.Load()
}
