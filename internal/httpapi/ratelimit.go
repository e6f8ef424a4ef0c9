package httpapi

import (
	"sync"
	"time"
)

// Limiter counts attempts per client IP within a fixed window. Counts reset
// when the window rolls over.
type Limiter struct {
	mu        sync.Mutex
	counts    map[string]int
	lastReset time.Time
	window    time.Duration
	max       int
}

func NewLimiter(window time.Duration, max int) *Limiter {
	return &Limiter{
		counts:    make(map[string]int),
		lastReset: time.Now(),
		window:    window,
		max:       max,
	}
}

// Allow records one attempt for ip and reports whether it is within bounds.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastReset) > l.window {
		l.counts = make(map[string]int)
		l.lastReset = time.Now()
	}

	l.counts[ip]++
	return l.counts[ip] <= l.max
}
