package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WindowLimiter enforces a fixed one-second window per key: the first cap
// events in a window pass, the rest are dropped. The first drop in a window
// is flagged so the caller emits exactly one rate-limit error per window.
type WindowLimiter struct {
	cap    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
	sweepAt time.Time
}

type windowEntry struct {
	start    time.Time
	count    int
	notified bool
	lastSeen time.Time
}

// NewWindowLimiter builds a limiter with the given per-second cap.
func NewWindowLimiter(cap int) *WindowLimiter {
	return &WindowLimiter{
		cap:     cap,
		window:  time.Second,
		now:     time.Now,
		entries: make(map[string]*windowEntry),
	}
}

// Allow reports whether the key may pass one more event. notify is true
// only for the first rejected event of a window.
func (l *WindowLimiter) Allow(key string) (ok, notify bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepLocked(now)

	e, found := l.entries[key]
	if !found {
		e = &windowEntry{start: now}
		l.entries[key] = e
	}
	e.lastSeen = now

	if now.Sub(e.start) >= l.window {
		e.start = now
		e.count = 0
		e.notified = false
	}

	if e.count < l.cap {
		e.count++
		return true, false
	}
	if !e.notified {
		e.notified = true
		return false, true
	}
	return false, false
}

// Forget drops the key's window state when its session ends.
func (l *WindowLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// maybeSweepLocked evicts idle entries at most once per minute so the map
// stays bounded without a background goroutine.
func (l *WindowLimiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.sweepAt) < time.Minute {
		return
	}
	l.sweepAt = now
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > 2*time.Minute {
			delete(l.entries, key)
		}
	}
}

// size returns the tracked-key count. Test hook.
func (l *WindowLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// ConnectLimiter bounds WebSocket upgrades per client IP using a token
// bucket refilled at the configured per-minute rate.
type ConnectLimiter struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*connectEntry
	sweepAt time.Time
	now     func() time.Time
}

type connectEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewConnectLimiter builds a per-IP limiter allowing perMinute upgrades.
func NewConnectLimiter(perMinute int) *ConnectLimiter {
	return &ConnectLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*connectEntry),
		now:       time.Now,
	}
}

// Allow reports whether the IP may open another connection.
func (l *ConnectLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.sweepAt) >= time.Minute {
		l.sweepAt = now
		for key, e := range l.buckets {
			if now.Sub(e.lastSeen) > 10*time.Minute {
				delete(l.buckets, key)
			}
		}
	}
	e, ok := l.buckets[ip]
	if !ok {
		e = &connectEntry{
			lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.buckets[ip] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.lim.Allow()
}
