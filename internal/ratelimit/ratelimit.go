package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Reason explains why a connection attempt was denied.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonMinuteLimit Reason = "minute_limit"
	ReasonHourLimit   Reason = "hour_limit"
	ReasonBackoff     Reason = "backoff"
)

type Config struct {
	ConnectionsPerMinute int
	ConnectionsPerHour   int

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Per-session entries idle longer than StaleAfter are dropped by Sweep.
	StaleAfter time.Duration
}

// Decision is the answer to CanConnect. Wait is set on denial and tells the
// caller how long until the blocking window or backoff expires.
type Decision struct {
	Allowed bool
	Reason  Reason
	Wait    time.Duration
}

// Governor tracks global and per-session upstream connection quotas. One
// instance is shared by every session in the process.
type Governor struct {
	cfg Config

	mu       sync.Mutex
	minute   window
	hour     window
	sessions map[string]*sessionState
}

type window struct {
	size    time.Duration
	limit   int
	count   int
	resetAt time.Time
}

type sessionState struct {
	attempts      int
	lastAttemptAt time.Time
	backoffUntil  time.Time
}

func New(cfg Config) *Governor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Governor{
		cfg:      cfg,
		minute:   window{size: time.Minute, limit: cfg.ConnectionsPerMinute},
		hour:     window{size: time.Hour, limit: cfg.ConnectionsPerHour},
		sessions: make(map[string]*sessionState),
	}
}

// CanConnect reports whether sessionID may open an upstream connection now.
// Per-session backoff is checked before the global windows.
func (g *Governor) CanConnect(sessionID string, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.sessions[sessionID]; ok && now.Before(st.backoffUntil) {
		return Decision{Reason: ReasonBackoff, Wait: st.backoffUntil.Sub(now)}
	}
	if wait, full := g.minute.full(now); full {
		return Decision{Reason: ReasonMinuteLimit, Wait: wait}
	}
	if wait, full := g.hour.full(now); full {
		return Decision{Reason: ReasonHourLimit, Wait: wait}
	}
	return Decision{Allowed: true}
}

// RecordAttempt counts an attempt against the global windows and updates the
// session's backoff: failures extend it exponentially, success clears it.
func (g *Governor) RecordAttempt(sessionID string, success bool, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.minute.add(now)
	g.hour.add(now)

	st, ok := g.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		g.sessions[sessionID] = st
	}
	st.lastAttemptAt = now
	if success {
		st.attempts = 0
		st.backoffUntil = time.Time{}
		return
	}
	st.backoffUntil = now.Add(g.backoffFor(st.attempts))
	st.attempts++
}

// BackoffUntil returns the end of the session's current backoff window, or the
// zero time when none is active.
func (g *Governor) BackoffUntil(sessionID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.sessions[sessionID]; ok {
		return st.backoffUntil
	}
	return time.Time{}
}

// Forget drops all per-session state, e.g. when a call ends.
func (g *Governor) Forget(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// Sweep removes stale per-session entries and resets expired global windows.
// It returns the number of entries removed.
func (g *Governor) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.minute.roll(now)
	g.hour.roll(now)

	removed := 0
	for id, st := range g.sessions {
		if now.Sub(st.lastAttemptAt) > g.cfg.StaleAfter && !now.Before(st.backoffUntil) {
			delete(g.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (g *Governor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Sweep(now)
		}
	}
}

// backoffFor returns min(base*2^attempts, cap).
func (g *Governor) backoffFor(attempts int) time.Duration {
	b := retry.WithCappedDuration(g.cfg.BackoffCap, retry.NewExponential(g.cfg.BackoffBase))
	var d time.Duration
	for i := 0; i <= attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
		if d >= g.cfg.BackoffCap {
			break
		}
	}
	return d
}

func (w *window) roll(now time.Time) {
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.size)
	}
}

func (w *window) add(now time.Time) {
	w.roll(now)
	w.count++
}

func (w *window) full(now time.Time) (time.Duration, bool) {
	w.roll(now)
	if w.limit > 0 && w.count >= w.limit {
		return w.resetAt.Sub(now), true
	}
	return 0, false
}
