package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/ratelimit"
)

var (
	ErrRateLimited = errors.New("transcript: rate limited")
	ErrConnect     = errors.New("transcript: upstream connect failed")
	ErrClosed      = errors.New("transcript: connection closed")
)

// RateLimitedError is returned when the governor denies a connection.
type RateLimitedError struct {
	SessionID string
	Reason    ratelimit.Reason
	Wait      time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transcript: session %s rate limited (%s), retry in %s", e.SessionID, e.Reason, e.Wait)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Limiter is the subset of *ratelimit.Governor the manager needs.
type Limiter interface {
	CanConnect(sessionID string, now time.Time) ratelimit.Decision
	RecordAttempt(sessionID string, success bool, now time.Time)
	Forget(sessionID string)
}

type ManagerConfig struct {
	Options        Options
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	// MaxPendingFrames caps audio buffered while a stream is connecting.
	// The oldest frames are dropped past it.
	MaxPendingFrames int
}

// Manager pools at most one upstream recognition stream per session.
type Manager struct {
	provider Provider
	limiter  Limiter
	cfg      ManagerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewManager(provider Provider, limiter Limiter, cfg ManagerConfig, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxPendingFrames <= 0 {
		// 10s of 20ms telephony frames
		cfg.MaxPendingFrames = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider: provider,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		conns:    make(map[string]*Connection),
	}
}

// Acquire returns the session's connection, starting a new one in the
// background if none is live. It never blocks on the network; audio sent to a
// connecting Connection is buffered until the stream opens.
func (m *Manager) Acquire(sessionID, language string) (*Connection, error) {
	now := m.now()

	m.mu.Lock()
	if c, ok := m.conns[sessionID]; ok {
		m.mu.Unlock()
		c.touch(now)
		return c, nil
	}
	d := m.limiter.CanConnect(sessionID, now)
	if !d.Allowed {
		m.mu.Unlock()
		m.metrics.RecordRateLimited(string(d.Reason))
		return nil, &RateLimitedError{SessionID: sessionID, Reason: d.Reason, Wait: d.Wait}
	}
	c := &Connection{
		SessionID: sessionID,
		language:  language,
		mgr:       m,
		lastUsed:  now,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
		events:    make(chan Event, 64),
	}
	m.conns[sessionID] = c
	m.mu.Unlock()

	go m.open(c)
	return c, nil
}

// GetConnection is Acquire followed by waiting for the stream to open.
func (m *Manager) GetConnection(ctx context.Context, sessionID, language string) (*Connection, error) {
	c, err := m.Acquire(sessionID, language)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close ends the session's stream, if any, removes it from the pool and
// drops the session's rate-limit state. Call it when the session is over.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	delete(m.conns, sessionID)
	m.mu.Unlock()
	if ok {
		c.shutdown(nil)
	}
	m.limiter.Forget(sessionID)
}

// SweepIdle force-closes connections unused for longer than IdleTimeout.
func (m *Manager) SweepIdle(now time.Time) int {
	var idle []*Connection
	m.mu.Lock()
	for id, c := range m.conns {
		if now.Sub(c.LastUsed()) > m.cfg.IdleTimeout {
			idle = append(idle, c)
			delete(m.conns, id)
		}
	}
	m.mu.Unlock()

	for _, c := range idle {
		m.logger.Info("closing idle stt connection", "session_id", c.SessionID)
		m.metrics.RecordSTTEviction()
		c.shutdown(nil)
	}
	return len(idle)
}

func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.SweepIdle(now)
		}
	}
}

// Len reports the number of pooled connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) open(c *Connection) {
	log := m.logger.With("session_id", c.SessionID)
	opts := m.cfg.Options
	opts.Language = c.language

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	stream, err := m.provider.Open(ctx, opts)
	cancel()
	if err != nil {
		log.Warn("stt connect failed", "error", err)
		m.limiter.RecordAttempt(c.SessionID, false, m.now())
		m.metrics.RecordSTTConnect(false)
		m.remove(c)
		c.shutdown(fmt.Errorf("%w: %w", ErrConnect, err))
		return
	}
	m.limiter.RecordAttempt(c.SessionID, true, m.now())
	m.metrics.RecordSTTConnect(true)

	flushed, ok := c.attach(stream)
	if !ok {
		// Closed while the handshake was in flight.
		_ = stream.Close()
		return
	}
	log.Info("stt connected", "language", c.language, "flushed_frames", flushed, "dropped_frames", c.droppedFrames())
	m.pump(c, stream, log)
}

// pump forwards stream events until the stream ends. An end the session did
// not ask for counts as a failure against the governor.
func (m *Manager) pump(c *Connection, stream Stream, log *slog.Logger) {
	defer close(c.events)
	for ev := range stream.Events() {
		select {
		case c.events <- ev:
		case <-c.closed:
			// Drain so the provider's reader can exit.
			for range stream.Events() {
			}
			return
		}
	}
	select {
	case <-c.closed:
		return
	default:
	}
	err := stream.Err()
	if err == nil {
		err = errors.New("stream ended by server")
	}
	log.Warn("stt stream lost", "error", err)
	m.limiter.RecordAttempt(c.SessionID, false, m.now())
	m.remove(c)
	c.shutdown(err)
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	if cur, ok := m.conns[c.SessionID]; ok && cur == c {
		delete(m.conns, c.SessionID)
	}
	m.mu.Unlock()
}

type connState int

const (
	stateConnecting connState = iota
	stateReady
	stateClosed
)

// Connection is one session's upstream recognition stream.
type Connection struct {
	SessionID string
	language  string
	mgr       *Manager

	ready  chan struct{}
	closed chan struct{}
	events chan Event

	mu       sync.Mutex
	state    connState
	stream   Stream
	pending  [][]byte
	dropped  int
	lastUsed time.Time
	err      error
}

// LanguageAtConnect is the language the stream was opened with.
func (c *Connection) LanguageAtConnect() string { return c.language }

// Events delivers recognition events; it is closed when the connection ends.
func (c *Connection) Events() <-chan Event { return c.events }

// Done is closed when the connection has ended.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// Err reports why the connection ended, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the stream is open, fails, or ctx is done.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
	case <-c.closed:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReady {
		return nil
	}
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// Send forwards audio, buffering it in order while the stream is connecting.
func (c *Connection) Send(audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = c.mgr.now()
	switch c.state {
	case stateConnecting:
		if limit := c.mgr.cfg.MaxPendingFrames; len(c.pending) >= limit {
			if c.dropped == 0 {
				c.mgr.logger.Warn("stt connect stalled, dropping oldest buffered audio",
					"session_id", c.SessionID, "max_pending_frames", limit)
			}
			c.dropped++
			c.pending[0] = nil
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, append([]byte(nil), audio...))
		return nil
	case stateReady:
		return c.stream.Send(audio)
	default:
		return ErrClosed
	}
}

// PendingLen is the number of frames buffered while connecting.
func (c *Connection) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) droppedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastUsed = now
	c.mu.Unlock()
}

// attach flushes the pending buffer into the new stream and marks the
// connection ready. It returns false when the connection was closed first.
func (c *Connection) attach(stream Stream) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return 0, false
	}
	n := len(c.pending)
	for _, frame := range c.pending {
		if err := stream.Send(frame); err != nil {
			c.mgr.logger.Warn("stt flush failed", "session_id", c.SessionID, "error", err)
			break
		}
	}
	c.pending = nil
	c.stream = stream
	c.state = stateReady
	close(c.ready)
	return n, true
}

func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	wasReady := c.state == stateReady
	c.state = stateClosed
	c.err = cause
	c.pending = nil
	stream := c.stream
	close(c.closed)
	c.mu.Unlock()

	if wasReady && stream != nil {
		_ = stream.Close()
	}
	if !wasReady {
		close(c.events)
	}
}
