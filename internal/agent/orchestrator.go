package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/store"
)

type Config struct {
	Greeting          string
	FallbackPhrase    string
	DefaultLanguage   string
	HistoryLimit      int
	ProcessingTimeout time.Duration
}

// Deps are the process-wide services every session shares.
type Deps struct {
	STT       Transcriber
	Generator Generator
	Speakers  SpeakerFactory
	Store     store.Store
	Detect    LanguageDetector
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Orchestrator runs one Session per media stream.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	// serving counts Serve calls that have not finished tearing down.
	serving sync.WaitGroup
	// persisting tracks transcript writes still in flight.
	persisting sync.WaitGroup
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en-IN"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if deps.Store == nil {
		deps.Store = store.Nop{}
	}
	if deps.Detect == nil {
		deps.Detect = DetectLanguage
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		sessions: make(map[string]*Session),
	}
}

// Serve drives one call until the stream stops, the transport fails or ctx
// is cancelled. sessionID may be empty, in which case one is allocated on
// start. Panics inside the session are recovered and logged here.
func (o *Orchestrator) Serve(ctx context.Context, sessionID string, t Transport) (err error) {
	o.serving.Add(1)
	defer o.serving.Done()

	s := newSession(o, sessionID, t)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recovered from panic in session", "session_id", s.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session %s: panic: %v", s.ID, r)
		}
		s.stop()
	}()

	stopWatch := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stopWatch()

	if err = s.run(); ctx.Err() != nil {
		err = nil
	}
	return err
}

// Session returns a live session by ID.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// ActiveSessions is the number of sessions past start and not yet closed.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Wait blocks until every session has stopped and its transcript write has
// finished, or ctx is done. Callers end the sessions first, e.g. by
// cancelling the context passed to Serve.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.serving.Wait()
		o.persisting.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) register(s *Session) {
	o.mu.Lock()
	o.sessions[s.ID] = s
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(s *Session) {
	o.mu.Lock()
	if cur, ok := o.sessions[s.ID]; ok && cur == s {
		delete(o.sessions, s.ID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) persist(t store.Transcript) {
	if len(t.Turns) == 0 {
		return
	}
	o.persisting.Add(1)
	go func() {
		defer o.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.Store.SaveTranscript(ctx, t); err != nil {
			o.logger.Error("failed to save transcript", "session_id", t.SessionID, "error", err)
			return
		}
		o.logger.Info("transcript saved", "session_id", t.SessionID, "turns", len(t.Turns))
	}()
}
