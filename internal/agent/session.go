package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/media"
	"github.com/chadiek/voice-agent/internal/store"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
)

// Session is one phone call: its media stream, upstream STT connection,
// conversation history and speaker.
type Session struct {
	ID        string
	CreatedAt time.Time

	o         *Orchestrator
	transport Transport
	log       *slog.Logger
	agg       *transcript.Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	// wg counts STT consumers and in-flight turns.
	wg sync.WaitGroup

	mu           sync.Mutex
	state        State
	streamID     string
	callID       string
	language     string
	detected     string
	history      []llm.Turn
	turns        []llm.Turn
	processing   bool
	lastActivity time.Time
	conn         *transcript.Connection
	nextRetry    time.Time
	speaker      Speaker
}

func newSession(o *Orchestrator, id string, t Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		o:            o,
		transport:    t,
		log:          o.logger,
		ctx:          ctx,
		cancel:       cancel,
		language:     o.cfg.DefaultLanguage,
		lastActivity: now,
	}
	s.agg = transcript.NewAggregator(s.onUtterance)
	return s
}

// State reports the lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Language is the locale replies are synthesized in.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyLanguage()
}

// History returns a copy of the bounded conversation history.
func (s *Session) History() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Turn(nil), s.history...)
}

// Speaking reports whether the caller is currently hearing the agent.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	speaker := s.speaker
	s.mu.Unlock()
	return speaker != nil && speaker.Speaking()
}

// Processing reports whether a turn is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func (s *Session) replyLanguage() string {
	if s.detected != "" {
		return s.detected
	}
	return s.language
}

func (s *Session) run() error {
	for {
		ev, err := s.transport.ReadEvent()
		if err != nil {
			if errors.Is(err, media.ErrProtocol) {
				s.log.Warn("bad media frame", "error", err)
				s.o.metrics.RecordProtocolError()
				continue
			}
			if media.IsClosure(err) || s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if done := s.handle(ev); done {
			return nil
		}
	}
}

// handle applies one inbound event and reports whether the call is over.
func (s *Session) handle(ev media.Event) bool {
	switch e := ev.(type) {
	case media.Connected:
		s.log.Debug("media stream connected", "protocol", e.Protocol, "version", e.Version)
	case media.Start:
		s.start(e)
	case media.Media:
		s.media(e.Payload)
	case media.Stop:
		s.log.Info("media stream stopped")
		return true
	case media.DTMF:
		s.log.Info("dtmf received", "digit", e.Digit)
	default:
		s.log.Warn("unhandled media event", "event", ev.Name())
	}
	return false
}

func (s *Session) start(e media.Start) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.log.Warn("ignoring start in state", "state", s.State())
		return
	}
	s.state = StateStarting
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.streamID = e.StreamSID
	s.callID = e.CallSID
	if lang := e.CustomParameters["language"]; lang != "" {
		s.language = lang
	}
	s.log = s.o.logger.With("session_id", s.ID, "stream_sid", e.StreamSID)
	streamID := e.StreamSID
	s.mu.Unlock()

	s.o.register(s)
	s.o.metrics.RecordSessionStarted()
	s.log.Info("call started", "call_sid", e.CallSID, "language", s.Language())

	sink := tts.SinkFunc(func(p []byte) error { return s.transport.SendMedia(streamID, p) })
	speaker := s.o.deps.Speakers(sink)

	s.mu.Lock()
	s.speaker = speaker
	s.mu.Unlock()

	s.connectSTT(time.Now())

	if greeting := s.o.cfg.Greeting; greeting != "" {
		s.say(greeting, s.Language())
		s.mu.Lock()
		s.turns = append(s.turns, llm.Turn{Role: llm.RoleAssistant, Text: greeting})
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
}

func (s *Session) media(payload []byte) {
	now := time.Now()
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.lastActivity = now
	conn := s.conn
	if conn != nil {
		select {
		case <-conn.Done():
			s.conn, conn = nil, nil
		default:
		}
	}
	retry := conn == nil && !now.Before(s.nextRetry)
	s.mu.Unlock()

	if retry {
		conn = s.connectSTT(now)
	}
	if conn == nil {
		return
	}
	// A failed send surfaces as the connection ending; the next frame
	// after that triggers a reconnect.
	if err := conn.Send(payload); err != nil {
		s.log.Debug("stt send failed", "error", err)
	}
}

// connectSTT acquires an upstream connection without blocking. On denial the
// next attempt waits out the governor's advice.
func (s *Session) connectSTT(now time.Time) *transcript.Connection {
	s.mu.Lock()
	lang := s.language
	s.mu.Unlock()

	conn, err := s.o.deps.STT.Acquire(s.ID, lang)
	if err != nil {
		var rl *transcript.RateLimitedError
		wait := time.Second
		if errors.As(err, &rl) {
			wait = rl.Wait
		}
		s.log.Warn("stt unavailable", "error", err, "retry_in", wait)
		s.mu.Lock()
		s.nextRetry = now.Add(wait)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		return conn
	}
	s.conn = conn
	s.wg.Add(1)
	go s.consume(conn)
	return conn
}

func (s *Session) consume(conn *transcript.Connection) {
	defer s.wg.Done()
	for ev := range conn.Events() {
		s.agg.Handle(ev)
	}
	if err := conn.Err(); err != nil {
		s.log.Warn("stt connection ended", "error", err)
	}
}

// onUtterance starts a turn unless one is already in flight, and reports
// whether the utterance was admitted.
func (s *Session) onUtterance(text string) bool {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	if s.processing {
		s.mu.Unlock()
		s.log.Info("dropping utterance while processing", "utterance", text)
		s.o.metrics.RecordDroppedUtterance()
		return false
	}
	s.processing = true
	history := append([]llm.Turn(nil), s.history...)
	lang := s.replyLanguage()
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("utterance", "text", text)
	go s.turn(text, history, lang)
	return true
}

// turn runs one generate-and-speak cycle under the processing watchdog.
func (s *Session) turn(utterance string, history []llm.Turn, lang string) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in turn", "panic", r)
			s.mu.Lock()
			s.processing = false
			s.mu.Unlock()
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.o.cfg.ProcessingTimeout)
	defer cancel()

	var (
		reply    string
		detected string
		spoken   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reply, err = s.o.deps.Generator.Generate(gctx, utterance, history, lang, func(phrase string) {
			spoken++
			s.say(phrase, lang)
		})
		return err
	})
	g.Go(func() error {
		if tag, ok := s.o.deps.Detect(utterance); ok {
			detected = tag
		}
		return nil
	})
	err := g.Wait()

	if err != nil && s.ctx.Err() == nil {
		s.log.Warn("reply generation failed", "error", err, "phrases_spoken", spoken)
		if spoken == 0 || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.say(s.o.cfg.FallbackPhrase, lang)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if detected != "" && detected != s.detected {
		s.log.Info("caller language detected", "language", detected)
		s.detected = detected
	}
	s.turns = append(s.turns, llm.Turn{Role: llm.RoleUser, Text: utterance})
	if err == nil && reply != "" {
		s.history = append(s.history,
			llm.Turn{Role: llm.RoleUser, Text: utterance},
			llm.Turn{Role: llm.RoleAssistant, Text: reply},
		)
		if over := len(s.history) - s.o.cfg.HistoryLimit; over > 0 {
			s.history = append([]llm.Turn(nil), s.history[over:]...)
		}
		s.turns = append(s.turns, llm.Turn{Role: llm.RoleAssistant, Text: reply})
	}
	s.processing = false
}

func (s *Session) say(text, lang string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	speaker := s.speaker
	s.mu.Unlock()
	if speaker == nil {
		return
	}
	if err := speaker.Enqueue(text, lang); err != nil {
		s.log.Debug("speaker rejected phrase", "error", err)
	}
}

// stop tears the session down. It is safe to call more than once.
func (s *Session) stop() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	started := s.state != StateIdle
	s.state = StateClosing
	s.conn = nil
	speaker := s.speaker
	s.mu.Unlock()

	if started {
		s.o.deps.STT.Close(s.ID)
	}
	s.cancel()
	if speaker != nil {
		speaker.Close()
	}
	s.wg.Wait()
	_ = s.transport.Close()

	s.mu.Lock()
	s.state = StateClosed
	t := store.Transcript{
		SessionID:        s.ID,
		StreamID:         s.streamID,
		CallID:           s.callID,
		Language:         s.language,
		DetectedLanguage: s.detected,
		StartedAt:        s.CreatedAt,
		EndedAt:          time.Now(),
		Turns:            s.turns,
	}
	s.history = nil
	s.mu.Unlock()

	if !started {
		return
	}
	s.o.unregister(s)
	s.o.metrics.RecordSessionEnded(time.Since(s.CreatedAt).Seconds())
	s.o.persist(t)
	s.log.Info("call ended", "duration", time.Since(s.CreatedAt).Round(time.Millisecond))
}
