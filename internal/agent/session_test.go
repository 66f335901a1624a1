package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/logging"
	"github.com/chadiek/voice-agent/internal/media"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/ratelimit"
	"github.com/chadiek/voice-agent/internal/store"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
)

// --- transport ---

type readResult struct {
	ev  media.Event
	err error
}

type fakeTransport struct {
	in        chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan readResult, 32), closed: make(chan struct{})}
}

func (f *fakeTransport) push(ev media.Event) { f.in <- readResult{ev: ev} }

func (f *fakeTransport) ReadEvent() (media.Event, error) {
	select {
	case r := <-f.in:
		return r.ev, r.err
	case <-f.closed:
		return nil, media.ErrClosed
	}
}

func (f *fakeTransport) SendMedia(string, []byte) error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// --- upstream STT ---

type sttStream struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan transcript.Event
	once   sync.Once
}

func (s *sttStream) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), b...))
	return nil
}
func (s *sttStream) Events() <-chan transcript.Event { return s.events }
func (s *sttStream) Err() error                      { return nil }
func (s *sttStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}
func (s *sttStream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *sttStream) final(text string) {
	s.events <- transcript.Event{Kind: transcript.KindTranscript, Text: text, IsFinal: true}
}

type sttProvider struct {
	release chan struct{}
	stream  *sttStream
}

func (p *sttProvider) Open(ctx context.Context, _ transcript.Options) (transcript.Stream, error) {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.stream, nil
}

// --- generator, speaker, store ---

type fakeGenerator struct {
	mu      sync.Mutex
	calls   []string
	langs   []string
	phrases []string
	reply   string
	err     error
	block   chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, utterance string, _ []llm.Turn, language string, onPhrase func(string)) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, utterance)
	g.langs = append(g.langs, language)
	block := g.block
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for _, p := range g.phrases {
		onPhrase(p)
	}
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *fakeGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type fakeSpeaker struct {
	mu     sync.Mutex
	said   []string
	closed bool
}

func (s *fakeSpeaker) Enqueue(text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.said = append(s.said, text)
	return nil
}
func (s *fakeSpeaker) Speaking() bool { return false }
func (s *fakeSpeaker) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
func (s *fakeSpeaker) Said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

type memStore struct {
	delay time.Duration
	mu    sync.Mutex
	saved []store.Transcript
}

func (m *memStore) SaveTranscript(_ context.Context, t store.Transcript) error {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, t)
	return nil
}
func (m *memStore) Close() error { return nil }

func (m *memStore) Saved() []store.Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Transcript(nil), m.saved...)
}

// --- harness ---

type harness struct {
	orch      *Orchestrator
	transport *fakeTransport
	stt       *sttProvider
	gen       *fakeGenerator
	speaker   *fakeSpeaker
	store     *memStore
	metrics   *metrics.Metrics
	done      chan error
}

func newHarness(t *testing.T, cfg Config, gen *fakeGenerator, release chan struct{}) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		stt:       &sttProvider{release: release, stream: &sttStream{events: make(chan transcript.Event, 8)}},
		gen:       gen,
		speaker:   &fakeSpeaker{},
		store:     &memStore{},
		metrics:   metrics.NewMetrics(),
		done:      make(chan error, 1),
	}
	gov := ratelimit.New(ratelimit.Config{ConnectionsPerMinute: 100, ConnectionsPerHour: 1000})
	mgr := transcript.NewManager(h.stt, gov, transcript.ManagerConfig{ConnectTimeout: time.Second}, logging.Discard(), h.metrics)
	h.orch = NewOrchestrator(Deps{
		STT:       mgr,
		Generator: gen,
		Speakers:  func(tts.Sink) Speaker { return h.speaker },
		Store:     h.store,
		Detect:    func(string) (string, bool) { return "", false },
		Logger:    logging.Discard(),
		Metrics:   h.metrics,
	}, cfg)
	return h
}

func (h *harness) serve(sessionID string) {
	go func() { h.done <- h.orch.Serve(context.Background(), sessionID, h.transport) }()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.transport.push(media.Stop{StreamSID: "MZ1"})
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func (h *harness) session(t *testing.T, id string) *Session {
	t.Helper()
	var s *Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = h.orch.Session(id)
		return ok && s.State() == StateActive
	}, time.Second, 5*time.Millisecond)
	return s
}

func testConfig() Config {
	return Config{Greeting: "Hi there!", FallbackPhrase: "Sorry, say that again?", HistoryLimit: 4, ProcessingTimeout: time.Second}
}

func TestSession_BuffersAudioUntilSTTReady(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testConfig(), &fakeGenerator{}, release)
	h.serve("s1")

	h.transport.push(media.Start{StreamSID: "MZ1", CallSID: "CA1"})
	for i := byte(1); i <= 3; i++ {
		h.transport.push(media.Media{Payload: []byte{i}})
	}
	h.session(t, "s1")
	// frames reach the connecting Connection before the handshake finishes
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.stt.stream.Sent())

	close(release)
	assert.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, h.stt.stream.Sent())

	h.transport.push(media.Media{Payload: []byte{4}})
	assert.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 4 }, time.Second, 5*time.Millisecond)
	h.stop(t)
}

func TestSession_TurnSpeaksPhrasesAndRecordsHistory(t *testing.T) {
	gen := &fakeGenerator{phrases: []string{"Hello,", "how are you?"}, reply: "Hello, how are you?"}
	h := newHarness(t, testConfig(), gen, nil)
	h.serve("s1")

	h.transport.push(media.Start{StreamSID: "MZ1", CallSID: "CA1"})
	s := h.session(t, "s1")
	h.transport.push(media.Media{Payload: []byte{0}})
	require.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	h.stt.stream.final("hi")
	require.Eventually(t, func() bool { return len(s.History()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Processing())
	assert.Equal(t, []string{"Hi there!", "Hello,", "how are you?"}, h.speaker.Said())
	assert.Equal(t, []llm.Turn{{Role: llm.RoleUser, Text: "hi"}, {Role: llm.RoleAssistant, Text: "Hello, how are you?"}}, s.History())

	h.stop(t)
	require.NoError(t, h.orch.Wait(context.Background()))
	require.Len(t, h.store.saved, 1)
	saved := h.store.saved[0]
	assert.Equal(t, "CA1", saved.CallID)
	assert.Equal(t, "MZ1", saved.StreamID)
	assert.Len(t, saved.Turns, 3)
	assert.True(t, h.speaker.closed)
	assert.Equal(t, 0, h.orch.ActiveSessions())
}

func TestSession_DropsUtteranceWhileProcessing(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), reply: "ok"}
	h := newHarness(t, testConfig(), gen, nil)
	h.serve("s1")
	h.transport.push(media.Start{StreamSID: "MZ1"})
	s := h.session(t, "s1")
	h.transport.push(media.Media{Payload: []byte{0}})
	require.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	h.stt.stream.final("first")
	require.Eventually(t, s.Processing, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	h.stt.stream.final("second")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DroppedUtterance) == 1
	}, time.Second, 5*time.Millisecond)
	close(gen.block)
	require.Eventually(t, func() bool { return !s.Processing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first"}, gen.Calls())

	// the next utterance after completion is admitted
	h.stt.stream.final("third")
	assert.Eventually(t, func() bool { return len(gen.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	h.stop(t)
}

func TestSession_FallbackOnGenerationFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("llm down")}
	h := newHarness(t, testConfig(), gen, nil)
	h.serve("s1")
	h.transport.push(media.Start{StreamSID: "MZ1"})
	s := h.session(t, "s1")
	h.transport.push(media.Media{Payload: []byte{0}})
	require.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	h.stt.stream.final("hello?")
	require.Eventually(t, func() bool { return len(h.speaker.Said()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Sorry, say that again?", h.speaker.Said()[1])
	assert.Empty(t, s.History())
	assert.Eventually(t, func() bool { return !s.Processing() }, time.Second, 5*time.Millisecond)
	h.stop(t)
}

func TestSession_WatchdogResetsProcessing(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessingTimeout = 50 * time.Millisecond
	gen := &fakeGenerator{block: make(chan struct{})}
	h := newHarness(t, cfg, gen, nil)
	h.serve("s1")
	h.transport.push(media.Start{StreamSID: "MZ1"})
	s := h.session(t, "s1")
	h.transport.push(media.Media{Payload: []byte{0}})
	require.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	h.stt.stream.final("are you there")
	require.Eventually(t, s.Processing, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Processing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hi there!", "Sorry, say that again?"}, h.speaker.Said())
	h.stop(t)
}

func TestSession_DetectedLanguageUsedForNextReply(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	h := newHarness(t, testConfig(), gen, nil)
	h.orch.deps.Detect = func(string) (string, bool) { return "hi-IN", true }
	h.serve("s1")
	h.transport.push(media.Start{StreamSID: "MZ1"})
	s := h.session(t, "s1")
	h.transport.push(media.Media{Payload: []byte{0}})
	require.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	h.stt.stream.final("namaste ji")
	require.Eventually(t, func() bool { return s.Language() == "hi-IN" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Processing() }, time.Second, 5*time.Millisecond)
	h.stt.stream.final("kya haal hai")
	require.Eventually(t, func() bool { return len(gen.Calls()) == 2 }, time.Second, 5*time.Millisecond)

	gen.mu.Lock()
	assert.Equal(t, []string{"en-IN", "hi-IN"}, gen.langs)
	gen.mu.Unlock()
	h.stop(t)
}

func TestSession_IgnoresBadFramesAndUnexpectedEvents(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeGenerator{}, nil)
	h.serve("")

	// media before start is ignored
	h.transport.push(media.Media{Payload: []byte{9}})
	h.transport.in <- readResult{err: &media.ProtocolError{Reason: "invalid json"}}
	h.transport.push(media.DTMF{Digit: "1"})
	h.transport.push(media.Start{StreamSID: "MZ1"})
	h.transport.push(media.Start{StreamSID: "MZ2"})

	require.Eventually(t, func() bool { return h.orch.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProtocolErrors))
	assert.Equal(t, []string{"Hi there!"}, h.speaker.Said())
	h.stop(t)
}

func TestServe_TransportCloseEndsSession(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeGenerator{}, nil)
	h.serve("s1")
	h.transport.push(media.Start{StreamSID: "MZ1"})
	h.session(t, "s1")

	_ = h.transport.Close()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, 0, h.orch.ActiveSessions())
}

func TestServe_ContextCancelEndsSession(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeGenerator{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Serve(ctx, "s1", h.transport) }()
	h.transport.push(media.Start{StreamSID: "MZ1"})
	h.session(t, "s1")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on cancel")
	}
}

func TestSession_RepeatOfDroppedUtteranceIsAnswered(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), reply: "ok"}
	h := newHarness(t, testConfig(), gen, nil)
	h.serve("s1")
	h.transport.push(media.Start{StreamSID: "MZ1"})
	s := h.session(t, "s1")
	h.transport.push(media.Media{Payload: []byte{0}})
	require.Eventually(t, func() bool { return len(h.stt.stream.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	h.stt.stream.final("first")
	require.Eventually(t, s.Processing, time.Second, 5*time.Millisecond)
	h.stt.stream.final("what is the price")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DroppedUtterance) == 1
	}, time.Second, 5*time.Millisecond)

	close(gen.block)
	require.Eventually(t, func() bool { return !s.Processing() }, time.Second, 5*time.Millisecond)

	h.stt.stream.final("what is the price")
	assert.Eventually(t, func() bool { return len(gen.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "what is the price"}, gen.Calls())
	h.stop(t)
}

func TestOrchestrator_WaitCoversClosingSessions(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeGenerator{}, nil)
	h.store.delay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Serve(ctx, "s1", h.transport) }()
	h.transport.push(media.Start{StreamSID: "MZ1", CallSID: "CA1"})
	h.session(t, "s1")

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, h.orch.Wait(waitCtx))

	saved := h.store.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "CA1", saved[0].CallID)
	assert.NoError(t, <-done)
}
