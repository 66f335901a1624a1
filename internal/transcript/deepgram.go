package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

// DeepgramProvider streams audio to Deepgram's live listen endpoint.
type DeepgramProvider struct {
	APIKey string
	// URL overrides the listen endpoint, mainly for tests.
	URL string
	// KeepAliveInterval is how often a KeepAlive is sent while no audio flows.
	KeepAliveInterval time.Duration
	Logger            *slog.Logger
}

func NewDeepgramProvider(apiKey string, logger *slog.Logger) *DeepgramProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeepgramProvider{APIKey: apiKey, KeepAliveInterval: 8 * time.Second, Logger: logger}
}

func (p *DeepgramProvider) listenURL(opts Options) (string, error) {
	base := p.URL
	if base == "" {
		base = defaultDeepgramURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("deepgram: bad url: %w", err)
	}
	q := u.Query()
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("encoding", opts.Encoding)
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	if opts.Channels > 0 {
		q.Set("channels", strconv.Itoa(opts.Channels))
	}
	set("language", opts.Language)
	set("model", opts.Model)
	q.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	if opts.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(opts.EndpointingMs))
	}
	// utterance_end_ms requires interim results upstream.
	if opts.UtteranceEndMs > 0 && opts.InterimResults {
		q.Set("utterance_end_ms", strconv.Itoa(opts.UtteranceEndMs))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *DeepgramProvider) Open(ctx context.Context, opts Options) (Stream, error) {
	if p.APIKey == "" {
		return nil, errors.New("deepgram: API key is empty")
	}
	wsURL, err := p.listenURL(opts)
	if err != nil {
		return nil, err
	}
	headers := http.Header{"Authorization": {"Token " + p.APIKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &deepgramStream{
		conn:     conn,
		log:      p.Logger.With("stt", "deepgram", "language", opts.Language),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		lastSend: time.Now(),
	}
	go s.readLoop()
	if p.KeepAliveInterval > 0 {
		go s.keepAlive(p.KeepAliveInterval)
	}
	return s, nil
}

type deepgramStream struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan Event
	done   chan struct{}

	writeMu  sync.Mutex
	lastSend time.Time
	closing  bool

	errMu sync.Mutex
	err   error
}

type dgMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (s *deepgramStream) Send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closing {
		return ErrClosed
	}
	s.lastSend = time.Now()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) Close() error {
	s.writeMu.Lock()
	if s.closing {
		s.writeMu.Unlock()
		return nil
	}
	s.closing = true
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.writeMu.Unlock()

	// Give the server a moment to deliver trailing finals before hanging up.
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return s.conn.Close()
}

func (s *deepgramStream) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if !s.closing && time.Since(s.lastSend) >= interval {
				_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
					s.log.Warn("keepalive failed", "error", err)
				}
			}
			s.writeMu.Unlock()
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in deepgram read loop", "panic", r)
			s.setErr(fmt.Errorf("deepgram: read loop panic: %v", r))
		}
		close(s.events)
		close(s.done)
	}()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.writeMu.Lock()
			closing := s.closing
			s.writeMu.Unlock()
			if !closing {
				s.setErr(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}
		ev, ok, err := parseDeepgram(message)
		if err != nil {
			s.log.Warn("deepgram message", "error", err)
			continue
		}
		if ok {
			s.events <- ev
		}
	}
}

func (s *deepgramStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// parseDeepgram maps one server message to an Event. ok is false for
// messages with no transcript meaning (Metadata, SpeechStarted, empty results).
func parseDeepgram(message []byte) (Event, bool, error) {
	var msg dgMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return Event{}, false, fmt.Errorf("decode: %w", err)
	}
	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return Event{}, false, nil
		}
		text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if text == "" {
			return Event{}, false, nil
		}
		return Event{Kind: KindTranscript, Text: text, IsFinal: msg.IsFinal}, true, nil
	case "UtteranceEnd":
		return Event{Kind: KindUtteranceEnd}, true, nil
	case "Error":
		return Event{}, false, fmt.Errorf("server error: %s %s", msg.Description, msg.Message)
	default:
		return Event{}, false, nil
	}
}
