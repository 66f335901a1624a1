package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chadiek/voice-agent/internal/audio"
	"github.com/chadiek/voice-agent/internal/metrics"
)

var ErrSpeakerClosed = errors.New("tts: speaker closed")

// Sink receives packetized PCM for one call, in order.
type Sink interface {
	SendAudio(payload []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func([]byte) error

func (f SinkFunc) SendAudio(p []byte) error { return f(p) }

type SpeakerConfig struct {
	Voice          Voice
	SampleRate     int
	PacketMs       int
	MinPacketBytes int
	MaxPacketBytes int
	// Timeout bounds one synthesis request.
	Timeout time.Duration
}

type job struct {
	text     string
	language string
	done     chan error
}

// Speaker synthesizes and plays phrases for one session. Jobs run one at a
// time in submission order; a failed phrase is skipped.
type Speaker struct {
	provider   Provider
	sink       Sink
	cfg        SpeakerConfig
	packetizer *audio.Packetizer
	pacer      *audio.Pacer
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	queue    []job
	speaking bool
	closed   bool
}

func NewSpeaker(provider Provider, sink Sink, cfg SpeakerConfig, logger *slog.Logger, m *metrics.Metrics) *Speaker {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.Telephony.SampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Speaker{
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		packetizer: audio.NewPacketizer(audio.PacketizerConfig{
			Format:     audio.Format{SampleRate: cfg.SampleRate, BytesPerSample: 2},
			DurationMs: cfg.PacketMs,
			MinBytes:   cfg.MinPacketBytes,
			MaxBytes:   cfg.MaxPacketBytes,
		}),
		pacer:   audio.NewPacer(0),
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue schedules text for playback after everything already queued.
func (s *Speaker) Enqueue(text, language string) error {
	_, err := s.enqueue(text, language)
	return err
}

// Speak enqueues text and waits until it has played out or failed.
func (s *Speaker) Speak(ctx context.Context, text, language string) error {
	done, err := s.enqueue(text, language)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *Speaker) enqueue(text, language string) (chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSpeakerClosed
	}
	j := job{text: text, language: language, done: make(chan error, 1)}
	s.queue = append(s.queue, j)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return j.done, nil
}

// Speaking reports whether audio is being synthesized or played, or is queued.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking || len(s.queue) > 0
}

// Close stops playback, discards queued phrases and waits for the worker.
func (s *Speaker) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	dropped := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	for _, j := range dropped {
		j.done <- ErrSpeakerClosed
	}
	<-s.done
}

func (s *Speaker) next() (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		s.speaking = false
		return job{}, false
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	s.speaking = true
	return j, true
}

func (s *Speaker) run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in speaker", "panic", r)
		}
	}()
	for {
		j, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		err := s.play(j)
		s.mu.Lock()
		s.speaking = false
		s.mu.Unlock()
		j.done <- err
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("phrase skipped", "error", err, "text_len", len(j.text))
		}
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *Speaker) play(j job) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	clip, err := s.provider.Synthesize(ctx, Request{
		Text:       j.text,
		Language:   j.language,
		Voice:      s.cfg.Voice,
		SampleRate: s.cfg.SampleRate,
	})
	cancel()
	if err != nil {
		s.metrics.RecordSynthesis(time.Since(start).Seconds(), true)
		return fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	pcm, err := audio.DecodePCM16(clip, s.cfg.SampleRate)
	if err != nil {
		s.metrics.RecordSynthesis(time.Since(start).Seconds(), true)
		return fmt.Errorf("%w: decode %s: %w", ErrSynthesis, clip.Encoding, err)
	}
	s.metrics.RecordSynthesis(time.Since(start).Seconds(), false)

	packets := s.packetizer.Packetize(pcm)
	return s.pacer.Play(s.ctx, packets, func(p audio.Packet) error {
		if err := s.sink.SendAudio(p.Payload); err != nil {
			return err
		}
		s.metrics.RecordPacketSent()
		return nil
	})
}
