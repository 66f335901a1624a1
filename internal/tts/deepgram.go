package tts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/voice-agent/internal/audio"
)

// DeepgramClient synthesizes through Deepgram Aura's speak WebSocket and
// collects the linear16 stream into one clip.
type DeepgramClient struct {
	apiKey string
	logger *slog.Logger
	// IdleWindow ends collection when no audio arrived for this long after
	// the first chunk and no Flushed event was seen.
	IdleWindow time.Duration
}

func NewDeepgramClient(apiKey string, logger *slog.Logger) *DeepgramClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeepgramClient{apiKey: apiKey, logger: logger, IdleWindow: 400 * time.Millisecond}
}

func (d *DeepgramClient) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	if d.apiKey == "" {
		return audio.Clip{}, fmt.Errorf("deepgram: API key missing")
	}
	model := req.Voice.Model
	if model == "" {
		model = "aura-2-thalia-en"
	}
	options := &clientinterfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: req.SampleRate,
	}

	cb := newCollector()
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return audio.Clip{}, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(req.Text); err != nil {
		return audio.Clip{}, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.logger.Warn("deepgram flush failed", "error", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		case <-cb.flushed:
			return cb.clip(req.SampleRate)
		case <-cb.failed:
			return audio.Clip{}, fmt.Errorf("deepgram: %s", cb.errorText())
		case <-ticker.C:
			if last, seen := cb.lastChunk(); seen && time.Since(last) > d.IdleWindow {
				return cb.clip(req.SampleRate)
			}
		}
	}
}

type collector struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	last     time.Time
	errText  string
	flushed  chan struct{}
	failed   chan struct{}
	flushOne sync.Once
	failOne  sync.Once
}

func newCollector() *collector {
	return &collector{flushed: make(chan struct{}), failed: make(chan struct{})}
}

func (c *collector) clip(rate int) (audio.Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		return audio.Clip{}, fmt.Errorf("deepgram: no audio received")
	}
	data := append([]byte(nil), c.buf.Bytes()...)
	return audio.Clip{Data: data, Encoding: audio.EncodingPCM16, SampleRate: rate}, nil
}

func (c *collector) lastChunk() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, !c.last.IsZero()
}

func (c *collector) errorText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errText
}

func (c *collector) Open(*msginterfaces.OpenResponse) error         { return nil }
func (c *collector) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (c *collector) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (c *collector) Close(*msginterfaces.CloseResponse) error       { return nil }
func (c *collector) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (c *collector) UnhandledEvent([]byte) error                    { return nil }

func (c *collector) Flush(*msginterfaces.FlushedResponse) error {
	c.flushOne.Do(func() { close(c.flushed) })
	return nil
}

func (c *collector) Error(e *msginterfaces.ErrorResponse) error {
	c.mu.Lock()
	if e != nil {
		c.errText = fmt.Sprintf("%+v", *e)
	}
	c.mu.Unlock()
	c.failOne.Do(func() { close(c.failed) })
	return nil
}

func (c *collector) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.mu.Lock()
	c.buf.Write(data)
	c.last = time.Now()
	c.mu.Unlock()
	return nil
}
