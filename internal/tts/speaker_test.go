package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/audio"
	"github.com/chadiek/voice-agent/internal/logging"
	"github.com/chadiek/voice-agent/internal/metrics"
)

// fakeProvider returns len(text)*320 bytes of PCM filled with text[0].
type fakeProvider struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeProvider) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Text)
	fail := f.fail[req.Text]
	f.mu.Unlock()
	if fail {
		return audio.Clip{}, errors.New("upstream 503")
	}
	pcm := make([]byte, 320*len(req.Text))
	for i := range pcm {
		pcm[i] = req.Text[0]
	}
	return audio.Clip{Data: pcm, Encoding: audio.EncodingPCM16, SampleRate: req.SampleRate}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	packets [][]byte
}

func (r *recordingSink) SendAudio(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, append([]byte(nil), p...))
	return nil
}

func (r *recordingSink) firstBytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.packets))
	for i, p := range r.packets {
		out[i] = p[0]
	}
	return out
}

func newTestSpeaker(p Provider, sink Sink) *Speaker {
	return NewSpeaker(p, sink, SpeakerConfig{SampleRate: 8000, PacketMs: 20, MinPacketBytes: 160, MaxPacketBytes: 800},
		logging.Discard(), metrics.NewMetrics())
}

func TestSpeaker_SerializesPhrases(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSpeaker(&fakeProvider{}, sink)
	defer s.Close()

	require.NoError(t, s.Enqueue("aa", "en-IN"))
	require.NoError(t, s.Enqueue("b", "en-IN"))
	require.NoError(t, s.Speak(context.Background(), "cc", "en-IN"))

	// 320-byte packets: "aa" -> 2, "b" -> 1, "cc" -> 2, never interleaved
	assert.Equal(t, []byte("aabcc"), sink.firstBytes())
	assert.False(t, s.Speaking())
}

func TestSpeaker_SkipsFailedPhrase(t *testing.T) {
	sink := &recordingSink{}
	p := &fakeProvider{fail: map[string]bool{"x": true}}
	s := newTestSpeaker(p, sink)
	defer s.Close()

	require.NoError(t, s.Enqueue("a", "hi-IN"))
	err := s.Speak(context.Background(), "x", "hi-IN")
	assert.ErrorIs(t, err, ErrSynthesis)
	require.NoError(t, s.Speak(context.Background(), "c", "hi-IN"))

	assert.Equal(t, []byte("ac"), sink.firstBytes())
	assert.Equal(t, []string{"a", "x", "c"}, p.calls)
}

func TestSpeaker_PlaysInRealTime(t *testing.T) {
	sink := &recordingSink{}
	s := NewSpeaker(&fakeProvider{}, sink, SpeakerConfig{SampleRate: 8000, PacketMs: 40}, logging.Discard(), nil)
	defer s.Close()

	start := time.Now()
	// 3*320 = 960 bytes -> two 640-byte packets, ~80ms
	require.NoError(t, s.Speak(context.Background(), "abc", "en-IN"))
	elapsed := time.Since(start)

	require.Len(t, sink.packets, 2)
	assert.Len(t, sink.packets[1], 640)
	assert.GreaterOrEqual(t, elapsed, 75*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestSpeaker_CloseDropsQueue(t *testing.T) {
	sink := &recordingSink{}
	s := newTestSpeaker(&fakeProvider{}, sink)

	long := string(make([]byte, 200)) // ~4s of audio
	require.NoError(t, s.Enqueue("z"+long, "en-IN"))
	done := make(chan error, 1)
	go func() { done <- s.Speak(context.Background(), "later", "en-IN") }()

	time.Sleep(30 * time.Millisecond)
	s.Close()

	assert.ErrorIs(t, <-done, ErrSpeakerClosed)
	assert.ErrorIs(t, s.Enqueue("again", "en-IN"), ErrSpeakerClosed)
	s.Close()
}
