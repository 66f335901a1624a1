package agent

import (
	"context"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/media"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
)

// Transcriber hands out pooled upstream STT connections.
// *transcript.Manager implements it.
type Transcriber interface {
	Acquire(sessionID, language string) (*transcript.Connection, error)
	Close(sessionID string)
}

// Generator produces a streamed reply. *llm.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, utterance string, history []llm.Turn, language string, onPhrase func(string)) (string, error)
}

// Speaker plays phrases for one session in order. *tts.Speaker implements it.
type Speaker interface {
	Enqueue(text, language string) error
	Speaking() bool
	Close()
}

// SpeakerFactory builds the Speaker for a session bound to its audio sink.
type SpeakerFactory func(sink tts.Sink) Speaker

// Transport is one call's media stream. *media.Conn implements it.
type Transport interface {
	ReadEvent() (media.Event, error)
	SendMedia(streamSID string, payload []byte) error
	Close() error
}

// LanguageDetector returns a BCP-47 locale for text when it is confident.
type LanguageDetector func(text string) (string, bool)
