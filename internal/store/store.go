// Package store persists finished call transcripts. Writes happen once per
// call, after the media stream has closed; nothing here is read back by the
// real-time path.
package store

import (
	"context"
	"time"

	"github.com/chadiek/voice-agent/internal/llm"
)

type Transcript struct {
	SessionID        string     `json:"session_id"`
	StreamID         string     `json:"stream_sid"`
	CallID           string     `json:"call_sid"`
	Language         string     `json:"language"`
	DetectedLanguage string     `json:"detected_language,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          time.Time  `json:"ended_at"`
	Turns            []llm.Turn `json:"turns"`
}

type Store interface {
	SaveTranscript(ctx context.Context, t Transcript) error
	Close() error
}

// Nop discards transcripts.
type Nop struct{}

func (Nop) SaveTranscript(context.Context, Transcript) error { return nil }
func (Nop) Close() error                                     { return nil }
