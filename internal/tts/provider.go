package tts

import (
	"context"
	"errors"

	"github.com/chadiek/voice-agent/internal/audio"
)

// ErrSynthesis wraps every provider failure. A failed phrase is skipped;
// the session carries on with the next one.
var ErrSynthesis = errors.New("tts: synthesis failed")

// Voice holds the per-deployment voice settings sent with every request.
type Voice struct {
	ID       string
	Model    string
	Pitch    float64
	Pace     float64
	Loudness float64
}

// Request is one batch synthesis call.
type Request struct {
	Text       string
	Language   string
	Voice      Voice
	SampleRate int
}

// Provider synthesizes a whole phrase and returns encoded audio.
type Provider interface {
	Synthesize(ctx context.Context, req Request) (audio.Clip, error)
}
