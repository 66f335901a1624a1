package llm

import (
	"context"
	"errors"
)

// ErrGeneration wraps every failure to produce a reply: transport errors,
// non-2xx responses and stream timeouts.
var ErrGeneration = errors.New("llm: generation failed")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is a provider-neutral streaming completion request.
type Request struct {
	System      string
	History     []Turn
	Utterance   string
	MaxTokens   int
	Temperature float64
}

// StreamProvider streams a completion, calling onDelta for each content
// fragment in order. A non-nil error from onDelta aborts the stream.
type StreamProvider interface {
	Stream(ctx context.Context, req Request, onDelta func(string) error) error
}
