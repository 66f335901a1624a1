package transcript

import "context"

// Options configures one upstream recognition stream.
type Options struct {
	Encoding       string
	SampleRate     int
	Channels       int
	Language       string
	Model          string
	Punctuate      bool
	InterimResults bool
	SmartFormat    bool
	EndpointingMs  int
	UtteranceEndMs int
}

type EventKind int

const (
	KindTranscript EventKind = iota
	KindUtteranceEnd
)

func (k EventKind) String() string {
	if k == KindUtteranceEnd {
		return "utterance_end"
	}
	return "transcript"
}

// Event is a recognition result or an end-of-speech marker.
type Event struct {
	Kind    EventKind
	Text    string
	IsFinal bool
}

// Stream is a live recognition session with one vendor.
type Stream interface {
	// Send forwards raw audio in arrival order.
	Send(audio []byte) error
	// Events is closed when the stream ends for any reason.
	Events() <-chan Event
	// Err reports why the stream ended; nil after a local Close.
	Err() error
	// Close sends the vendor's end-of-stream control message and releases the socket.
	Close() error
}

// Provider opens recognition streams. ctx bounds the connect handshake only.
type Provider interface {
	Open(ctx context.Context, opts Options) (Stream, error)
}
