package transcript

import (
	"strings"
	"sync"
)

// Aggregator assembles recognition events into complete utterances.
// Finals append to the buffer and complete at once; UtteranceEnd flushes
// whatever is left. Interims never complete an utterance.
//
// onUtterance reports whether the utterance was admitted for processing.
// Only admitted utterances become the key for duplicate suppression, so a
// rejected one may be heard again.
type Aggregator struct {
	onUtterance func(string) bool

	mu          sync.Mutex
	pending     []string
	lastPartial string
	last        string
}

func NewAggregator(onUtterance func(string) bool) *Aggregator {
	return &Aggregator{onUtterance: onUtterance}
}

func (a *Aggregator) Handle(ev Event) {
	switch ev.Kind {
	case KindTranscript:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		a.mu.Lock()
		if !ev.IsFinal {
			a.lastPartial = text
			a.mu.Unlock()
			return
		}
		a.lastPartial = ""
		a.pending = append(a.pending, text)
		a.mu.Unlock()
		a.Flush()
	case KindUtteranceEnd:
		a.Flush()
	}
}

// Flush completes the buffered utterance, if any. A repeat of the last
// admitted utterance is discarded.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	utterance := strings.TrimSpace(strings.Join(a.pending, " "))
	a.pending = a.pending[:0]
	if utterance == "" || utterance == a.last {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if a.onUtterance == nil || !a.onUtterance(utterance) {
		return
	}
	a.mu.Lock()
	a.last = utterance
	a.mu.Unlock()
}

// Partial returns the most recent interim result.
func (a *Aggregator) Partial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPartial
}
