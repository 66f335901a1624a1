package llm

import (
	"strings"
	"unicode/utf8"
)

// PhraseBuffer splits a token stream into speakable phrases. A phrase is cut
// when the buffer ends in terminal punctuation, ends in a clause separator
// and is at least MinClauseChars long, or reaches MaxPhraseChars.
type PhraseBuffer struct {
	MinClauseChars int
	MaxPhraseChars int

	buf strings.Builder
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '।', '\n':
		return true
	}
	return false
}

func isClauseSeparator(r rune) bool {
	switch r {
	case ',', ';', ':':
		return true
	}
	return false
}

// Write appends delta and returns the phrase it completed, if any.
func (b *PhraseBuffer) Write(delta string) (string, bool) {
	b.buf.WriteString(delta)
	raw := b.buf.String()
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	last, _ := utf8.DecodeLastRuneInString(raw)
	if last != '\n' {
		last, _ = utf8.DecodeLastRuneInString(trimmed)
	}
	n := utf8.RuneCountInString(trimmed)

	switch {
	case isTerminal(last),
		isClauseSeparator(last) && n >= b.MinClauseChars,
		b.MaxPhraseChars > 0 && n >= b.MaxPhraseChars:
		b.buf.Reset()
		return trimmed, true
	}
	return "", false
}

// Flush returns whatever is left and empties the buffer.
func (b *PhraseBuffer) Flush() (string, bool) {
	rest := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return rest, rest != ""
}
