package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chadiek/voice-agent/internal/metrics"
)

const defaultSystemPrompt = "You are a friendly voice assistant on a phone call. " +
	"Reply in one to three short spoken sentences. Never use lists, markdown, emojis or URLs."

type GeneratorConfig struct {
	SystemPrompt   string
	MaxTokens      int
	Temperature    float64
	PromptTurns    int
	StreamTimeout  time.Duration
	MinClauseChars int
	MaxPhraseChars int
}

// Generator turns a caller utterance into a streamed spoken reply.
type Generator struct {
	provider StreamProvider
	cfg      GeneratorConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewGenerator(provider StreamProvider, cfg GeneratorConfig, logger *slog.Logger, m *metrics.Metrics) *Generator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.PromptTurns <= 0 {
		cfg.PromptTurns = 6
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 15 * time.Second
	}
	if cfg.MinClauseChars <= 0 {
		cfg.MinClauseChars = 20
	}
	if cfg.MaxPhraseChars <= 0 {
		cfg.MaxPhraseChars = 120
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{provider: provider, cfg: cfg, logger: logger, metrics: m}
}

// Generate streams a reply to utterance. onPhrase is called synchronously,
// in order, for every phrase unit; the full trimmed reply is returned when
// the stream completes. On failure it returns "" and an error wrapping
// ErrGeneration. Phrases already delivered stay delivered.
func (g *Generator) Generate(ctx context.Context, utterance string, history []Turn, language string, onPhrase func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StreamTimeout)
	defer cancel()

	req := Request{
		System:      g.systemPrompt(language),
		History:     lastTurns(history, g.cfg.PromptTurns),
		Utterance:   utterance,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}
	phrases := &PhraseBuffer{MinClauseChars: g.cfg.MinClauseChars, MaxPhraseChars: g.cfg.MaxPhraseChars}
	var full strings.Builder
	start := time.Now()
	first := true

	emit := func(p string) {
		if first {
			first = false
			g.metrics.RecordFirstPhrase(time.Since(start).Seconds())
		}
		if onPhrase != nil {
			onPhrase(p)
		}
	}

	err := g.provider.Stream(ctx, req, func(delta string) error {
		full.WriteString(delta)
		if p, ok := phrases.Write(delta); ok {
			emit(p)
		}
		return nil
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		g.metrics.RecordLLMFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			g.logger.Warn("llm stream timed out", "timeout", g.cfg.StreamTimeout)
		}
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if p, ok := phrases.Flush(); ok {
		emit(p)
	}
	return strings.TrimSpace(full.String()), nil
}

func (g *Generator) systemPrompt(language string) string {
	name := LanguageName(language)
	if name == "" {
		return g.cfg.SystemPrompt
	}
	return g.cfg.SystemPrompt + " Always respond in " + name + "."
}

func lastTurns(history []Turn, k int) []Turn {
	if len(history) <= k {
		return history
	}
	return history[len(history)-k:]
}

var languageNames = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"bn": "Bengali",
	"ta": "Tamil",
	"te": "Telugu",
	"kn": "Kannada",
	"ml": "Malayalam",
	"mr": "Marathi",
	"gu": "Gujarati",
	"pa": "Punjabi",
	"od": "Odia",
	"or": "Odia",
}

// LanguageName maps a BCP-47 tag such as "hi-IN" to an English language
// name, or "" when unknown.
func LanguageName(tag string) string {
	base, _, _ := strings.Cut(strings.ToLower(tag), "-")
	return languageNames[base]
}
