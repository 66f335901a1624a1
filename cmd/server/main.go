package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/chadiek/voice-agent/api/http"
	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/config"
	"github.com/chadiek/voice-agent/internal/httpserver"
	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/logging"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/middleware"
	"github.com/chadiek/voice-agent/internal/ratelimit"
	"github.com/chadiek/voice-agent/internal/store"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
	"github.com/chadiek/voice-agent/internal/usecase"
)

type options struct {
	Config string `short:"c" long:"config" env:"CONFIG_FILE" description:"YAML tunables file"`
	Addr   string `long:"addr" description:"HTTP listen address, overrides the config file"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if opts.Addr != "" {
		cfg.HTTPAddress = opts.Addr
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	governor := ratelimit.New(ratelimit.Config{
		ConnectionsPerMinute: cfg.RateLimit.ConnectionsPerMinute,
		ConnectionsPerHour:   cfg.RateLimit.ConnectionsPerHour,
		BackoffBase:          cfg.RateLimit.BackoffBase,
		BackoffCap:           cfg.RateLimit.BackoffCap,
		StaleAfter:           cfg.RateLimit.StaleAfter,
	})

	sttProvider := transcript.NewDeepgramProvider(cfg.STT.APIKey, logger)
	if cfg.STT.URL != "" {
		sttProvider.URL = cfg.STT.URL
	}
	if cfg.STT.KeepAliveInterval > 0 {
		sttProvider.KeepAliveInterval = cfg.STT.KeepAliveInterval
	}
	stt := transcript.NewManager(sttProvider, governor, transcript.ManagerConfig{
		Options: transcript.Options{
			Encoding:       cfg.STT.Encoding,
			SampleRate:     cfg.STT.SampleRate,
			Channels:       cfg.STT.Channels,
			Model:          cfg.STT.Model,
			Punctuate:      cfg.STT.Punctuate,
			InterimResults: cfg.STT.InterimResults,
			SmartFormat:    cfg.STT.SmartFormat,
			EndpointingMs:  cfg.STT.EndpointingMs,
			UtteranceEndMs: cfg.STT.UtteranceEndMs,
		},
		ConnectTimeout: cfg.STT.ConnectTimeout,
		IdleTimeout:    cfg.STT.IdleTimeout,
	}, logger, m)

	llmProvider, err := newLLMProvider(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	generator := llm.NewGenerator(llmProvider, llm.GeneratorConfig{
		SystemPrompt:   cfg.LLM.SystemPrompt,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		PromptTurns:    cfg.LLM.PromptTurns,
		StreamTimeout:  cfg.LLM.StreamTimeout,
		MinClauseChars: cfg.LLM.MinClauseChars,
		MaxPhraseChars: cfg.LLM.MaxPhraseChars,
	}, logger, m)

	synth := newTTSProvider(cfg.TTS, logger)
	speakerCfg := tts.SpeakerConfig{
		Voice: tts.Voice{
			ID:       cfg.TTS.VoiceID,
			Model:    cfg.TTS.Model,
			Pitch:    cfg.TTS.Pitch,
			Pace:     cfg.TTS.Pace,
			Loudness: cfg.TTS.Loudness,
		},
		SampleRate:     cfg.TTS.SampleRate,
		PacketMs:       cfg.TTS.PacketMs,
		MinPacketBytes: cfg.TTS.MinPacketBytes,
		MaxPacketBytes: cfg.TTS.MaxPacketBytes,
		Timeout:        cfg.TTS.Timeout,
	}

	transcripts, err := newStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	orch := agent.NewOrchestrator(agent.Deps{
		STT:       stt,
		Generator: generator,
		Speakers: func(sink tts.Sink) agent.Speaker {
			return tts.NewSpeaker(synth, sink, speakerCfg, logger, m)
		},
		Store:   transcripts,
		Logger:  logger,
		Metrics: m,
	}, agent.Config{
		Greeting:          cfg.Session.Greeting,
		FallbackPhrase:    cfg.Session.FallbackPhrase,
		DefaultLanguage:   cfg.Session.DefaultLanguage,
		HistoryLimit:      cfg.Session.HistoryLimit,
		ProcessingTimeout: cfg.Session.ProcessingTimeout,
	})

	twilioSvc := usecase.NewTwilioService(cfg.PublicBaseURL)
	e := httpserver.New(logger)
	if cfg.TwilioAuthToken != "" {
		token := cfg.TwilioAuthToken
		e.Use(middleware.TwilioAuth(func() string { return token }, func(c echo.Context) string {
			return twilioSvc.BuildAbsoluteURL(c, c.Request().URL.RequestURI())
		}))
	} else {
		logger.Warn("TWILIO_AUTH_TOKEN not set, webhook signatures are not verified")
	}

	sessionsCtx, endSessions := context.WithCancel(context.Background())
	defer endSessions()
	apihttp.Handlers{
		Twilio:      twilioSvc,
		Sessions:    orch,
		Metrics:     m,
		Logger:      logger,
		BaseContext: sessionsCtx,
	}.Register(e)
	server := httpserver.NewServer(cfg.HTTPAddress, e, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		governor.Run(gctx, cfg.RateLimit.SweepInterval)
		return nil
	})
	g.Go(func() error {
		stt.Run(gctx, cfg.STT.IdleTimeout/2)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		endSessions()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			_ = server.Echo.Close()
		}
		if err := orch.Wait(shutdownCtx); err != nil {
			logger.Warn("transcripts still pending at exit", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func newLLMProvider(ctx context.Context, cfg config.LLMConfig) (llm.StreamProvider, error) {
	switch cfg.Provider {
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return llm.NewChatClient(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	}
}

func newTTSProvider(cfg config.TTSConfig, logger *slog.Logger) tts.Provider {
	switch cfg.Provider {
	case "elevenlabs":
		return tts.NewElevenLabsClient(cfg.APIKey, cfg.URL)
	case "deepgram":
		return tts.NewDeepgramClient(cfg.APIKey, logger)
	default:
		return tts.NewSarvamClient(cfg.APIKey, cfg.URL)
	}
}

func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Provider {
	case "supabase":
		return store.NewSupabaseStore(store.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		})
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.NewPostgresStore(connectCtx, cfg.PostgresDSN)
	default:
		return store.Nop{}, nil
	}
}
