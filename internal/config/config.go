package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string `yaml:"http_address"`
	// PublicBaseURL is used to build the media stream URL handed to Twilio.
	// When empty the request host is used.
	PublicBaseURL   string `yaml:"public_base_url"`
	TwilioAuthToken string `yaml:"-"`

	STT       STTConfig       `yaml:"stt"`
	LLM       LLMConfig       `yaml:"llm"`
	TTS       TTSConfig       `yaml:"tts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type STTConfig struct {
	Provider          string        `yaml:"provider"`
	APIKey            string        `yaml:"-"`
	URL               string        `yaml:"url"`
	Model             string        `yaml:"model"`
	Encoding          string        `yaml:"encoding"`
	SampleRate        int           `yaml:"sample_rate"`
	Channels          int           `yaml:"channels"`
	Punctuate         bool          `yaml:"punctuate"`
	InterimResults    bool          `yaml:"interim_results"`
	SmartFormat       bool          `yaml:"smart_format"`
	EndpointingMs     int           `yaml:"endpointing_ms"`
	UtteranceEndMs    int           `yaml:"utterance_end_ms"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible chat completions endpoint,
	// e.g. Cerebras or Groq) or "gemini".
	Provider       string        `yaml:"provider"`
	APIKey         string        `yaml:"-"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	SystemPrompt   string        `yaml:"system_prompt"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	PromptTurns    int           `yaml:"prompt_turns"`
	StreamTimeout  time.Duration `yaml:"stream_timeout"`
	MinClauseChars int           `yaml:"min_clause_chars"`
	MaxPhraseChars int           `yaml:"max_phrase_chars"`
}

type TTSConfig struct {
	// Provider is "sarvam", "elevenlabs" or "deepgram".
	Provider       string        `yaml:"provider"`
	APIKey         string        `yaml:"-"`
	URL            string        `yaml:"url"`
	Model          string        `yaml:"model"`
	VoiceID        string        `yaml:"voice_id"`
	Pitch          float64       `yaml:"pitch"`
	Pace           float64       `yaml:"pace"`
	Loudness       float64       `yaml:"loudness"`
	SampleRate     int           `yaml:"sample_rate"`
	PacketMs       int           `yaml:"packet_ms"`
	MinPacketBytes int           `yaml:"min_packet_bytes"`
	MaxPacketBytes int           `yaml:"max_packet_bytes"`
	Timeout        time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	ConnectionsPerMinute int           `yaml:"connections_per_minute"`
	ConnectionsPerHour   int           `yaml:"connections_per_hour"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffCap           time.Duration `yaml:"backoff_cap"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

type SessionConfig struct {
	Greeting          string        `yaml:"greeting"`
	FallbackPhrase    string        `yaml:"fallback_phrase"`
	DefaultLanguage   string        `yaml:"default_language"`
	HistoryLimit      int           `yaml:"history_limit"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

type StoreConfig struct {
	// Provider is "none", "supabase" or "postgres".
	Provider       string `yaml:"provider"`
	SupabaseURL    string `yaml:"supabase_url"`
	SupabaseKey    string `yaml:"-"`
	SupabaseBucket string `yaml:"supabase_bucket"`
	PostgresDSN    string `yaml:"-"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigurationError lists every problem found while validating a Config.
// It is fatal: the process must not start serving calls.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Default returns the configuration used when neither file nor environment
// override a value.
func Default() Config {
	return Config{
		HTTPAddress: ":8080",
		STT: STTConfig{
			Provider:          "deepgram",
			URL:               "wss://api.deepgram.com/v1/listen",
			Model:             "nova-2",
			Encoding:          "linear16",
			SampleRate:        8000,
			Channels:          1,
			Punctuate:         true,
			InterimResults:    true,
			SmartFormat:       true,
			EndpointingMs:     300,
			UtteranceEndMs:    1000,
			ConnectTimeout:    10 * time.Second,
			IdleTimeout:       30 * time.Second,
			KeepAliveInterval: 5 * time.Second,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			BaseURL:        "https://api.cerebras.ai/v1",
			Model:          "llama3.1-8b",
			SystemPrompt:   "You are a friendly voice assistant on a phone call. Keep answers short and conversational, one or two sentences, with no lists or markdown.",
			MaxTokens:      150,
			Temperature:    0.7,
			PromptTurns:    6,
			StreamTimeout:  15 * time.Second,
			MinClauseChars: 20,
			MaxPhraseChars: 120,
		},
		TTS: TTSConfig{
			Provider:       "sarvam",
			URL:            "https://api.sarvam.ai/text-to-speech",
			Model:          "bulbul:v1",
			VoiceID:        "meera",
			Pitch:          0,
			Pace:           1.0,
			Loudness:       1.0,
			SampleRate:     8000,
			PacketMs:       40,
			MinPacketBytes: 160,
			MaxPacketBytes: 800,
			Timeout:        10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ConnectionsPerMinute: 60,
			ConnectionsPerHour:   1000,
			BackoffBase:          time.Second,
			BackoffCap:           time.Minute,
			StaleAfter:           10 * time.Minute,
			SweepInterval:        time.Minute,
		},
		Session: SessionConfig{
			Greeting:          "Hello! How can I help you today?",
			FallbackPhrase:    "Sorry, I didn't catch that. Could you say it again?",
			DefaultLanguage:   "en-IN",
			HistoryLimit:      20,
			ProcessingTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Provider:       "none",
			SupabaseBucket: "call-transcripts",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads .env, an optional YAML file at path and environment variables, in
// that order of precedence (environment wins), and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddress = getEnv("HTTP_ADDRESS", cfg.HTTPAddress)
	cfg.PublicBaseURL = getEnv("BASE_URL", cfg.PublicBaseURL)
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	cfg.STT.Provider = getEnv("STT_PROVIDER", cfg.STT.Provider)
	cfg.STT.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	cfg.STT.Model = getEnv("STT_MODEL", cfg.STT.Model)

	cfg.LLM.Provider = getEnv("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.BaseURL = getEnv("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	switch cfg.LLM.Provider {
	case "gemini":
		cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	default:
		cfg.LLM.APIKey = getEnv("LLM_API_KEY", os.Getenv("CEREBRAS_API_KEY"))
	}
	if v, err := strconv.Atoi(os.Getenv("LLM_MAX_TOKENS")); err == nil && v > 0 {
		cfg.LLM.MaxTokens = v
	}

	cfg.TTS.Provider = getEnv("TTS_PROVIDER", cfg.TTS.Provider)
	cfg.TTS.VoiceID = getEnv("TTS_VOICE_ID", cfg.TTS.VoiceID)
	switch cfg.TTS.Provider {
	case "elevenlabs":
		cfg.TTS.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	case "deepgram":
		cfg.TTS.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	default:
		cfg.TTS.APIKey = os.Getenv("SARVAM_API_KEY")
	}

	cfg.Store.Provider = getEnv("STORE_PROVIDER", cfg.Store.Provider)
	cfg.Store.SupabaseURL = getEnv("SUPABASE_URL", cfg.Store.SupabaseURL)
	cfg.Store.SupabaseKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	cfg.Store.SupabaseBucket = getEnv("SUPABASE_BUCKET", cfg.Store.SupabaseBucket)
	cfg.Store.PostgresDSN = os.Getenv("DATABASE_URL")

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var problems []string
	for _, err := range []error{
		c.STT.Validate(),
		c.LLM.Validate(),
		c.TTS.Validate(),
		c.RateLimit.Validate(),
		c.Session.Validate(),
		c.Store.Validate(),
	} {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.HTTPAddress == "" {
		problems = append(problems, "http_address cannot be empty")
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func (s STTConfig) Validate() error {
	if s.Provider != "deepgram" {
		return fmt.Errorf("stt: unsupported provider %q", s.Provider)
	}
	var errs []error
	if s.APIKey == "" {
		errs = append(errs, errors.New("stt: DEEPGRAM_API_KEY is required"))
	}
	if s.SampleRate <= 0 || s.Channels <= 0 {
		errs = append(errs, fmt.Errorf("stt: sample_rate and channels must be positive, got %d/%d", s.SampleRate, s.Channels))
	}
	if s.ConnectTimeout <= 0 || s.IdleTimeout <= 0 {
		errs = append(errs, errors.New("stt: connect_timeout and idle_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (l LLMConfig) Validate() error {
	var errs []error
	switch l.Provider {
	case "openai":
		if l.APIKey == "" {
			errs = append(errs, errors.New("llm: LLM_API_KEY (or CEREBRAS_API_KEY) is required"))
		}
		if l.BaseURL == "" {
			errs = append(errs, errors.New("llm: base_url is required"))
		}
	case "gemini":
		if l.APIKey == "" {
			errs = append(errs, errors.New("llm: GEMINI_API_KEY is required"))
		}
	default:
		return fmt.Errorf("llm: unsupported provider %q", l.Provider)
	}
	if l.Model == "" {
		errs = append(errs, errors.New("llm: model is required"))
	}
	if l.StreamTimeout <= 0 {
		errs = append(errs, errors.New("llm: stream_timeout must be positive"))
	}
	if l.MaxPhraseChars <= 0 || l.MinClauseChars <= 0 || l.MinClauseChars > l.MaxPhraseChars {
		errs = append(errs, fmt.Errorf("llm: need 0 < min_clause_chars <= max_phrase_chars, got %d/%d", l.MinClauseChars, l.MaxPhraseChars))
	}
	return errors.Join(errs...)
}

func (t TTSConfig) Validate() error {
	var errs []error
	switch t.Provider {
	case "sarvam":
		if t.APIKey == "" {
			errs = append(errs, errors.New("tts: SARVAM_API_KEY is required"))
		}
	case "elevenlabs":
		if t.APIKey == "" {
			errs = append(errs, errors.New("tts: ELEVENLABS_API_KEY is required"))
		}
		if t.VoiceID == "" {
			errs = append(errs, errors.New("tts: voice_id is required for elevenlabs"))
		}
	case "deepgram":
		if t.APIKey == "" {
			errs = append(errs, errors.New("tts: DEEPGRAM_API_KEY is required"))
		}
	default:
		return fmt.Errorf("tts: unsupported provider %q", t.Provider)
	}
	if t.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("tts: sample_rate must be positive, got %d", t.SampleRate))
	}
	if t.MinPacketBytes <= 0 || t.MaxPacketBytes < t.MinPacketBytes {
		errs = append(errs, fmt.Errorf("tts: invalid packet bounds [%d, %d]", t.MinPacketBytes, t.MaxPacketBytes))
	}
	if t.PacketMs <= 0 {
		errs = append(errs, fmt.Errorf("tts: packet_ms must be positive, got %d", t.PacketMs))
	}
	return errors.Join(errs...)
}

func (r RateLimitConfig) Validate() error {
	if r.ConnectionsPerMinute <= 0 || r.ConnectionsPerHour <= 0 {
		return fmt.Errorf("rate_limit: ceilings must be positive, got %d/min %d/h", r.ConnectionsPerMinute, r.ConnectionsPerHour)
	}
	if r.BackoffBase <= 0 || r.BackoffCap < r.BackoffBase {
		return fmt.Errorf("rate_limit: need 0 < backoff_base <= backoff_cap, got %s/%s", r.BackoffBase, r.BackoffCap)
	}
	return nil
}

func (s SessionConfig) Validate() error {
	if s.HistoryLimit <= 0 {
		return fmt.Errorf("session: history_limit must be positive, got %d", s.HistoryLimit)
	}
	if s.ProcessingTimeout <= 0 {
		return errors.New("session: processing_timeout must be positive")
	}
	if strings.TrimSpace(s.FallbackPhrase) == "" {
		return errors.New("session: fallback_phrase cannot be empty")
	}
	return nil
}

func (s StoreConfig) Validate() error {
	switch s.Provider {
	case "", "none":
		return nil
	case "supabase":
		if s.SupabaseURL == "" || s.SupabaseKey == "" {
			return errors.New("store: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
		}
	case "postgres":
		if s.PostgresDSN == "" {
			return errors.New("store: DATABASE_URL is required")
		}
	default:
		return fmt.Errorf("store: unsupported provider %q", s.Provider)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
