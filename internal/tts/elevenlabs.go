package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chadiek/voice-agent/internal/audio"
)

const defaultElevenLabsURL = "https://api.elevenlabs.io"

// ElevenLabsClient uses the batch text-to-speech endpoint with raw PCM
// output, so no container parsing is needed.
type ElevenLabsClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
}

func NewElevenLabsClient(apiKey, baseURL string) *ElevenLabsClient {
	if baseURL == "" {
		baseURL = defaultElevenLabsURL
	}
	return &ElevenLabsClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    baseURL,
		APIKey:     apiKey,
	}
}

// PCM output formats the API accepts; anything else is fetched at 16 kHz and
// resampled locally.
var elevenLabsRates = map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 44100: true}

func (e *ElevenLabsClient) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	if e.APIKey == "" || req.Voice.ID == "" {
		return audio.Clip{}, fmt.Errorf("elevenlabs: api key or voice id missing")
	}
	rate := req.SampleRate
	if !elevenLabsRates[rate] {
		rate = 16000
	}
	model := req.Voice.Model
	if model == "" {
		model = "eleven_flash_v2_5"
	}

	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("elevenlabs: bad base url: %w", err)
	}
	u = u.JoinPath("v1", "text-to-speech", req.Voice.ID)
	q := u.Query()
	q.Set("output_format", "pcm_"+strconv.Itoa(rate))
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": model,
		"text":     req.Text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
			"speed":             speedOrDefault(req.Voice.Pace),
		},
	}
	if code := languageCode(req.Language); code != "" {
		body["language_code"] = code
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return audio.Clip{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return audio.Clip{}, err
	}
	httpReq.Header.Set("xi-api-key", e.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("elevenlabs: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return audio.Clip{}, fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode, string(b))
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("elevenlabs: read: %w", err)
	}
	return audio.Clip{Data: pcm, Encoding: audio.EncodingPCM16, SampleRate: rate}, nil
}

func speedOrDefault(pace float64) float64 {
	if pace <= 0 {
		return 1.0
	}
	return pace
}

// languageCode reduces "hi-IN" to "hi".
func languageCode(tag string) string {
	if len(tag) >= 2 {
		return tag[:2]
	}
	return ""
}
