package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chadiek/voice-agent/internal/audio"
)

const defaultSarvamURL = "https://api.sarvam.ai/text-to-speech"

// SarvamClient calls Sarvam's batch text-to-speech endpoint, which answers
// with base64 WAV clips.
type SarvamClient struct {
	HTTPClient *http.Client
	URL        string
	APIKey     string
}

func NewSarvamClient(apiKey, endpoint string) *SarvamClient {
	if endpoint == "" {
		endpoint = defaultSarvamURL
	}
	return &SarvamClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		URL:        endpoint,
		APIKey:     apiKey,
	}
}

type sarvamRequest struct {
	Text                string  `json:"text"`
	TargetLanguageCode  string  `json:"target_language_code"`
	Speaker             string  `json:"speaker,omitempty"`
	Pitch               float64 `json:"pitch"`
	Pace                float64 `json:"pace"`
	Loudness            float64 `json:"loudness"`
	SpeechSampleRate    int     `json:"speech_sample_rate"`
	EnablePreprocessing bool    `json:"enable_preprocessing"`
	Model               string  `json:"model,omitempty"`
}

type sarvamResponse struct {
	RequestID string   `json:"request_id"`
	Audios    []string `json:"audios"`
}

func (c *SarvamClient) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	if c.APIKey == "" {
		return audio.Clip{}, fmt.Errorf("sarvam: api key missing")
	}
	body, err := json.Marshal(sarvamRequest{
		Text:                req.Text,
		TargetLanguageCode:  req.Language,
		Speaker:             req.Voice.ID,
		Pitch:               req.Voice.Pitch,
		Pace:                req.Voice.Pace,
		Loudness:            req.Voice.Loudness,
		SpeechSampleRate:    req.SampleRate,
		EnablePreprocessing: true,
		Model:               req.Voice.Model,
	})
	if err != nil {
		return audio.Clip{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, err
	}
	httpReq.Header.Set("api-subscription-key", c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("sarvam: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return audio.Clip{}, fmt.Errorf("sarvam: status=%d body=%s", resp.StatusCode, string(b))
	}
	var sr sarvamResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return audio.Clip{}, fmt.Errorf("sarvam: decode response: %w", err)
	}
	if len(sr.Audios) == 0 || sr.Audios[0] == "" {
		return audio.Clip{}, fmt.Errorf("sarvam: empty audio")
	}
	data, err := base64.StdEncoding.DecodeString(sr.Audios[0])
	if err != nil {
		return audio.Clip{}, fmt.Errorf("sarvam: audio is not base64: %w", err)
	}
	return audio.Clip{Data: data, Encoding: audio.DetectEncoding(data), SampleRate: req.SampleRate}, nil
}
