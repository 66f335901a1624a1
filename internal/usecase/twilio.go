package usecase

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"
)

// TwilioService defines the Twilio-facing operations used by the HTTP layer.
type TwilioService interface {
	BuildAbsoluteURL(c echo.Context, path string) string
	StreamURL(c echo.Context, path string) string
	ConnectStream(streamURL string, params map[string]string) (string, error)
}

type twilioService struct {
	baseURL string
}

// NewTwilioService returns a TwilioService. baseURL is the public origin
// Twilio reaches us on; when empty it is derived per request.
func NewTwilioService(baseURL string) TwilioService {
	return &twilioService{baseURL: strings.TrimRight(baseURL, "/")}
}

// BuildAbsoluteURL builds a public absolute URL for callbacks.
// Priority: configured base URL > X-Forwarded-* headers > request Host heuristic.
func (s *twilioService) BuildAbsoluteURL(c echo.Context, path string) string {
	baseURL := s.baseURL
	if baseURL == "" {
		proto := c.Request().Header.Get("X-Forwarded-Proto")
		host := c.Request().Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		host := c.Request().Host
		proto := "https"
		if strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

// StreamURL is BuildAbsoluteURL with the scheme switched to ws or wss.
func (s *twilioService) StreamURL(c echo.Context, path string) string {
	u := s.BuildAbsoluteURL(c, path)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// ConnectStream renders TwiML that bridges the call to a bidirectional media
// stream. params become <Parameter> elements, delivered on the start event.
func (s *twilioService) ConnectStream(streamURL string, params map[string]string) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL}
	for name, value := range params {
		if value == "" {
			continue
		}
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: name, Value: value})
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	response, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("build stream twiml: %w", err)
	}
	return response, nil
}
