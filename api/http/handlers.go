package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/media"
	"github.com/chadiek/voice-agent/internal/metrics"
	"github.com/chadiek/voice-agent/internal/middleware"
	svc "github.com/chadiek/voice-agent/internal/usecase"
)

// Sessions runs calls over media streams. *agent.Orchestrator implements it.
type Sessions interface {
	Serve(ctx context.Context, sessionID string, t agent.Transport) error
	ActiveSessions() int
}

type Handlers struct {
	Twilio   svc.TwilioService
	Sessions Sessions
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// BaseContext outlives individual requests; cancelling it ends every
	// live media stream.
	BaseContext context.Context
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", h.healthz)
	if h.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.Metrics.Handler()))
	}
	e.POST("/twilio/voice", h.voice)
	e.GET("/media", h.media)
	e.GET("/media/:sessionId", h.media)
}

func (h Handlers) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.Sessions.ActiveSessions(),
	})
}

// voice answers the incoming-call webhook with TwiML that connects the call
// to our media stream.
func (h Handlers) voice(c echo.Context) error {
	params := webhookParams(c)
	callSid := params["CallSid"]
	h.Logger.Info("incoming call", "call_sid", callSid, "from", params["From"], "to", params["To"])

	path := "/media"
	if callSid != "" {
		path += "/" + callSid
	}
	custom := map[string]string{
		"callSid":  callSid,
		"from":     params["From"],
		"language": c.QueryParam("language"),
	}
	response, err := h.Twilio.ConnectStream(h.Twilio.StreamURL(c, path), custom)
	if err != nil {
		h.Logger.Error("failed to build twiml", "error", err)
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

// media upgrades to the Twilio media-stream websocket and runs the call on
// it until the stream ends.
func (h Handlers) media(c echo.Context) error {
	conn, err := media.Upgrade(c.Response(), c.Request())
	if err != nil {
		// the upgrader has already written the HTTP error
		h.Logger.Warn("media upgrade failed", "error", err)
		return nil
	}
	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID := c.Param("sessionId")
	if err := h.Sessions.Serve(ctx, sessionID, conn); err != nil {
		h.Logger.Error("session ended with error", "session_id", sessionID, "error", err)
	}
	return nil
}

// webhookParams prefers the form validated by the signature middleware and
// falls back to parsing it directly when validation is disabled.
func webhookParams(c echo.Context) map[string]string {
	if params, ok := c.Get(middleware.ParamsKey).(map[string]string); ok {
		return params
	}
	params := map[string]string{}
	form, err := c.FormParams()
	if err != nil {
		return params
	}
	for key, values := range form {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return params
}
