package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// ParamsKey is the echo context key holding the validated webhook form.
const ParamsKey = "twilioParams"

// RequestURL returns the URL Twilio signed for c. It defaults to
// https://<Host><RequestURI>.
type RequestURL func(c echo.Context) string

func defaultRequestURL(c echo.Context) string {
	return fmt.Sprintf("https://%s%s", c.Request().Host, c.Request().URL.RequestURI())
}

// TwilioAuth validates Twilio webhook requests using the X-Twilio-Signature
// header. Only paths under /twilio/ are checked.
func TwilioAuth(getAuthToken func() string, requestURL RequestURL) echo.MiddlewareFunc {
	if requestURL == nil {
		requestURL = defaultRequestURL
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/twilio/") {
				return next(c)
			}

			authToken := getAuthToken()
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "twilio auth token not configured")
			}

			bodyBytes, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "failed to read request body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(bodyBytes))

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "failed to parse form data")
			}

			params := make(map[string]string, len(formData))
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := c.Request().Header.Get("X-Twilio-Signature")
			validator := client.NewRequestValidator(authToken)
			if signature == "" || !validator.Validate(requestURL(c), params, signature) {
				return c.String(http.StatusUnauthorized, "invalid twilio signature")
			}

			c.Set(ParamsKey, params)
			return next(c)
		}
	}
}
