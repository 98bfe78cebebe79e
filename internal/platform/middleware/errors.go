package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorHandler renders echo.HTTPError messages as {"error": msg}. Any other
// error becomes a bare 500 so driver and store messages never reach clients.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var msg interface{} = "internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Internal != nil {
				logger.Error().Err(he.Internal).Str("request_id", RequestIDFrom(c)).Msg("request failed")
			}
			if code < 500 {
				msg = he.Message
			} else if s, ok := he.Message.(string); ok && s != "" {
				msg = s
			}
		} else {
			logger.Error().Err(err).Str("request_id", RequestIDFrom(c)).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]interface{}{"error": msg})
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
