package httpserver

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/errs"
)

// envelope is the body of every response.
type envelope map[string]any

func ok(c echo.Context, status int, message string, payload envelope) error {
	body := envelope{"ok": true, "message": message}
	for k, v := range payload {
		body[k] = v
	}
	return c.JSON(status, body)
}

// statusOf maps service errors to HTTP statuses and client-facing messages.
func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, errs.ErrInvalidAPIKey):
		return http.StatusUnauthorized, "invalid api key"
	case errors.Is(err, errs.ErrNotApproved):
		return http.StatusUnauthorized, "session not approved"
	case errors.Is(err, errs.ErrInvalidCode):
		return http.StatusUnauthorized, "incorrect verification code"
	case errors.Is(err, errs.ErrCodeExpired):
		return http.StatusUnauthorized, "verification code expired, please request a new code"
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, "administrator only"
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, "too many attempts, try again later"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrLocked):
		return http.StatusConflict, err.Error()
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// ErrorHandler renders errors as {ok:false, message}. Internal causes are logged, not returned.
func ErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, msg := statusOf(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, envelope{"ok": false, "message": msg})
		}
		if err != nil {
			log.Warn("error response not written", zap.Error(err))
		}
	}
}
