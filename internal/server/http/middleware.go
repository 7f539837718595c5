package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/service"
)

const (
	headerAPIKey    = "X-Api-Key"
	headerRequestID = echo.HeaderXRequestID
)

// RequestID tags each request with an id, reusing a client supplied one.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(headerRequestID)
			if id == "" {
				u, err := uuid.NewV4()
				if err != nil {
					return err
				}
				id = u.String()
			}
			c.Response().Header().Set(headerRequestID, id)
			return next(c)
		}
	}
}

// Logging writes one structured line per request; payloads are never logged.
func Logging(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler settle the status before it is logged
				c.Error(err)
			}
			req := c.Request()
			log.Info("http",
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("dur", time.Since(start)),
				zap.String("remote", c.RealIP()),
				zap.String("request_id", c.Response().Header().Get(headerRequestID)),
			)
			return nil
		}
	}
}

// Recover turns handler panics into 500 responses and logs the stack.
func Recover(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic",
						zap.Any("reason", r),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", c.Path()),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(c)
		}
	}
}

// RemoteIP stores the caller address in the request context for the login limiter.
func RemoteIP() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(service.WithRemoteIP(req.Context(), c.RealIP())))
			return next(c)
		}
	}
}

// apiKeyFromRequest reads "Authorization: Bearer <key>" or the X-Api-Key header.
func apiKeyFromRequest(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.Header.Get(headerAPIKey)); v != "" {
		return v, nil
	}
	auth := r.Header.Get(echo.HeaderAuthorization)
	if auth == "" {
		return "", errors.New("missing api key")
	}
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", errors.New("bad authorization scheme")
	}
	key := strings.TrimSpace(auth[len(prefix):])
	if key == "" {
		return "", errors.New("empty api key")
	}
	return key, nil
}

// authorizeFunc resolves an api key to an authorized caller.
type authorizeFunc func(c echo.Context, apiKey string) (*service.Principal, error)

func requireKey(authorize authorizeFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key, err := apiKeyFromRequest(c.Request())
			if err != nil {
				return fmt.Errorf("%s: %w", err, errs.ErrInvalidAPIKey)
			}
			p, err := authorize(c, key)
			if err != nil {
				return err
			}
			req := c.Request()
			c.SetRequest(req.WithContext(service.WithPrincipal(req.Context(), p)))
			return next(c)
		}
	}
}

// RequireSession admits callers holding an approved session.
func RequireSession(sessions service.SessionManager) echo.MiddlewareFunc {
	return requireKey(func(c echo.Context, key string) (*service.Principal, error) {
		return sessions.Authorize(c.Request().Context(), key)
	})
}

// RequireAdmin admits administrators holding an approved session.
func RequireAdmin(sessions service.SessionManager) echo.MiddlewareFunc {
	return requireKey(func(c echo.Context, key string) (*service.Principal, error) {
		return sessions.AuthorizeAdmin(c.Request().Context(), key)
	})
}

func principal(c echo.Context) (*service.Principal, error) {
	p, ok := service.PrincipalFromCtx(c.Request().Context())
	if !ok {
		return nil, errs.ErrUnauthenticated
	}
	return p, nil
}
