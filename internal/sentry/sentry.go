// Package sentry wraps error reporting so call sites stay one-liners. When no
// DSN is configured every helper degrades to plain logging.
package sentry

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"

	apperrors "vpnonboard/internal/errors"
)

// Init configures the Sentry client. An empty DSN disables reporting without
// an error so local runs need no setup.
func Init(dsn string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
	})
}

// Flush drains queued events; call before process exit.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// ignoredErrors contains error messages that should be logged but not sent to
// Sentry. These are caused by bots/scanners or normal client disconnects and
// create noise.
var ignoredErrors = []string{
	"acme/autocert: missing server name",              // TLS connections without SNI (bots scanning the port)
	"first record does not look like a TLS handshake", // Plain TCP connections to TLS port (bots/scanners)
	"host not configured",                             // TLS SNI is not covered by autocert HostPolicy
	"connection reset by peer",
	"broken pipe",
	"use of closed network connection",
}

// shouldIgnore filters out noise and expected operational outcomes. Duplicate
// requests, missing records, and lock contention are normal business results
// the API reports to its caller; only genuine faults go to Sentry.
func shouldIgnore(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrConflict) ||
		errors.Is(err, apperrors.ErrLockTimeout) {
		return true
	}

	type timeoutError interface{ Timeout() bool }
	if te, ok := err.(timeoutError); ok && te.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, ignored := range ignoredErrors {
		if strings.Contains(errStr, ignored) {
			return true
		}
	}
	return false
}

// CaptureError logs an error locally and reports it to Sentry.
// Use this for errors outside of HTTP request context (startup, background tasks).
func CaptureError(err error, message string) {
	log.Printf("%s: %v", message, err)
	if shouldIgnore(err) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetExtra("message", message)
		sentry.CaptureException(err)
	})
}

// CaptureErrorWithContext logs an error and reports it to Sentry with HTTP
// request context so the event carries URL, method, and caller identity.
func CaptureErrorWithContext(c *gin.Context, err error, message string) {
	log.Printf("%s: %v", message, err)
	if shouldIgnore(err) {
		return
	}
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetExtra("message", message)
			if c != nil && c.Request != nil {
				scope.SetTag("http.method", c.Request.Method)
				scope.SetTag("http.host", c.Request.Host)
				scope.SetTag("http.path", c.Request.URL.Path)
				scope.SetExtra("http.remote_ip", c.ClientIP())
				scope.SetExtra("http.user_agent", c.Request.UserAgent())
				if rid := c.Request.Header.Get("X-Request-Id"); rid != "" {
					scope.SetTag("request_id", rid)
				}
			}
			hub.CaptureException(err)
		})
	} else {
		// Fallback to global capture if no hub in context
		CaptureError(err, message)
	}
}

// CaptureErrorf logs and reports an error with a formatted message.
func CaptureErrorf(err error, format string, args ...interface{}) {
	CaptureError(err, fmt.Sprintf(format, args...))
}
