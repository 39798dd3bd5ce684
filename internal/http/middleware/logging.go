// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides request correlation, a redacting access logger and
// panic recovery:
//
//   - RequestID() reuses or mints an X-Request-ID and stores it on the context.
//   - AccessLog() emits one structured line per request, attaches a
//     request-scoped zerolog.Logger, and never logs bodies. Credential headers
//     are masked and access keys or wallet-looking values in the query string
//     are scrubbed.
//   - Recovery() turns panics into the JSON 500 envelope.
//
// Recommended order: RequestID, AccessLog, Recovery.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-keyshop-backend/internal/sysutil"
)

const (
	requestIDKey    = "requestID"
	loggerKey       = "logger"
	requestIDHeader = "X-Request-ID"

	// HeaderChatID optionally names the chat a request acts for. It keys
	// rate limiting and idempotency lookups.
	HeaderChatID = "X-Chat-ID"

	maxQueryLogLength = 2048
)

var (
	accessKeyRE = regexp.MustCompile(`ss://[^&\s]+`)
	walletRE    = regexp.MustCompile(`(?i)\b0x[0-9a-f]{40}\b|\bbc1[0-9a-z]{20,80}\b`)
)

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// AccessLogOptions configures AccessLog.
type AccessLogOptions struct {
	// MaskHeaders are logged as "[REDACTED]" in addition to Authorization,
	// Cookie, Set-Cookie and X-Admin-Token.
	MaskHeaders []string
	// LogHeaders includes the (masked) request headers in each line.
	LogHeaders bool
}

// AccessLog writes a structured access log for each request and stores a
// request-scoped logger under the "logger" key. Level follows the outcome:
// error for 5xx or gin errors, warn for 4xx, info otherwise.
func AccessLog(opts AccessLogOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
		"x-admin-token": {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		lc := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", scrub(truncate(c.Request.URL.RawQuery, maxQueryLogLength))).
			Int64("bytes_in", c.Request.ContentLength)
		if chat := strings.TrimSpace(c.GetHeader(HeaderChatID)); chat != "" {
			lc = lc.Str("chat_id", chat)
		}
		if opts.LogHeaders {
			lc = lc.Interface("headers", maskHeaders(c.Request.Header, masked))
		}
		l := lc.Logger()
		c.Set(loggerKey, &l)

		c.Next()

		ev := l.With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()
		switch status := c.Writer.Status(); {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery converts panics into a JSON 500 with the request id and logs the
// stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := asString(c.Value(requestIDKey))
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if c.Writer.Written() {
					c.AbortWithStatus(http.StatusInternalServerError)
					return
				}
				c.Header(requestIDHeader, rid)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"request_id": rid,
					"code":       "internal_error",
					"message":    "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or a component logger when
// AccessLog did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	return sysutil.Component("http")
}

// ChatID returns the chat named by the X-Chat-ID header, if any.
func ChatID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderChatID))
}

func maskHeaders(h http.Header, masked map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := masked[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = scrub(strings.Join(vv, ", "))
	}
	return out
}

// scrub removes access keys and wallet addresses from s.
func scrub(s string) string {
	if s == "" {
		return s
	}
	s = accessKeyRE.ReplaceAllString(s, "[REDACTED:key]")
	return walletRE.ReplaceAllString(s, "[REDACTED:address]")
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
