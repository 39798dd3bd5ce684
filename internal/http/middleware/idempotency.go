// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key header of payment creation
// requests. A valid key is stashed on the context; when the request names
// its chat (X-Chat-ID) and a live record already exists for (chat, key), the
// request is flagged as a replay so the rate limiter lets it through and the
// handler can return the original payment.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// IdempotencyOptions configures IdempotencyKey.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 mean 200.
	MaxLen int
	// Pattern restricts allowed characters. Nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Now is the lookup clock. Nil means time.Now.
	Now func() time.Time
}

// IdempotencyLookup reports whether a live record exists for (chatID, key).
// Errors are treated as "no record".
type IdempotencyLookup func(ctx context.Context, chatID, key string, now time.Time) (bool, error)

// IdempotencyKey validates the header, answering 400 for malformed keys,
// and marks replays found through lookup. Requests without the header pass
// through untouched.
func IdempotencyKey(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			abort(c, http.StatusBadRequest, "bad_idempotency_key", "invalid Idempotency-Key")
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if chat := ChatID(c); lookup != nil && chat != "" {
			if exists, err := lookup(c.Request.Context(), chat, key, now().UTC()); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
			}
		}
		c.Next()
	}
}

// GetIdempotencyKey returns the validated key, if the request carried one.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	s, _ := c.Value(ctxKeyIdemKey).(string)
	return s, s != ""
}

// IsReplay reports whether IdempotencyKey found an existing record.
func IsReplay(c *gin.Context) bool {
	b, _ := c.Value(ctxKeyIdemReplay).(bool)
	return b
}
