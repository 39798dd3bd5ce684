package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminToken carries the operator credential for admin routes.
const HeaderAdminToken = "X-Admin-Token"

// AdminAuth admits requests whose X-Admin-Token (or "Authorization: Bearer")
// equals token. An empty token disables the routes entirely (403).
func AdminAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			abort(c, http.StatusForbidden, "forbidden", "admin API disabled")
			return
		}
		got := strings.TrimSpace(c.GetHeader(HeaderAdminToken))
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		c.Set("admin", true)
		c.Next()
	}
}

// abort writes the standard error envelope from middleware.
func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
