package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("bad log line %q: %v", lines[len(lines)-1], err)
	}
	return rec
}

func TestRequestID_GenerateAndPropagate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/rid", func(c *gin.Context) { c.String(http.StatusOK, asString(c.Value(requestIDKey))) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rid", nil))
	if gen := w.Header().Get(requestIDHeader); gen == "" || w.Body.String() != gen {
		t.Fatalf("generated id header=%q body=%q", gen, w.Body.String())
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set("x-request-id", "abc-123")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", 500))
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); len(got) > 128 {
		t.Fatalf("oversized request id must be replaced")
	}
}

func TestAccessLog_LevelsAndRouteLabel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), AccessLog(AccessLogOptions{}))
	r.GET("/payments/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	cases := []struct {
		url, level, path string
	}{
		{"/payments/p-1", "info", "/payments/:id"},
		{"/missing", "warn", "/missing"},
		{"/boom", "error", "/boom"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.url, nil)
		req.Header.Set(HeaderChatID, "chat-7")
		r.ServeHTTP(httptest.NewRecorder(), req)

		rec := lastLine(t, buf)
		if rec["level"] != tc.level || rec["path"] != tc.path || rec["chat_id"] != "chat-7" {
			t.Fatalf("%s: log = %v", tc.url, rec)
		}
		if rec["request_id"] == "" {
			t.Fatalf("%s: missing request id", tc.url)
		}
	}
}

func TestAccessLog_RedactsSecrets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), AccessLog(AccessLogOptions{LogHeaders: true, MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet,
		"/x?key=ss://Y2hhY2hh@vpn.example:443&addr=0x1111111111111111111111111111111111111111", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	req.Header.Set("X-Api-Key", "k")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, leak := range []string{"s3cret", "Y2hhY2hh", "0x1111111111111111111111111111111111111111"} {
		if strings.Contains(out, leak) {
			t.Fatalf("log leaked %q: %s", leak, out)
		}
	}
	if !strings.Contains(out, "[REDACTED:key]") || !strings.Contains(out, "[REDACTED:address]") || !strings.Contains(out, `"X-Api-Key":"[REDACTED]"`) {
		t.Fatalf("expected redaction markers: %s", out)
	}
}

func TestRecovery_JSONEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), AccessLog(AccessLogOptions{}), Recovery())
	r.GET("/panic", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] == "" || body["request_id"] != w.Header().Get(requestIDHeader) {
		t.Fatalf("body = %v", body)
	}
}

func TestLoggerFrom_Fallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if LoggerFrom(c) == nil {
		t.Fatalf("LoggerFrom must never return nil")
	}
}

func TestScrubAndTruncate(t *testing.T) {
	if got := scrub("pay bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh now"); strings.Contains(got, "bc1q") {
		t.Fatalf("btc address not scrubbed: %q", got)
	}
	if truncate("abcdef", 3) != "abc…" || truncate("abc", 0) != "abc" {
		t.Fatalf("truncate")
	}
}
