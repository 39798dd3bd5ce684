// Package httpapi wires the HTTP transport (Gin) to the payment engine,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, access logging with redaction, panic recovery,
// metrics, compression, CORS, security headers, idempotency, rate limiting and
// admin authentication.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-keyshop-backend/internal/config"
	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/http/handlers"
	"github.com/tbourn/go-keyshop-backend/internal/http/middleware"
	"github.com/tbourn/go-keyshop-backend/internal/repo"
)

// idempotencyShim adapts the repository free functions to
// handlers.IdempotencyStore.
type idempotencyShim struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup proxies repo.GetIdempotency; a missing record is not an error.
func (s idempotencyShim) Lookup(ctx context.Context, chatID, key string, now time.Time) (string, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, chatID, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.PaymentID, nil
}

// Remember proxies repo.CreateIdempotency. A concurrent duplicate already
// points at a payment for this key, so it is not reported.
func (s idempotencyShim) Remember(ctx context.Context, chatID, key, paymentID string) error {
	_, err := repo.CreateIdempotency(ctx, s.db, chatID, key, paymentID, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. db may be nil (memory store), which disables Idempotency-Key replay
// and ETags on the admin listing.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. AccessLog: structured logs with key and address scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter and gzip
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per chat/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, svc handlers.PaymentService, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(middleware.AccessLogOptions{
		MaskHeaders: []string{middleware.HeaderIdempotencyKey},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(64 << 10))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var (
		lookup middleware.IdempotencyLookup
		idem   handlers.IdempotencyStore
		stats  handlers.StatsFunc
	)
	if db != nil {
		lookup = func(ctx context.Context, chatID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, chatID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		}
		idem = idempotencyShim{db: db, ttl: cfg.IdempotencyTTL}
		stats = func(ctx context.Context, status domain.Status) (int64, *time.Time, error) {
			return repo.PaymentsStats(ctx, db, status)
		}
	}
	r.Use(middleware.IdempotencyKey(middleware.IdempotencyOptions{MaxLen: 200}, lookup))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByChatOrIP())
	r.Use(rl.Handler())

	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderChatID, middleware.HeaderAdminToken, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "Location", "ETag", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(svc, idem, stats)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/methods", h.ListMethods)
		api.POST("/payments", h.CreatePayment)
		api.GET("/payments/:id", h.GetPayment)
	}

	admin := api.Group("/admin", middleware.AdminAuth(cfg.Shop.AdminToken))
	{
		admin.POST("/payments/:id/confirm", h.ConfirmPayment)
		admin.GET("/payments", h.ListPayments)
		admin.GET("/stats", h.Stats)
	}
}

// limitBody caps the request body size at maxBytes. Reads past the cap fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
