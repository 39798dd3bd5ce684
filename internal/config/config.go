// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server, logging,
// storage, payment rail, pricing, delivery and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "keyshop")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ShopConfig holds the sale and lifecycle settings.
type ShopConfig struct {
	PriceUSD           decimal.Decimal // PRICE_USD
	PaymentTimeout     time.Duration   // PAYMENT_TIMEOUT
	SweepInterval      time.Duration   // SWEEP_INTERVAL
	Retention          time.Duration   // RETENTION, 0 keeps expired/failed forever
	RetentionFulfilled time.Duration   // RETENTION_FULFILLED, 0 keeps sales forever
	AdminChatID        string          // ADMIN_CHAT_ID
	AdminToken         string          // ADMIN_TOKEN, empty disables admin routes
}

// RailsConfig holds wallet addresses and watcher schedules.
type RailsConfig struct {
	BTCAddress      string
	ETHAddress      string
	ETHNodeURL      string
	USDTContract    string
	USDTDecimals    int
	PollFirst       time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int // 0 = until expiry
	PollMaxFailures int
	RPCTimeout      time.Duration
}

// PricingConfig configures the price oracle and its cache.
type PricingConfig struct {
	CoinGeckoURL string
	Timeout      time.Duration
	RedisAddr    string // empty disables caching
	CacheTTL     time.Duration
}

// TelegramConfig configures user notifications.
type TelegramConfig struct {
	BotToken string // empty logs messages instead of sending them
	APIURL   string
	Timeout  time.Duration
}

// OutlineConfig configures access key provisioning.
type OutlineConfig struct {
	APIURL      string
	InsecureTLS bool
	CLI         string // outline-cli binary; used instead of the API when set
	Timeout     time.Duration
}

// KafkaConfig configures sale event publishing.
type KafkaConfig struct {
	Brokers     []string // empty logs events instead
	TopicPrefix string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	StoreDriver string // sqlite|memory
	DBPath      string // SQLite path

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Shop     ShopConfig
	Rails    RailsConfig
	Pricing  PricingConfig
	Telegram TelegramConfig
	Outline  OutlineConfig
	Kafka    KafkaConfig

	// Observability
	OTEL OTELConfig
}

// DefaultUSDTContract is the Tether ERC-20 contract on Ethereum mainnet.
const DefaultUSDTContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "keyshop.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Shop: ShopConfig{
			PriceUSD:           getdecimal("PRICE_USD", decimal.NewFromInt(5)),
			PaymentTimeout:     getdur("PAYMENT_TIMEOUT", 15*time.Minute),
			SweepInterval:      getdur("SWEEP_INTERVAL", time.Minute),
			Retention:          getdur("RETENTION", 7*24*time.Hour),
			RetentionFulfilled: getdur("RETENTION_FULFILLED", 0),
			AdminChatID:        strings.TrimSpace(getenv("ADMIN_CHAT_ID", "")),
			AdminToken:         strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		},
		Rails: RailsConfig{
			BTCAddress:      strings.TrimSpace(getenv("BTC_WALLET_ADDRESS", "")),
			ETHAddress:      strings.TrimSpace(getenv("ETH_WALLET_ADDRESS", "")),
			ETHNodeURL:      strings.TrimSpace(getenv("ETH_NODE_URL", "")),
			USDTContract:    strings.TrimSpace(getenv("USDT_CONTRACT_ADDRESS", DefaultUSDTContract)),
			USDTDecimals:    getint("USDT_DECIMALS", 6),
			PollFirst:       getdur("POLL_FIRST", 60*time.Second),
			PollInterval:    getdur("POLL_INTERVAL", 300*time.Second),
			PollMaxAttempts: getint("POLL_MAX_ATTEMPTS", 0),
			PollMaxFailures: getint("POLL_MAX_FAILURES", 5),
			RPCTimeout:      getdur("RPC_TIMEOUT", 15*time.Second),
		},
		Pricing: PricingConfig{
			CoinGeckoURL: getenv("COINGECKO_URL", "https://api.coingecko.com/api/v3"),
			Timeout:      getdur("PRICE_TIMEOUT", 10*time.Second),
			RedisAddr:    strings.TrimSpace(getenv("REDIS_ADDR", "")),
			CacheTTL:     getdur("PRICE_CACHE_TTL", time.Minute),
		},
		Telegram: TelegramConfig{
			BotToken: strings.TrimSpace(getenv("BOT_TOKEN", "")),
			APIURL:   getenv("TELEGRAM_API_URL", "https://api.telegram.org"),
			Timeout:  getdur("TELEGRAM_TIMEOUT", 10*time.Second),
		},
		Outline: OutlineConfig{
			APIURL:      strings.TrimSpace(getenv("OUTLINE_API_URL", "")),
			InsecureTLS: getbool("OUTLINE_INSECURE_TLS", false),
			CLI:         strings.TrimSpace(getenv("OUTLINE_CLI", "")),
			Timeout:     getdur("PROVISION_TIMEOUT", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:     splitCSV(getenv("KAFKA_BROKERS", "")),
			TopicPrefix: getenv("KAFKA_TOPIC_PREFIX", "keyshop."),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "keyshop"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.StoreDriver {
	case "sqlite", "memory":
	default:
		return cfg, errors.New("STORE_DRIVER must be one of: sqlite, memory")
	}
	if cfg.StoreDriver == "sqlite" && strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if !cfg.Shop.PriceUSD.IsPositive() {
		return cfg, errors.New("PRICE_USD must be > 0")
	}
	if cfg.Shop.PaymentTimeout <= 0 || cfg.Shop.SweepInterval <= 0 {
		return cfg, errors.New("PAYMENT_TIMEOUT and SWEEP_INTERVAL must be > 0")
	}
	if cfg.Shop.Retention < 0 || cfg.Shop.RetentionFulfilled < 0 {
		return cfg, errors.New("RETENTION values must be >= 0")
	}
	if cfg.Rails.PollFirst <= 0 || cfg.Rails.PollInterval <= 0 || cfg.Rails.RPCTimeout <= 0 {
		return cfg, errors.New("POLL_FIRST, POLL_INTERVAL and RPC_TIMEOUT must be > 0")
	}
	if cfg.Rails.PollMaxAttempts < 0 {
		return cfg, errors.New("POLL_MAX_ATTEMPTS must be >= 0")
	}
	if cfg.Rails.PollMaxFailures < 1 {
		return cfg, errors.New("POLL_MAX_FAILURES must be >= 1")
	}
	if cfg.Rails.USDTDecimals < 0 || cfg.Rails.USDTDecimals > 36 {
		return cfg, errors.New("USDT_DECIMALS must be between 0 and 36")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getdecimal(k string, def decimal.Decimal) decimal.Decimal {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
