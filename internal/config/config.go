package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration loaded from the environment.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTierCatalogHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	AuthJWTSecret      string
	CORSAllowedOrigins []string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	TierCatalogFile string

	Tokens    TokenConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Reconcile ReconcileConfig
}

// TokenConfig controls grant sizes and the engine's retry budget.
type TokenConfig struct {
	SignupGrant     int64
	TierAllotments  map[string]int64
	MaxRetries      int
	CharsPerToken   int
	TokensPerCredit int64
}

type WebhookConfig struct {
	IdentitySecret   string
	StripeSecret     string
	StripePriceTiers map[string]string
	Tolerance        time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FreeRate  float64
	FreeBurst int
}

type ReconcileConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getenv("APP_SERVICE", "tokenledger"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret:      strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		CORSAllowedOrigins: parseList(getenv("CORS_ALLOWED_ORIGINS", "")),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "postgres"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		TierCatalogFile:    strings.TrimSpace(getenv("TIER_CATALOG_FILE", "")),
		Tokens: TokenConfig{
			SignupGrant: getenvInt64("TOKENS_SIGNUP_GRANT", 2000),
			TierAllotments: map[string]int64{
				"pro":     getenvInt64("TOKENS_TIER_PRO", 15000),
				"premium": getenvInt64("TOKENS_TIER_PREMIUM", 25000),
			},
			MaxRetries:      getenvInt("ENTITLEMENT_MAX_RETRIES", 5),
			CharsPerToken:   getenvInt("TOKENS_CHARS_PER_TOKEN", 4),
			TokensPerCredit: getenvInt64("TOKENS_PER_CREDIT", 1000),
		},
		Webhook: WebhookConfig{
			IdentitySecret:   strings.TrimSpace(getenv("IDENTITY_WEBHOOK_SECRET", "")),
			StripeSecret:     strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripePriceTiers: parsePairs(getenv("STRIPE_PRICE_TIERS", "")),
			Tolerance:        time.Duration(getenvInt("WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "localhost:6379")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			FreeRate:      getenvFloat("RATE_LIMIT_FREE_RATE", 5.0/3600.0),
			FreeBurst:     getenvInt("RATE_LIMIT_FREE_BURST", 5),
		},
		Reconcile: ReconcileConfig{
			Enabled:   getenvBool("RECONCILE_ENABLED", true),
			Interval:  time.Duration(getenvInt("RECONCILE_INTERVAL_SECONDS", 600)) * time.Second,
			BatchSize: getenvInt("RECONCILE_BATCH_SIZE", 200),
			LockTTL:   time.Duration(getenvInt("RECONCILE_LOCK_TTL_SECONDS", 300)) * time.Second,
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parsePairs reads "key:value,key:value" lists.
func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, item := range parseList(raw) {
		key, value, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.ToLower(strings.TrimSpace(value))
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
