package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the storefront and supporting services.
type Config struct {
	ListenAddr      string
	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string
	LogLevel        string

	DatabaseDriver string
	DatabaseDSN    string

	JWTSecret string
	JWTTTL    time.Duration

	CreditValidity             time.Duration
	SubscriptionMonthlyCredits int
	ExpirySyncInterval         time.Duration
	DownloadCreditCost         int
	DownloadURLTTL             time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeDefaultPrice  string
	StripeDefaultMode   string
	DefaultPackCredits  int
	DefaultPackTitle    string
	PublicBaseURL       string

	ReplicateAPIToken string
	ReplicateBaseURL  string
	ReplicateVersion  string
	RequestTimeout    time.Duration

	RemovalRatePerMinute int
	MaxUploadBytes       int64

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

const (
	defaultReplicateBaseURL = "https://api.replicate.com"
	defaultReplicateVersion = "a029dff38972b5fda4ec5d75d7d1cd25aeff621d2cf4946a41055d7db66b80bc"
)

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a Config from the current process environment without validation.
func FromEnv() Config {
	return Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8000"),
		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "change-me"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "mysql")),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTTTL:    getDuration("JWT_TTL", 72*time.Hour),

		CreditValidity:             24 * time.Hour * time.Duration(getInt("CREDIT_VALIDITY_DAYS", 30)),
		SubscriptionMonthlyCredits: getInt("SUBSCRIPTION_MONTHLY_CREDITS", 150),
		ExpirySyncInterval:         getDuration("EXPIRY_SYNC_INTERVAL", 10*time.Minute),
		DownloadCreditCost:         getInt("DOWNLOAD_CREDIT_COST", 1),
		DownloadURLTTL:             getDuration("DOWNLOAD_URL_TTL", 15*time.Minute),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeDefaultPrice:  os.Getenv("STRIPE_DEFAULT_PRICE_ID"),
		StripeDefaultMode:   strings.ToLower(getEnv("STRIPE_DEFAULT_MODE", "payment")),
		DefaultPackCredits:  getInt("DEFAULT_PACK_CREDITS", 50),
		DefaultPackTitle:    getEnv("DEFAULT_PACK_TITLE", "Pay as you go"),
		PublicBaseURL:       strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8000"), "/"),

		ReplicateAPIToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateBaseURL:  strings.TrimRight(getEnv("REPLICATE_BASE_URL", defaultReplicateBaseURL), "/"),
		ReplicateVersion:  getEnv("REPLICATE_MODEL_VERSION", defaultReplicateVersion),
		RequestTimeout:    time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),

		RemovalRatePerMinute: getInt("REMOVAL_RATE_PER_MINUTE", 6),
		MaxUploadBytes:       getInt64("MAX_UPLOAD_BYTES", 10<<20),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "remove-bg"),
	}
}

// Validate reports every missing variable at once.
func (c Config) Validate() error {
	var missing []string
	if c.DatabaseDSN == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.PaymentsEnabled() && c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.RemovalEnabled() {
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if c.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch c.DatabaseDriver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.StripeDefaultMode {
	case "payment", "subscription":
	default:
		return fmt.Errorf("unsupported STRIPE_DEFAULT_MODE %q", c.StripeDefaultMode)
	}
	if c.DownloadCreditCost <= 0 {
		return fmt.Errorf("DOWNLOAD_CREDIT_COST must be positive")
	}
	if c.CreditValidity <= 0 {
		return fmt.Errorf("CREDIT_VALIDITY_DAYS must be positive")
	}
	return nil
}

// PaymentsEnabled reports whether Stripe checkout and webhooks are configured.
func (c Config) PaymentsEnabled() bool {
	return c.StripeSecretKey != ""
}

// RemovalEnabled reports whether the background-removal feature can run.
func (c Config) RemovalEnabled() bool {
	return c.ReplicateAPIToken != "" && c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// loadEnvFile loads the first env file found. Running without one is fine;
// the process environment is used as-is.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
