package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Stripe   StripeConfig
	Email    EmailConfig
	Realtime RealtimeConfig
	Usage    UsageConfig
	Cron     CronConfig
	Seed     SeedConfig
	LogLevel string
}

type ServerConfig struct {
	Port                string
	TokenRatePerMinute  int
	AdminEmails         []string
	ShutdownGracePeriod time.Duration
}

type DatabaseConfig struct {
	URL string
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// PriceToPlan maps Stripe price ids to plan names.
	PriceToPlan map[string]string
}

type EmailConfig struct {
	ResendAPIKey string
	From         string
}

type RealtimeConfig struct {
	Channel   string
	Heartbeat time.Duration
}

type UsageConfig struct {
	TrackerTimeout time.Duration
	PremiumModels  []string
}

type CronConfig struct {
	ExpirySchedule  string
	WarningSchedule string
}

// SeedConfig names an optional demo account created at startup.
type SeedConfig struct {
	Email    string
	Password string
}

func Load() *Config {
	godotenv.Load()

	priceToPlan := map[string]string{}
	for _, plan := range []string{"basic", "pro", "enterprise"} {
		if price := getEnv("STRIPE_PRICE_"+strings.ToUpper(plan), ""); price != "" {
			priceToPlan[price] = plan
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:                getEnv("PORT", "3000"),
			TokenRatePerMinute:  getEnvInt("TOKEN_RATE_PER_MINUTE", 10),
			AdminEmails:         getEnvList("ADMIN_EMAILS"),
			ShutdownGracePeriod: getEnvDuration("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
			TTL:    getEnvDuration("JWT_TTL", 24*time.Hour),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			PriceToPlan:   priceToPlan,
		},
		Email: EmailConfig{
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			From:         getEnv("MAIL_FROM", "Creators.ai <noreply@creators.ai>"),
		},
		Realtime: RealtimeConfig{
			Channel:   getEnv("REALTIME_CHANNEL", "metering_changes"),
			Heartbeat: getEnvDuration("REALTIME_HEARTBEAT", 30*time.Second),
		},
		Usage: UsageConfig{
			TrackerTimeout: getEnvDuration("TRACKER_TIMEOUT", 5*time.Second),
			PremiumModels:  getEnvList("PREMIUM_MODELS"),
		},
		Cron: CronConfig{
			ExpirySchedule:  getEnv("EXPIRY_CRON", "0 * * * *"),
			WarningSchedule: getEnv("EXPIRY_WARNING_CRON", "0 9 * * *"),
		},
		Seed: SeedConfig{
			Email:    getEnv("SEED_DEMO_EMAIL", ""),
			Password: getEnv("SEED_DEMO_PASSWORD", ""),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
