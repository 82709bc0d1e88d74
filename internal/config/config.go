/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                string  `mapstructure:"DATABASE_URL"`
	DBAutoMigrate              bool    `mapstructure:"DB_AUTO_MIGRATE"`
	RedisURL                   string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix             string  `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                string  `mapstructure:"RABBITMQ_URL"`
	BillingEventQueue          string  `mapstructure:"BILLING_EVENT_QUEUE"`
	BillingEventExchange       string  `mapstructure:"BILLING_EVENT_EXCHANGE"`
	OpsAlertExchange           string  `mapstructure:"OPS_ALERT_EXCHANGE"`
	StripeSecretKey            string  `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret        string  `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL         string  `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL          string  `mapstructure:"CHECKOUT_CANCEL_URL"`
	JWTSecret                  string  `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins         string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PriceFeedBaseURL           string  `mapstructure:"PRICE_FEED_BASE_URL"`
	PriceFeedAPIKey            string  `mapstructure:"PRICE_FEED_API_KEY"`
	PriceFeedMaxLookbackDays   int     `mapstructure:"PRICE_FEED_MAX_LOOKBACK_DAYS"`
	PriceCacheTTLMinutes       int     `mapstructure:"PRICE_CACHE_TTL_MINUTES"`
	PriceRefreshEnabled        bool    `mapstructure:"PRICE_REFRESH_ENABLED"`
	PriceRefreshSchedule       string  `mapstructure:"PRICE_REFRESH_SCHEDULE"`
	ReconcileEnabled           bool    `mapstructure:"RECONCILE_ENABLED"`
	ReconcileSchedule          string  `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileSessionExpiryHrs  int     `mapstructure:"RECONCILE_SESSION_EXPIRY_HOURS"`
	ReconcileRetentionHours    int     `mapstructure:"RECONCILE_RETENTION_HOURS"`
	ReconcileBatchSize         int     `mapstructure:"RECONCILE_BATCH_SIZE"`
	ReconcileMaxDeleteBatches  int     `mapstructure:"RECONCILE_MAX_DELETE_BATCHES"`
	ReconcileRatePerSecond     float64 `mapstructure:"RECONCILE_RATE_PER_SECOND"`
	InboxReplayEnabled         bool    `mapstructure:"INBOX_REPLAY_ENABLED"`
	InboxReplaySchedule        string  `mapstructure:"INBOX_REPLAY_SCHEDULE"`
	InboxReplayAfterMinutes    int     `mapstructure:"INBOX_REPLAY_AFTER_MINUTES"`
	InboxReplayMaxAttempts     int     `mapstructure:"INBOX_REPLAY_MAX_ATTEMPTS"`
	DefaultCurrency            string  `mapstructure:"DEFAULT_CURRENCY"`
	ConsumerPrefetch           int     `mapstructure:"CONSUMER_PREFETCH"`
	ScheduledTaskTimeoutMinute int     `mapstructure:"SCHEDULED_TASK_TIMEOUT_MINUTES"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                    "8080",
	"DB_AUTO_MIGRATE":                false,
	"REDIS_KEY_PREFIX":               "settlement:price",
	"BILLING_EVENT_QUEUE":            "settlement_service.billing_events",
	"BILLING_EVENT_EXCHANGE":         "billing_events",
	"OPS_ALERT_EXCHANGE":             "ops_alerts",
	"PRICE_FEED_MAX_LOOKBACK_DAYS":   5,
	"PRICE_CACHE_TTL_MINUTES":        15,
	"PRICE_REFRESH_ENABLED":          true,
	"PRICE_REFRESH_SCHEDULE":         "*/15 * * * *",
	"RECONCILE_ENABLED":              true,
	"RECONCILE_SCHEDULE":             "0 * * * *",
	"RECONCILE_SESSION_EXPIRY_HOURS": 24,
	"RECONCILE_RETENTION_HOURS":      24 * 30,
	"RECONCILE_BATCH_SIZE":           100,
	"RECONCILE_MAX_DELETE_BATCHES":   10,
	"RECONCILE_RATE_PER_SECOND":      5.0,
	"INBOX_REPLAY_ENABLED":           true,
	"INBOX_REPLAY_SCHEDULE":          "*/5 * * * *",
	"INBOX_REPLAY_AFTER_MINUTES":     10,
	"INBOX_REPLAY_MAX_ATTEMPTS":      10,
	"DEFAULT_CURRENCY":               "usd",
	"CONSUMER_PREFETCH":              10,
	"SCHEDULED_TASK_TIMEOUT_MINUTES": 10,
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BILLING_EVENT_QUEUE")
	_ = viper.BindEnv("BILLING_EVENT_EXCHANGE")
	_ = viper.BindEnv("OPS_ALERT_EXCHANGE")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("CHECKOUT_SUCCESS_URL")
	_ = viper.BindEnv("CHECKOUT_CANCEL_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PRICE_FEED_BASE_URL")
	_ = viper.BindEnv("PRICE_FEED_API_KEY")
	_ = viper.BindEnv("PRICE_FEED_MAX_LOOKBACK_DAYS")
	_ = viper.BindEnv("PRICE_CACHE_TTL_MINUTES")
	_ = viper.BindEnv("PRICE_REFRESH_ENABLED")
	_ = viper.BindEnv("PRICE_REFRESH_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_ENABLED")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SESSION_EXPIRY_HOURS")
	_ = viper.BindEnv("RECONCILE_RETENTION_HOURS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_MAX_DELETE_BATCHES")
	_ = viper.BindEnv("RECONCILE_RATE_PER_SECOND")
	_ = viper.BindEnv("INBOX_REPLAY_ENABLED")
	_ = viper.BindEnv("INBOX_REPLAY_SCHEDULE")
	_ = viper.BindEnv("INBOX_REPLAY_AFTER_MINUTES")
	_ = viper.BindEnv("INBOX_REPLAY_MAX_ATTEMPTS")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("CONSUMER_PREFETCH")
	_ = viper.BindEnv("SCHEDULED_TASK_TIMEOUT_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && strings.TrimSpace(os.Getenv("SERVER_PORT")) == "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "settlement:price"
	}
	config.DefaultCurrency = strings.ToLower(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "usd"
	}
	config.StripeWebhookSecret = strings.TrimSpace(config.StripeWebhookSecret)
	config.PriceFeedBaseURL = strings.TrimRight(strings.TrimSpace(config.PriceFeedBaseURL), "/")

	if config.PriceFeedMaxLookbackDays < 0 {
		slog.Warn("negative price lookback configured; using default", "component", "config", "value", config.PriceFeedMaxLookbackDays)
		config.PriceFeedMaxLookbackDays = 5
	}
	if config.PriceCacheTTLMinutes <= 0 {
		config.PriceCacheTTLMinutes = 15
	}
	if config.ReconcileSessionExpiryHrs <= 0 {
		config.ReconcileSessionExpiryHrs = 24
	}
	if config.ReconcileRetentionHours <= 0 {
		config.ReconcileRetentionHours = 24 * 30
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 100
	}
	if config.ReconcileMaxDeleteBatches <= 0 {
		config.ReconcileMaxDeleteBatches = 10
	}
	if config.ReconcileRatePerSecond <= 0 {
		config.ReconcileRatePerSecond = 5
	}
	if config.InboxReplayAfterMinutes <= 0 {
		config.InboxReplayAfterMinutes = 10
	}
	if config.InboxReplayMaxAttempts <= 0 {
		config.InboxReplayMaxAttempts = 10
	}
	if config.ConsumerPrefetch <= 0 {
		config.ConsumerPrefetch = 10
	}
	if config.ScheduledTaskTimeoutMinute <= 0 {
		config.ScheduledTaskTimeoutMinute = 10
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS; an empty value allows every origin.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (c Config) PriceCacheTTL() time.Duration {
	return time.Duration(c.PriceCacheTTLMinutes) * time.Minute
}

func (c Config) SessionExpiry() time.Duration {
	return time.Duration(c.ReconcileSessionExpiryHrs) * time.Hour
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.ReconcileRetentionHours) * time.Hour
}

func (c Config) InboxReplayAfter() time.Duration {
	return time.Duration(c.InboxReplayAfterMinutes) * time.Minute
}

func (c Config) ScheduledTaskTimeout() time.Duration {
	return time.Duration(c.ScheduledTaskTimeoutMinute) * time.Minute
}
