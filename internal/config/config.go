/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the entitlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	PaymentEventQueue         string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	PaymentWebhookSecret      string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	CustomerJWTSecret         string `mapstructure:"CUSTOMER_JWT_SECRET"`
	S3Bucket                  string `mapstructure:"S3_BUCKET"`
	S3Region                  string `mapstructure:"S3_REGION"`
	S3AccessKeyID             string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey         string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3EndpointURL             string `mapstructure:"S3_ENDPOINT_URL"`
	DownloadURLTTLSeconds     int    `mapstructure:"DOWNLOAD_URL_TTL_SECONDS"`
	EventClaimStaleSeconds    int    `mapstructure:"EVENT_CLAIM_STALE_SECONDS"`
	StorageRetryAttempts      int    `mapstructure:"STORAGE_RETRY_ATTEMPTS"`
	StorageRetryBackoffMs     int    `mapstructure:"STORAGE_RETRY_BACKOFF_MS"`
	WebhookRateLimitPerMinute int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "entitlement_service.payment_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "entitlement:rate_limit")
	viper.SetDefault("DOWNLOAD_URL_TTL_SECONDS", 3600)
	viper.SetDefault("EVENT_CLAIM_STALE_SECONDS", 120)
	viper.SetDefault("STORAGE_RETRY_ATTEMPTS", 3)
	viper.SetDefault("STORAGE_RETRY_BACKOFF_MS", 200)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 300)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("PAYMENT_WEBHOOK_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ENTITLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CUSTOMER_JWT_SECRET")
	_ = viper.BindEnv("S3_BUCKET")
	_ = viper.BindEnv("S3_REGION")
	_ = viper.BindEnv("S3_ACCESS_KEY_ID")
	_ = viper.BindEnv("S3_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("S3_ENDPOINT_URL")
	_ = viper.BindEnv("DOWNLOAD_URL_TTL_SECONDS")
	_ = viper.BindEnv("EVENT_CLAIM_STALE_SECONDS")
	_ = viper.BindEnv("STORAGE_RETRY_ATTEMPTS")
	_ = viper.BindEnv("STORAGE_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ENTITLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "entitlement:rate_limit"
	}

	if config.DownloadURLTTLSeconds <= 0 {
		config.DownloadURLTTLSeconds = 3600
	}
	if config.EventClaimStaleSeconds <= 0 {
		config.EventClaimStaleSeconds = 120
	}
	if config.StorageRetryAttempts <= 0 {
		config.StorageRetryAttempts = 3
	}
	if config.StorageRetryBackoffMs <= 0 {
		config.StorageRetryBackoffMs = 200
	}
	if config.WebhookRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative webhook rate limit configured; disabling\" limit=%d", config.WebhookRateLimitPerMinute)
		config.WebhookRateLimitPerMinute = 0
	}

	return
}
