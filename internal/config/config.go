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
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the collections-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	PaygateAPIBaseURL            string `mapstructure:"PAYGATE_API_BASE_URL"`
	PaygateAPIKey                string `mapstructure:"PAYGATE_API_KEY"`
	PaygateWebhookSecret         string `mapstructure:"PAYGATE_WEBHOOK_SECRET"`
	AdminJWKSURL                 string `mapstructure:"ADMIN_JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	BaseRateMinorUnits           int64  `mapstructure:"BASE_RATE_MINOR_UNITS"`
	ChargeCurrency               string `mapstructure:"CHARGE_CURRENCY"`
	ChargeBatchSize              int    `mapstructure:"CHARGE_BATCH_SIZE"`
	RunLockTTLSeconds            int    `mapstructure:"RUN_LOCK_TTL_SECONDS"`
	FinalizerCron                string `mapstructure:"FINALIZER_CRON"`
	FinalizerPendingGraceMinutes int    `mapstructure:"FINALIZER_PENDING_GRACE_MINUTES"`
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
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("BASE_RATE_MINOR_UNITS", 800)
	viper.SetDefault("CHARGE_CURRENCY", "usd")
	viper.SetDefault("CHARGE_BATCH_SIZE", 10)
	viper.SetDefault("RUN_LOCK_TTL_SECONDS", 900)
	viper.SetDefault("FINALIZER_CRON", "*/10 * * * *")
	viper.SetDefault("FINALIZER_PENDING_GRACE_MINUTES", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYGATE_API_BASE_URL")
	_ = viper.BindEnv("PAYGATE_API_KEY")
	_ = viper.BindEnv("PAYGATE_WEBHOOK_SECRET")
	_ = viper.BindEnv("ADMIN_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "COLLECTIONS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BASE_RATE_MINOR_UNITS")
	_ = viper.BindEnv("BASE_RATE")
	_ = viper.BindEnv("CHARGE_CURRENCY")
	_ = viper.BindEnv("CHARGE_BATCH_SIZE")
	_ = viper.BindEnv("RUN_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("FINALIZER_CRON")
	_ = viper.BindEnv("FINALIZER_PENDING_GRACE_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("COLLECTIONS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.ChargeCurrency = strings.ToLower(strings.TrimSpace(config.ChargeCurrency))
	if config.ChargeCurrency == "" {
		config.ChargeCurrency = "usd"
	}

	// Allow specifying the base rate in whole currency units via BASE_RATE.
	if viper.IsSet("BASE_RATE") {
		rateStr := strings.TrimSpace(viper.GetString("BASE_RATE"))
		if rateStr != "" {
			rateValue, parseErr := strconv.ParseFloat(rateStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid BASE_RATE\" value=%q err=%v", rateStr, parseErr)
			} else {
				config.BaseRateMinorUnits = int64(math.Round(rateValue * 100))
			}
		}
	}

	if config.BaseRateMinorUnits <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive base rate configured; falling back to default\" base_rate_minor_units=%d", config.BaseRateMinorUnits)
		config.BaseRateMinorUnits = 800
	}
	if config.ChargeBatchSize <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive charge batch size configured; falling back to default\" charge_batch_size=%d", config.ChargeBatchSize)
		config.ChargeBatchSize = 10
	}
	if config.RunLockTTLSeconds <= 0 {
		config.RunLockTTLSeconds = 900
	}
	if config.FinalizerPendingGraceMinutes <= 0 {
		config.FinalizerPendingGraceMinutes = 30
	}
	if strings.TrimSpace(config.FinalizerCron) == "" {
		config.FinalizerCron = "*/10 * * * *"
	}

	return
}
