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

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string  `mapstructure:"DATABASE_URL"`
	RedisURL                     string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix               string  `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                  string  `mapstructure:"RABBITMQ_URL"`
	SettlementEventQueue         string  `mapstructure:"SETTLEMENT_EVENT_QUEUE"`
	RollupAPIBaseURL             string  `mapstructure:"ROLLUP_API_BASE_URL"`
	RollupAPIKey                 string  `mapstructure:"ROLLUP_API_KEY"`
	JWTSecret                    string  `mapstructure:"JWT_SECRET"`
	JWTAudience                  string  `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                    string  `mapstructure:"JWT_ISSUER"`
	InternalAPIKey               string  `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins               string  `mapstructure:"ALLOWED_ORIGINS"`
	PointsConversionRate         float64 `mapstructure:"POINTS_CONVERSION_RATE"`
	MinPointsConversion          int64   `mapstructure:"MIN_POINTS_CONVERSION"`
	MaxDailyPointsConversion     int64   `mapstructure:"MAX_DAILY_POINTS_CONVERSION"`
	ConversionRateLimitPerMinute int     `mapstructure:"CONVERSION_RATE_LIMIT_PER_MINUTE"`
	VoucherCacheTTLSeconds       int     `mapstructure:"VOUCHER_CACHE_TTL_SECONDS"`
	ParkedMaxAttempts            int     `mapstructure:"PARKED_MAX_ATTEMPTS"`
	ExpirySweepSchedule          string  `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ParkedDrainSchedule          string  `mapstructure:"PARKED_DRAIN_SCHEDULE"`
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
	viper.SetDefault("SETTLEMENT_EVENT_QUEUE", "settlement_service.confirmations")
	viper.SetDefault("REDIS_KEY_PREFIX", "melodious")
	viper.SetDefault("POINTS_CONVERSION_RATE", 100.0)
	viper.SetDefault("MIN_POINTS_CONVERSION", 100)
	viper.SetDefault("MAX_DAILY_POINTS_CONVERSION", 10000)
	viper.SetDefault("CONVERSION_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("VOUCHER_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("PARKED_MAX_ATTEMPTS", 5)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("PARKED_DRAIN_SCHEDULE", "* * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("ROLLUP_API_BASE_URL")
	_ = viper.BindEnv("ROLLUP_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("POINTS_CONVERSION_RATE")
	_ = viper.BindEnv("MIN_POINTS_CONVERSION")
	_ = viper.BindEnv("MAX_DAILY_POINTS_CONVERSION")
	_ = viper.BindEnv("CONVERSION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("VOUCHER_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("PARKED_MAX_ATTEMPTS")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("PARKED_DRAIN_SCHEDULE")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "melodious"
	}
	if config.PointsConversionRate <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive POINTS_CONVERSION_RATE; falling back to default\" value=%v", config.PointsConversionRate)
		config.PointsConversionRate = 100.0
	}
	if config.ParkedMaxAttempts <= 0 {
		config.ParkedMaxAttempts = 5
	}

	return
}
