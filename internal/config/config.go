package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jantungin/screening-api/internal/models"
)

const (
	devJWTSecret     = "fallback_secret_key_for_development"
	devEncryptionKey = "dev-encryption-key-32-chars-long!"
)

type Config struct {
	APP_ENV   string
	PORT      string
	LOG_LEVEL string

	DB_HOST     string
	DB_PORT     string
	DB_USER     string
	DB_PASSWORD string
	DB_NAME     string

	ES_URL      string
	ES_USER     string
	ES_PASSWORD string

	KAFKA_ADDRESS string

	JWT_SECRET     string
	ENCRYPTION_KEY string

	JWT_TTL     time.Duration
	FreshWindow time.Duration
	AuthRateMax int
	RateMax     int
	RateWindow  time.Duration
	SweepEvery  time.Duration
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	config := &Config{
		APP_ENV:   EnvDefault("APP_ENV", "development"),
		PORT:      EnvDefault("PORT", "8080"),
		LOG_LEVEL: EnvDefault("LOG_LEVEL", "info"),

		DB_HOST:     os.Getenv("DB_HOST"),
		DB_PORT:     os.Getenv("DB_PORT"),
		DB_USER:     os.Getenv("DB_USER"),
		DB_PASSWORD: os.Getenv("DB_PASSWORD"),
		DB_NAME:     os.Getenv("DB_NAME"),

		ES_URL:      os.Getenv("ES_URL"),
		ES_USER:     os.Getenv("ES_USER"),
		ES_PASSWORD: os.Getenv("ES_PASSWORD"),

		KAFKA_ADDRESS: os.Getenv("KAFKA_ADDRESS"),

		JWT_SECRET:     os.Getenv("JWT_SECRET"),
		ENCRYPTION_KEY: os.Getenv("ENCRYPTION_KEY"),

		JWT_TTL:     EnvDurationDefault("JWT_TTL", 24*time.Hour),
		FreshWindow: EnvDurationDefault("FRESH_WINDOW", 30*time.Minute),
		AuthRateMax: EnvIntDefault("AUTH_RATE_LIMIT_MAX", 5),
		RateMax:     EnvIntDefault("RATE_LIMIT_MAX", 100),
		RateWindow:  EnvDurationDefault("RATE_LIMIT_WINDOW", 15*time.Minute),
		SweepEvery:  EnvDurationDefault("RATE_LIMIT_SWEEP", 5*time.Minute),
	}

	if err := config.checkSecrets(); err != nil {
		return nil, err
	}

	return config, nil
}

// checkSecrets refuses to run a production deployment on empty secrets.
// Outside production a clearly logged development fallback is used, the
// same contract the platform has always shipped with.
func (c *Config) checkSecrets() error {
	if c.APP_ENV == "production" {
		if c.JWT_SECRET == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if c.ENCRYPTION_KEY == "" {
			return fmt.Errorf("ENCRYPTION_KEY must be set in production")
		}
		return nil
	}
	if c.JWT_SECRET == "" {
		log.Printf("WARNING: JWT_SECRET is not set, using development fallback")
		c.JWT_SECRET = devJWTSecret
	}
	if c.ENCRYPTION_KEY == "" {
		log.Printf("WARNING: ENCRYPTION_KEY is not set, using development fallback")
		c.ENCRYPTION_KEY = devEncryptionKey
	}
	return nil
}

func InitDB(configuration *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		configuration.DB_USER,
		configuration.DB_PASSWORD,
		configuration.DB_HOST,
		configuration.DB_PORT,
		configuration.DB_NAME,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.IdentityRecord{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

func EnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
