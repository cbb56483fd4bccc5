// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Stripe   StripeConfig
	Storage  StorageConfig
	SMTP     SMTPConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Port string
	Env  string

	// WebhookTimeout bounds one webhook invocation end to end.
	WebhookTimeout time.Duration
}

type DatabaseConfig struct {
	// URL may be empty: the service then runs on the volatile in-memory
	// fallback only (degraded mode, data lost on restart).
	URL string
}

type StripeConfig struct {
	WebhookSecret string
}

type StorageConfig struct {
	Bucket string
	Region string

	// SignedURLTTL bounds operator-facing document links.
	SignedURLTTL time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type NotifyConfig struct {
	OperatorEmail string
}

func Load() *Config {
	_ = godotenv.Load()

	webhookTimeout, _ := strconv.Atoi(getEnv("WEBHOOK_TIMEOUT_SECONDS", "25"))
	signedURLTTL, _ := strconv.Atoi(getEnv("SIGNED_URL_TTL_SECONDS", "3600"))

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            getEnv("ENV", "development"),
			WebhookTimeout: time.Duration(webhookTimeout) * time.Second,
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Stripe: StripeConfig{
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Storage: StorageConfig{
			Bucket:       getEnv("DOCUMENTS_BUCKET", ""),
			Region:       getEnv("AWS_REGION", ""),
			SignedURLTTL: time.Duration(signedURLTTL) * time.Second,
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASS", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		Notify: NotifyConfig{
			OperatorEmail: getEnv("OPERATOR_EMAIL", ""),
		},
	}

	log.Printf("Config loaded: env=%s, port=%s", cfg.Server.Env, cfg.Server.Port)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
