package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration, read from SHOPLIST_* environment
// variables (a .env file is honored when present).
type Config struct {
	Port     string
	DBPath   string
	LogLevel string
	BaseURL  string

	// Postmark transactional email; reset tokens are only logged when unset.
	PostmarkToken string
	EmailFrom     string

	// Web push (VAPID); push notifications are disabled when either is empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	// Encrypted backups to S3-compatible storage; disabled unless bucket,
	// credentials, and passphrase are all set.
	S3Endpoint       string
	S3Bucket         string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	BackupPassphrase string
	BackupInterval   time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvOrDefault("SHOPLIST_PORT", "8080"),
		DBPath:   getEnvOrDefault("SHOPLIST_DB_PATH", "shoplist.db"),
		LogLevel: getEnvOrDefault("SHOPLIST_LOG_LEVEL", "info"),
		BaseURL:  getEnvOrDefault("SHOPLIST_BASE_URL", "http://localhost:8080"),

		PostmarkToken: os.Getenv("SHOPLIST_POSTMARK_TOKEN"),
		EmailFrom:     os.Getenv("SHOPLIST_EMAIL_FROM"),

		VAPIDPublicKey:  os.Getenv("SHOPLIST_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("SHOPLIST_VAPID_PRIVATE_KEY"),

		S3Endpoint:       os.Getenv("SHOPLIST_S3_ENDPOINT"),
		S3Bucket:         os.Getenv("SHOPLIST_S3_BUCKET"),
		S3Region:         getEnvOrDefault("SHOPLIST_S3_REGION", "auto"),
		S3AccessKey:      os.Getenv("SHOPLIST_S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("SHOPLIST_S3_SECRET_KEY"),
		BackupPassphrase: os.Getenv("SHOPLIST_BACKUP_PASSPHRASE"),
	}

	interval := getEnvOrDefault("SHOPLIST_BACKUP_INTERVAL", "24h")
	d, err := time.ParseDuration(interval)
	if err != nil {
		return nil, fmt.Errorf("SHOPLIST_BACKUP_INTERVAL %q: %w", interval, err)
	}
	cfg.BackupInterval = d

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
