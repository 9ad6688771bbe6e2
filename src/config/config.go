package config

import (
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application.
// The values are loaded from environment variables.
type AppConfig struct {
	// Core settings
	Port           string
	LogLevel       string
	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string

	// Security settings
	JWTSecret          string
	CredentialsKey     []byte
	MaxUploadSizeBytes int64

	// Static asset tables; empty means the embedded defaults.
	AssetRegistryPath string

	// Exchange clients
	KrakenBaseURL       string
	CryptoComBaseURL    string
	ExchangePageDelay   time.Duration
	ExchangeMaxPages    int
	ExchangeHTTPTimeout time.Duration

	// Historical prices
	PriceBaseURL      string
	PriceRequestDelay time.Duration
	PriceCacheExpiry  time.Duration
	PriceHTTPTimeout  time.Duration

	// Frontend URL for CORS
	FrontendBaseURL string
}

// Cfg is a global instance of the AppConfig.
var Cfg *AppConfig

// LoadConfig loads configuration from environment variables or a .env file.
func LoadConfig() {
	errEnv := godotenv.Load()
	// Running from inside /backend keeps the .env one level up.
	if errEnv != nil {
		errEnv = godotenv.Load("../.env")
	}

	if errEnv != nil {
		if os.IsNotExist(errEnv) {
			log.Println("Info: No .env file found in current or parent directory. Relying on OS environment variables.")
		} else {
			log.Printf("Warning: Error loading .env file: %v. Relying on OS environment variables.", errEnv)
		}
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getRequiredEnv("JWT_SECRET")
	credentialsKey := getRequiredHexKey("CREDENTIALS_KEY", 32)

	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "10485760") // 10MB
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 10MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 10 * 1024 * 1024
	}

	Cfg = &AppConfig{
		Port:           getEnv("PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabasePath:   getEnv("DATABASE_PATH", "./cryptofolio.db"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		JWTSecret:          jwtSecret,
		CredentialsKey:     credentialsKey,
		MaxUploadSizeBytes: maxUploadSizeBytes,

		AssetRegistryPath: getEnv("ASSET_REGISTRY_PATH", ""),

		KrakenBaseURL:       getEnv("KRAKEN_BASE_URL", "https://api.kraken.com"),
		CryptoComBaseURL:    getEnv("CRYPTOCOM_BASE_URL", "https://api.crypto.com/exchange/v1"),
		ExchangePageDelay:   getEnvAsDuration("EXCHANGE_PAGE_DELAY", 1*time.Second),
		ExchangeMaxPages:    getEnvAsInt("EXCHANGE_MAX_PAGES", 200),
		ExchangeHTTPTimeout: getEnvAsDuration("EXCHANGE_HTTP_TIMEOUT", 20*time.Second),

		PriceBaseURL:      getEnv("PRICE_BASE_URL", "https://query1.finance.yahoo.com"),
		PriceRequestDelay: getEnvAsDuration("PRICE_REQUEST_DELAY", 250*time.Millisecond),
		PriceCacheExpiry:  getEnvAsDuration("PRICE_CACHE_EXPIRY", 6*time.Hour),
		PriceHTTPTimeout:  getEnvAsDuration("PRICE_HTTP_TIMEOUT", 20*time.Second),

		FrontendBaseURL: getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
	}

	if Cfg.DatabaseDriver == "postgres" && Cfg.DatabaseURL == "" {
		log.Fatalf("FATAL: DATABASE_URL is required when DATABASE_DRIVER=postgres.")
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBDriver=%s, DBPath=%s, FrontendURL=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabaseDriver, Cfg.DatabasePath, Cfg.FrontendBaseURL)
}

// DatabaseDSN returns the data source for the configured driver.
func (c *AppConfig) DatabaseDSN() string {
	if c.DatabaseDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DatabasePath
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if fallback != "" {
		log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	}
	return fallback
}

// getRequiredEnv retrieves an environment variable or terminates the application if not set.
func getRequiredEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set or is empty. Application cannot start securely.", key)
	}
	return value
}

// getRequiredHexKey decodes a hex-encoded key of exactly size bytes.
func getRequiredHexKey(key string, size int) []byte {
	decoded, err := hex.DecodeString(strings.TrimSpace(getRequiredEnv(key)))
	if err != nil || len(decoded) != size {
		log.Fatalf("FATAL: %s must be %d hex-encoded bytes.", key, size)
	}
	return decoded
}

// getEnvAsInt retrieves an environment variable as an integer or returns a fallback.
func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

// getEnvAsDuration retrieves an environment variable as a time.Duration or returns a fallback.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
