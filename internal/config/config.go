package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSecretLength is the minimum required length for security secrets.
const MinSecretLength = 32

// ErrMissingSecret is returned when a required secret is not configured.
var ErrMissingSecret = errors.New("missing required secret")

// ErrInsecureSecret is returned when a secret doesn't meet security requirements.
var ErrInsecureSecret = errors.New("secret does not meet security requirements")

// ErrInsecureDefaultSecret is returned when using a known insecure default value.
var ErrInsecureDefaultSecret = errors.New("insecure default secret detected")

// DeviceConfig holds the settings a POS device process needs to run the
// offline engine: where it persists state and how it reaches the
// reconciliation server when connectivity is available.
type DeviceConfig struct {
	Environment string

	// DataDir namespaces the device's durable/secure storage. When RedisURL
	// is set the device backs its storage with Redis (e.g. an embedded
	// redis-server on the POS terminal); otherwise it falls back to an
	// in-process store that does not survive a restart.
	DataDir  string
	RedisURL string

	SyncEndpoint string
	AuthEndpoint string
	BearerToken  string
	FestivalID   string

	SyncRequestTimeout  time.Duration
	SyncRetryCycleLimit time.Duration
	SyncBackoffBase     time.Duration
	SyncBackoffCap      time.Duration
	SyncRetryCeiling    int

	// ClockSkewWarnThreshold is how far the device clock may drift from
	// the serverTime reported at session issuance before a warning is
	// logged.
	ClockSkewWarnThreshold time.Duration

	// AllowDeviceSecretFallback permits transaction signing to fall
	// back to the device secret when no signing key has been
	// provisioned yet. Default false: the reconciliation server never
	// learns the device secret (it never leaves the device), so it
	// cannot verify a device-secret-signed transaction; creation fails
	// with ErrNoSigningKey until /auth/session has provisioned a real
	// signing key. Operators that accept the gap (offline transactions
	// created before first login are simply unsendable) can opt back
	// in.
	AllowDeviceSecretFallback bool
}

// ServerConfig holds the reconciliation server's settings.
type ServerConfig struct {
	Port        string
	Environment string

	DatabaseURL string
	RedisURL    string

	JWTSecret string

	MaxOfflineTxAge     time.Duration
	AsyncBatchThreshold int
}

func Load() (*DeviceConfig, error) {
	_ = godotenv.Load()

	environment := getEnv("ENVIRONMENT", "development")

	return &DeviceConfig{
		Environment:  environment,
		DataDir:      getEnv("OFFLINE_DATA_DIR", "./offline-data"),
		RedisURL:     getEnv("REDIS_URL", ""),
		SyncEndpoint: getEnv("SYNC_ENDPOINT", "http://localhost:8080/sync/offline-transactions"),
		AuthEndpoint: getEnv("AUTH_ENDPOINT", "http://localhost:8080/auth/session"),
		BearerToken:  os.Getenv("SYNC_BEARER_TOKEN"),
		FestivalID:   getEnv("FESTIVAL_ID", "default"),

		SyncRequestTimeout:  getEnvDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
		SyncRetryCycleLimit: getEnvDuration("SYNC_RETRY_CYCLE_LIMIT", 2*time.Minute),
		SyncBackoffBase:     getEnvDuration("SYNC_BACKOFF_BASE", 2*time.Second),
		SyncBackoffCap:      getEnvDuration("SYNC_BACKOFF_CAP", 60*time.Second),
		SyncRetryCeiling:    getEnvInt("SYNC_RETRY_CEILING", 8),

		ClockSkewWarnThreshold: getEnvDuration("CLOCK_SKEW_WARN_THRESHOLD", 5*time.Minute),

		AllowDeviceSecretFallback: getEnvBool("ALLOW_DEVICE_SECRET_FALLBACK", false),
	}, nil
}

func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	environment := getEnv("ENVIRONMENT", "development")
	isProduction := environment == "production" || environment == "staging"

	jwtSecret := os.Getenv("JWT_SECRET")
	databaseURL := os.Getenv("DATABASE_URL")

	if isProduction {
		if err := validateRequiredSecret("JWT_SECRET", jwtSecret); err != nil {
			return nil, err
		}
		if err := validateRequiredSecret("DATABASE_URL", databaseURL); err != nil {
			return nil, err
		}
	} else {
		if jwtSecret == "" {
			fmt.Println("WARNING: JWT_SECRET not set - using insecure development default. DO NOT USE IN PRODUCTION!")
			jwtSecret = "dev-only-insecure-jwt-secret-do-not-use-in-production"
		} else if isInsecureDefault(jwtSecret) {
			fmt.Println("WARNING: JWT_SECRET appears to be a default value. DO NOT USE IN PRODUCTION!")
		}
	}

	return &ServerConfig{
		Port:        getEnv("PORT", "8080"),
		Environment: environment,

		DatabaseURL: databaseURL,
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		JWTSecret: jwtSecret,

		MaxOfflineTxAge:     getEnvDuration("MAX_OFFLINE_TX_AGE", 24*time.Hour),
		AsyncBatchThreshold: getEnvInt("ASYNC_BATCH_THRESHOLD", 25),
	}, nil
}

func validateRequiredSecret(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s environment variable must be set", ErrMissingSecret, name)
	}
	if len(value) < MinSecretLength {
		return fmt.Errorf("%w: %s must be at least %d characters (got %d)", ErrInsecureSecret, name, MinSecretLength, len(value))
	}
	if isInsecureDefault(value) {
		return fmt.Errorf("%w: %s contains a known insecure default value - generate a secure random secret", ErrInsecureDefaultSecret, name)
	}
	return nil
}

func isInsecureDefault(value string) bool {
	insecureDefaults := []string{
		"your-super-secret-key",
		"change-in-production",
		"secret-key",
		"changeme",
		"password",
		"test",
		"dev-only",
	}

	lowerValue := strings.ToLower(value)
	for _, insecure := range insecureDefaults {
		if strings.Contains(lowerValue, insecure) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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
