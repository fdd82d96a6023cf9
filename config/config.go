package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// JWT
	JWTSecret string

	// Token encryption. Versioned so keys can rotate without
	// re-encrypting every stored refresh token at once.
	EncryptionKeys map[int]string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Worker
	WorkerID        string
	WorkerMax       int
	WorkerQueueSize int

	// Sync
	SyncInterval      time.Duration
	SyncInitialWindow int
	SyncMaxRetries    int
	SchedulerEnabled  bool

	// Provider rate limiting
	ProviderMaxConcurrent     int
	ProviderRequestsPerSecond int
	ProviderBurstSize         int
	TriggerDebounce           time.Duration

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "unibox"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// Token encryption
		EncryptionKeys: parseEncryptionKeys(),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax:       getEnvInt("WORKER_MAX", 20),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),

		// Sync
		SyncInterval:      time.Duration(getEnvInt("SYNC_INTERVAL_SEC", 180)) * time.Second,
		SyncInitialWindow: getEnvInt("SYNC_INITIAL_WINDOW", 200),
		SyncMaxRetries:    getEnvInt("SYNC_MAX_RETRIES", 5),
		SchedulerEnabled:  getEnvBool("SCHEDULER_ENABLED", true),

		// Provider rate limiting
		ProviderMaxConcurrent:     getEnvInt("PROVIDER_MAX_CONCURRENT", 100),
		ProviderRequestsPerSecond: getEnvInt("PROVIDER_REQUESTS_PER_SECOND", 10),
		ProviderBurstSize:         getEnvInt("PROVIDER_BURST_SIZE", 20),
		TriggerDebounce:           time.Duration(getEnvInt("TRIGGER_DEBOUNCE_SEC", 30)) * time.Second,

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}

	if len(cfg.EncryptionKeys) == 0 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY or TOKEN_ENCRYPTION_KEYS must be set")
	}

	return cfg, nil
}

// parseEncryptionKeys reads versioned keys from TOKEN_ENCRYPTION_KEYS
// ("1:secret,2:newer-secret") or falls back to TOKEN_ENCRYPTION_KEY as
// version 1.
func parseEncryptionKeys() map[int]string {
	keys := make(map[int]string)

	if raw := os.Getenv("TOKEN_ENCRYPTION_KEYS"); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) != 2 {
				continue
			}
			version, err := strconv.Atoi(parts[0])
			if err != nil || parts[1] == "" {
				continue
			}
			keys[version] = parts[1]
		}
		return keys
	}

	if key := os.Getenv("TOKEN_ENCRYPTION_KEY"); key != "" {
		keys[1] = key
	}
	return keys
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
