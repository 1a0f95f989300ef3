package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	DataDir                string
	MaxConcurrentBuilds    int
	BuildTimeoutSeconds    int
	InsecureRegistries     bool
	PushToEmbeddedRegistry bool
}

// Load loads configuration from environment variables.
// Automatically loads .env file if present.
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		DataDir:                getEnv("DATA_DIR", "/var/lib/kiln"),
		MaxConcurrentBuilds:    getEnvInt("MAX_CONCURRENT_BUILDS", 2),
		BuildTimeoutSeconds:    getEnvInt("BUILD_TIMEOUT_SECONDS", 600),
		InsecureRegistries:     getEnvBool("INSECURE_REGISTRIES", false),
		PushToEmbeddedRegistry: getEnvBool("PUSH_TO_EMBEDDED_REGISTRY", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
