// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// JSON-RPC endpoint of the indexed chain
	RPCURL string

	// Requests per second allowed against the RPC endpoint, and burst
	RPCRateLimit float64
	RPCBurst     int

	// Upper bound for a single adapter read
	CallTimeout time.Duration

	// Consecutive RPC failures before the circuit opens, and the cool-down before a retry
	CircuitFailureThreshold int
	CircuitResetDelay       time.Duration

	// PostgreSQL DSN; empty selects the in-memory store
	DatabaseURL string
	DBMaxConns  int32

	// Cron specs (with seconds) for the periodic jobs
	IndexSchedule     string
	DiscoverySchedule string
	EventSchedule     string
	ScoreSchedule     string

	// Number of pools read concurrently during indexing
	IndexConcurrency int

	// Upper bound for one job run, and for the retries within it
	JobTimeout         time.Duration
	JobRetryMaxElapsed time.Duration

	// Discovery feed
	DiscoveryURL     string
	DiscoveryEnabled bool
	DiscoveryMinTVL  float64

	// IQR multiplier for APY outlier rejection in the feed; 0 disables it
	DiscoveryOutlierIQR float64

	// vaults.fyi feed; an empty API key disables it
	VaultsFyiURL      string
	VaultsFyiAPIKey   string
	VaultsFyiMinTVL   float64
	VaultsFyiSchedule string

	// Chain log ingestion
	EventsEnabled       bool
	EventLookbackBlocks uint64
	EventMaxRange       uint64

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Optional YAML registry overriding the embedded default
	RegistryPath string

	// Hex secp256k1 key used to sign ranking payloads; empty disables signing
	SigningKey        string
	SignatureValidity time.Duration

	// Requests per second accepted by the HTTP API; 0 disables the limit
	APIRateLimit float64

	// Webhook receiving the ranking on ExportSchedule; empty disables the export
	ExportWebhookURL string
	ExportAPIKey     string
	ExportSchedule   string
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:                    GetEnvOrDefault("PORT", "8080"),
		RPCURL:                  GetEnvOrDefault("RPC_URL", "https://arb1.arbitrum.io/rpc"),
		RPCRateLimit:            GetEnvAsFloat("RPC_RATE_LIMIT", 10),
		RPCBurst:                GetEnvAsInt("RPC_BURST", 10),
		CallTimeout:             GetEnvAsDuration("CALL_TIMEOUT", 10*time.Second),
		CircuitFailureThreshold: GetEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 20),
		CircuitResetDelay:       GetEnvAsDuration("CIRCUIT_RESET_DELAY", time.Minute),
		DatabaseURL:             GetEnvOrDefault("DATABASE_URL", ""),
		DBMaxConns:              int32(GetEnvAsInt("DB_MAX_CONNS", 10)),
		IndexSchedule:           GetEnvOrDefault("INDEX_SCHEDULE", "0 0 * * * *"),
		DiscoverySchedule:       GetEnvOrDefault("DISCOVERY_SCHEDULE", "0 15 3 * * *"),
		EventSchedule:           GetEnvOrDefault("EVENT_SCHEDULE", "0 */5 * * * *"),
		ScoreSchedule:           GetEnvOrDefault("SCORE_SCHEDULE", "0 10 * * * *"),
		IndexConcurrency:        GetEnvAsInt("INDEX_CONCURRENCY", 8),
		JobTimeout:              GetEnvAsDuration("JOB_TIMEOUT", 20*time.Minute),
		JobRetryMaxElapsed:      GetEnvAsDuration("JOB_RETRY_MAX_ELAPSED", 5*time.Minute),
		DiscoveryURL:            GetEnvOrDefault("DISCOVERY_URL", "https://yields.llama.fi/pools"),
		DiscoveryEnabled:        GetEnvAsBool("DISCOVERY_ENABLED", true),
		DiscoveryMinTVL:         GetEnvAsFloat("DISCOVERY_MIN_TVL", 10_000),
		DiscoveryOutlierIQR:     GetEnvAsFloat("DISCOVERY_OUTLIER_IQR", 0),
		VaultsFyiURL:            GetEnvOrDefault("VAULTSFYI_URL", "https://api.vaults.fyi/v2"),
		VaultsFyiAPIKey:         GetEnvOrDefault("VAULTSFYI_API_KEY", ""),
		VaultsFyiMinTVL:         GetEnvAsFloat("VAULTSFYI_MIN_TVL", 50_000),
		VaultsFyiSchedule:       GetEnvOrDefault("VAULTSFYI_SCHEDULE", "0 45 3 * * *"),
		EventsEnabled:           GetEnvAsBool("EVENTS_ENABLED", false),
		EventLookbackBlocks:     uint64(GetEnvAsInt("EVENT_LOOKBACK_BLOCKS", 14_400)),
		EventMaxRange:           uint64(GetEnvAsInt("EVENT_MAX_RANGE", 2_000)),
		OtelEndpoint:            GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RegistryPath:            GetEnvOrDefault("REGISTRY_PATH", ""),
		SigningKey:              strings.TrimPrefix(GetEnvOrDefault("SIGNING_KEY", ""), "0x"),
		SignatureValidity:       GetEnvAsDuration("SIGNATURE_VALIDITY", time.Hour),
		APIRateLimit:            GetEnvAsFloat("API_RATE_LIMIT", 0),
		ExportWebhookURL:        GetEnvOrDefault("EXPORT_WEBHOOK_URL", ""),
		ExportAPIKey:            GetEnvOrDefault("EXPORT_API_KEY", ""),
		ExportSchedule:          GetEnvOrDefault("EXPORT_SCHEDULE", "0 20 * * * *"),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}
