// Package config loads runtime configuration for the analytics worker.
//
// Design Choices:
//   - AppConfig is a plain value, built by Load in each service's
//     initService and passed into the component constructors. There is no package-level
//     config singleton: components that need configuration take it as an
//     explicit constructor argument.
//   - Values are read from the environment with sane defaults, matching how
//     every service in this codebase resolves its own settings (no config
//     file parser, no flags library).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AppConfig holds every environment-derived setting the worker needs.
// Fields are grouped by the component that consumes them.
type AppConfig struct {
	NodeEnv string

	// Bus connection (construction of the client itself is out of scope;
	// these values are handed to whatever client the caller constructs).
	BusHost                  string
	BusLookupdHost           string
	ComputeReplyDefaultTopic string

	// ResultStore (Postgres via encore.dev/storage/sqldb).
	ResultStoreDB string

	// DataProviderClient.
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderAPIKey2 string

	// ObjectStore (S3-compatible).
	ObjectStoreEndpoint  string
	ObjectStoreRegion    string
	ObjectStoreKey       string
	ObjectStoreSecret    string
	ObjectStoreForcePath bool
	ArtifactBucket       string
	ArtifactURLPrefix    string
	DataBucket           string

	// Dispatcher concurrency.
	MaxInFlight int

	// How long an IN_PROGRESS claim may sit before another instance may
	// steal it (crashed-worker recovery).
	InProgressStaleAfter time.Duration

	// Direct LLM fast path (optional; empty disables it).
	AnthropicAPIKey string

	// Filesystem side channel to ComputeBridge.
	ComputeTempDir string

	// Result cache TTL, provider cache staleness window.
	ResultTTL      time.Duration
	ProviderMaxAge time.Duration
}

// Load reads AppConfig from the process environment, applying the defaults
// documented alongside each field. It never panics; missing required values
// are left empty for the caller to validate at the boundary that needs them
// (ConfigMissing is raised by the caller, e.g. the dispatcher's initService
// via Validate, not by this loader).
func Load() AppConfig {
	return AppConfig{
		NodeEnv:                  getenv("NODE_ENV", "development"),
		BusHost:                  getenv("NSQ_HOST", "127.0.0.1:4150"),
		BusLookupdHost:           getenv("NSQ_LOOKUPD_HOST", "127.0.0.1:4161"),
		ComputeReplyDefaultTopic: getenv("BACKEND_RUST_TOPIC", "backend_rust"),

		ResultStoreDB: getenv("MONGOLAB_URI", "resultstore"),

		ProviderBaseURL: getenv("EODHISTORICALDATA_BASE_URL", "https://eodhistoricaldata.com"),
		ProviderAPIKey:  os.Getenv("EODHISTORICALDATA_API_KEY"),
		ProviderAPIKey2: os.Getenv("EODHISTORICALDATA_API_KEY2"),

		ObjectStoreEndpoint:  os.Getenv("CONTABO_ENDPOINT"),
		ObjectStoreRegion:    getenv("CONTABO_REGION", "us-east-1"),
		ObjectStoreKey:       os.Getenv("CONTABO_KEY"),
		ObjectStoreSecret:    os.Getenv("CONTABO_SECRET"),
		ObjectStoreForcePath: getenvBool("CONTABO_FORCE_PATH_STYLE", true),
		ArtifactBucket:       getenv("ARTIFACT_BUCKET", "sravz"),
		ArtifactURLPrefix:    getenv("ARTIFACT_URL_PREFIX", "https://sravz.ams3.digitaloceanspaces.com/rust-backend/"),
		DataBucket:           getenv("DATA_BUCKET", "sravz-data"),

		MaxInFlight:          getenvInt("MAX_IN_FLIGHT", 15),
		InProgressStaleAfter: getenvDuration("IN_PROGRESS_STALE_AFTER", 2*time.Hour),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),

		ComputeTempDir: getenv("COMPUTE_TMP_DIR", "/tmp/data"),

		ResultTTL:      getenvDuration("RESULT_TTL", 24*time.Hour),
		ProviderMaxAge: getenvDuration("PROVIDER_MAX_AGE", 3*30*24*time.Hour),
	}
}

// Validate reports ConfigMissing-class problems that must stop boot.
// Callers decide whether to treat these as fatal (see internal/apperr).
func (c AppConfig) Validate() error {
	var missing []string
	if c.ObjectStoreKey == "" {
		missing = append(missing, "CONTABO_KEY")
	}
	if c.ObjectStoreSecret == "" {
		missing = append(missing, "CONTABO_SECRET")
	}
	if c.ProviderAPIKey == "" {
		missing = append(missing, "EODHISTORICALDATA_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %v", missing)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
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

func getenvDuration(key string, def time.Duration) time.Duration {
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
