// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Local store
	LocalDBPath string

	// Remote configuration database (pull)
	RemoteDBHost     string
	RemoteDBPort     int
	RemoteDBName     string
	RemoteDBUser     string
	RemoteDBPassword string
	RemoteDBSSLMode  string

	// Remote ingest API (push)
	ClientAPIURL string
	ClientAPIKey string
	APITimeout   time.Duration
	MaxRetries   int
	BatchSize    int

	// Scheduling
	CollectionInterval   time.Duration
	UploadCron           string
	PullSyncInterval     time.Duration
	CleanupCron          string
	ReadingRetentionDays int
	LogRetentionDays     int

	// Device transports
	BACnetInterface   string
	BACnetPort        int
	DeviceReadTimeout time.Duration
	ModbusMapFile     string

	// Control API
	ControlAPIPort int

	// Auto-start flags
	CollectorAutoStart bool
	UploadAutoStart    bool
	PullSyncAutoStart  bool
	CleanupAutoStart   bool
}

// RemoteDSN builds the pull database connection string.
func (c *EnvConfig) RemoteDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.RemoteDBUser), url.QueryEscape(c.RemoteDBPassword),
		c.RemoteDBHost, c.RemoteDBPort, c.RemoteDBName, c.RemoteDBSSLMode)
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Local store ---
	cfg.LocalDBPath = envStr("LOCAL_DB_PATH", "/var/lib/gridwatch/local.db")

	// --- Remote DB (pull) ---
	cfg.RemoteDBHost = strings.TrimSpace(envStr("REMOTE_DB_HOST", ""))
	cfg.RemoteDBPort = envInt("REMOTE_DB_PORT", 5432, &errs)
	cfg.RemoteDBName = strings.TrimSpace(envStr("REMOTE_DB_NAME", ""))
	cfg.RemoteDBUser = strings.TrimSpace(envStr("REMOTE_DB_USER", ""))
	cfg.RemoteDBPassword = envStr("REMOTE_DB_PASSWORD", "")
	cfg.RemoteDBSSLMode = envStr("REMOTE_DB_SSLMODE", "disable")

	// --- Remote API (push) ---
	cfg.ClientAPIURL = strings.TrimRight(strings.TrimSpace(envStr("CLIENT_API_URL", "")), "/")
	cfg.ClientAPIKey = envStr("CLIENT_API_KEY", "")
	cfg.APITimeout = envMillis("API_TIMEOUT_MS", 30_000, &errs)
	cfg.MaxRetries = envInt("MAX_RETRIES", 3, &errs)
	cfg.BatchSize = envInt("BATCH_SIZE", 1000, &errs)

	// --- Scheduling ---
	cfg.CollectionInterval = time.Duration(envInt("COLLECTION_INTERVAL_SECONDS", 60, &errs)) * time.Second
	cfg.UploadCron = envStr("UPLOAD_CRON", "*/5 * * * *")
	cfg.PullSyncInterval = time.Duration(envInt("PULL_SYNC_INTERVAL_MINUTES", 60, &errs)) * time.Minute
	cfg.CleanupCron = envStr("CLEANUP_CRON", "30 2 * * *")
	cfg.ReadingRetentionDays = envInt("READING_RETENTION_DAYS", 60, &errs)
	cfg.LogRetentionDays = envInt("LOG_RETENTION_DAYS", 30, &errs)

	// --- Device transports ---
	cfg.BACnetInterface = envStr("BACNET_INTERFACE", "")
	cfg.BACnetPort = envInt("BACNET_PORT", 47808, &errs)
	cfg.DeviceReadTimeout = envMillis("BACNET_READ_TIMEOUT_MS", 5_000, &errs)
	cfg.ModbusMapFile = envStr("MODBUS_MAP_FILE", "")

	// --- Control API ---
	cfg.ControlAPIPort = envInt("CONTROL_API_PORT", 3099, &errs)

	// --- Auto-start flags ---
	cfg.CollectorAutoStart = envBool("COLLECTOR_AUTO_START", true, &errs)
	cfg.UploadAutoStart = envBool("UPLOAD_AUTO_START", true, &errs)
	cfg.PullSyncAutoStart = envBool("PULL_SYNC_AUTO_START", true, &errs)
	cfg.CleanupAutoStart = envBool("CLEANUP_AUTO_START", true, &errs)

	// --- Validation ---
	if cfg.LocalDBPath == "" {
		errs = append(errs, "LOCAL_DB_PATH must not be empty")
	}
	if cfg.RemoteDBHost == "" {
		errs = append(errs, "REMOTE_DB_HOST must be defined")
	}
	if cfg.RemoteDBName == "" {
		errs = append(errs, "REMOTE_DB_NAME must be defined")
	}
	if cfg.RemoteDBUser == "" {
		errs = append(errs, "REMOTE_DB_USER must be defined")
	}
	validatePort("REMOTE_DB_PORT", cfg.RemoteDBPort, &errs)

	if cfg.ClientAPIURL == "" {
		errs = append(errs, "CLIENT_API_URL must be defined")
	} else if u, err := url.Parse(cfg.ClientAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("CLIENT_API_URL: invalid URL %q", cfg.ClientAPIURL))
	}
	if cfg.ClientAPIKey == "" {
		errs = append(errs, "CLIENT_API_KEY must be defined")
	}
	if cfg.APITimeout <= 0 {
		errs = append(errs, "API_TIMEOUT_MS must be positive")
	}
	validatePositive("MAX_RETRIES", cfg.MaxRetries, &errs)
	validatePositive("BATCH_SIZE", cfg.BatchSize, &errs)

	if cfg.CollectionInterval <= 0 {
		errs = append(errs, "COLLECTION_INTERVAL_SECONDS must be positive")
	}
	if _, err := cron.ParseStandard(cfg.UploadCron); err != nil {
		errs = append(errs, fmt.Sprintf("UPLOAD_CRON: invalid cron expression %q: %v", cfg.UploadCron, err))
	}
	if cfg.PullSyncInterval <= 0 {
		errs = append(errs, "PULL_SYNC_INTERVAL_MINUTES must be positive")
	}
	if _, err := cron.ParseStandard(cfg.CleanupCron); err != nil {
		errs = append(errs, fmt.Sprintf("CLEANUP_CRON: invalid cron expression %q: %v", cfg.CleanupCron, err))
	}
	validatePositive("READING_RETENTION_DAYS", cfg.ReadingRetentionDays, &errs)
	validatePositive("LOG_RETENTION_DAYS", cfg.LogRetentionDays, &errs)

	validatePort("BACNET_PORT", cfg.BACnetPort, &errs)
	if cfg.DeviceReadTimeout <= 0 {
		errs = append(errs, "BACNET_READ_TIMEOUT_MS must be positive")
	}
	if cfg.ModbusMapFile != "" {
		if _, err := os.Stat(cfg.ModbusMapFile); err != nil {
			errs = append(errs, fmt.Sprintf("MODBUS_MAP_FILE: %v", err))
		}
	}
	validatePort("CONTROL_API_PORT", cfg.ControlAPIPort, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envMillis(key string, defaultMS int, errs *[]string) time.Duration {
	return time.Duration(envInt(key, defaultMS, errs)) * time.Millisecond
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
