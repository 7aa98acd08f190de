package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal trader.
type Config struct {
	Port string

	// Broker (Alpaca-style REST API). The account credential places orders;
	// the system credential is a fallback for scheduled sync and may only
	// read and update broker state, never create orders.
	BrokerBaseURL         string
	BrokerAPIKey          string
	BrokerAPISecret       string
	BrokerSystemAPIKey    string
	BrokerSystemAPISecret string
	BrokerPaper           bool

	// Database
	DBPath string

	// Portfolio risk parameters (YAML, synced into DB at startup)
	PortfolioConfigPath string

	// Schedulers
	OrderSyncInterval    time.Duration
	RiskEvalInterval     time.Duration
	ReconcileInterval    time.Duration
	SnapshotHourLocal    int // local hour for the daily snapshot job
	AuditRetentionDays   int // order_state_log rows older than this are archived
	ArchiveRetentionDays int // archived rows older than this are purged

	// Batch submission pacing between broker calls
	BatchDelay time.Duration

	// Control API
	SchedulerToken string // shared token required on /api/jobs endpoints
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	baseURL := getEnv("BROKER_BASE_URL", "")
	paper := getEnv("BROKER_PAPER", "true") == "true"
	if baseURL == "" {
		if paper {
			baseURL = "https://paper-api.alpaca.markets"
		} else {
			baseURL = "https://api.alpaca.markets"
		}
	}

	return &Config{
		Port:                  getEnv("PORT", "8090"),
		BrokerBaseURL:         baseURL,
		BrokerAPIKey:          os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret:       os.Getenv("BROKER_API_SECRET"),
		BrokerSystemAPIKey:    os.Getenv("BROKER_SYSTEM_API_KEY"),
		BrokerSystemAPISecret: os.Getenv("BROKER_SYSTEM_API_SECRET"),
		BrokerPaper:           paper,
		DBPath:                getEnv("DB_PATH", "./data/trader.db"),
		PortfolioConfigPath:   getEnv("PORTFOLIO_CONFIG_PATH", ""),
		OrderSyncInterval:     getEnvDuration("ORDER_SYNC_INTERVAL", 2*time.Minute),
		RiskEvalInterval:      getEnvDuration("RISK_EVAL_INTERVAL", 5*time.Minute),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", time.Hour),
		SnapshotHourLocal:     getEnvInt("SNAPSHOT_HOUR_LOCAL", 17),
		AuditRetentionDays:    getEnvInt("AUDIT_RETENTION_DAYS", 90),
		ArchiveRetentionDays:  getEnvInt("ARCHIVE_RETENTION_DAYS", 365),
		BatchDelay:            getEnvDuration("BATCH_DELAY", 250*time.Millisecond),
		SchedulerToken:        getEnv("SCHEDULER_TOKEN", ""),
	}, nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
