package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultMetricsAddr = ":9090"

	defaultSchedulerPeriod = 600 * time.Second
	defaultJobTimeout      = 1800 * time.Second

	defaultDeletionThresholdRatio   = 0.90
	defaultDeletionThresholdMinRows = 10
	defaultDeletionTransientToFatal = 24 * time.Hour

	defaultBatchSizeIdentities      = 100
	defaultBatchSizeMemberships     = 100
	defaultGroupsPerMembershipChunk = 50
	defaultHTTPMaxConcurrentPerHost = 8
	defaultHTTPRequestTimeout       = 60 * time.Second
	defaultHTTPConnectTimeout       = 30 * time.Second
	defaultSyncWorkers              = 10
)

type Config struct {
	DatabaseURL string
	MetricsAddr string

	SchedulerPeriod time.Duration
	JobTimeout      time.Duration

	DeletionThresholdRatio   float64
	DeletionThresholdMinRows int64
	DeletionTransientToFatal time.Duration

	BatchSizeIdentities      int
	BatchSizeMemberships     int
	GroupsPerMembershipChunk int

	HTTPMaxConcurrentPerHost int
	HTTPRequestTimeout       time.Duration
	HTTPConnectTimeout       time.Duration

	SyncWorkers int
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		MetricsAddr: getenvDefault("METRICS_ADDR", defaultMetricsAddr),

		SchedulerPeriod: getenvDurationDefault("SYNC_SCHEDULER_PERIOD", defaultSchedulerPeriod),
		JobTimeout:      getenvDurationDefault("SYNC_JOB_TIMEOUT", defaultJobTimeout),

		DeletionThresholdRatio:   getenvFloatDefault("DELETION_THRESHOLD_RATIO", defaultDeletionThresholdRatio),
		DeletionThresholdMinRows: int64(getenvIntDefault("DELETION_THRESHOLD_MIN_ROWS", defaultDeletionThresholdMinRows)),
		DeletionTransientToFatal: getenvDurationDefault("DELETION_TRANSIENT_TO_FATAL", defaultDeletionTransientToFatal),

		BatchSizeIdentities:      getenvIntDefault("BATCH_SIZE_IDENTITIES", defaultBatchSizeIdentities),
		BatchSizeMemberships:     getenvIntDefault("BATCH_SIZE_MEMBERSHIPS", defaultBatchSizeMemberships),
		GroupsPerMembershipChunk: getenvIntDefault("GROUPS_PER_MEMBERSHIP_CHUNK", defaultGroupsPerMembershipChunk),

		HTTPMaxConcurrentPerHost: getenvIntDefault("HTTP_MAX_CONCURRENT_PER_HOST", defaultHTTPMaxConcurrentPerHost),
		HTTPRequestTimeout:       getenvDurationDefault("HTTP_REQUEST_TIMEOUT", defaultHTTPRequestTimeout),
		HTTPConnectTimeout:       getenvDurationDefault("HTTP_CONNECT_TIMEOUT", defaultHTTPConnectTimeout),

		SyncWorkers: getenvIntDefault("SYNC_WORKERS", defaultSyncWorkers),
	}

	if cfg.DeletionThresholdRatio <= 0 || cfg.DeletionThresholdRatio > 1 {
		cfg.DeletionThresholdRatio = defaultDeletionThresholdRatio
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// getenvDurationDefault accepts Go duration strings ("10m") and, for
// compatibility with bare-seconds deployments, plain integers ("600").
func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
