package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/dirsyncd_test")
	t.Setenv("SYNC_SCHEDULER_PERIOD", "")
	t.Setenv("DELETION_THRESHOLD_RATIO", "")
	t.Setenv("SYNC_WORKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SchedulerPeriod != 600*time.Second {
		t.Fatalf("SchedulerPeriod = %v, want %v", cfg.SchedulerPeriod, 600*time.Second)
	}
	if cfg.JobTimeout != 30*time.Minute {
		t.Fatalf("JobTimeout = %v, want %v", cfg.JobTimeout, 30*time.Minute)
	}
	if cfg.DeletionThresholdRatio != 0.90 {
		t.Fatalf("DeletionThresholdRatio = %v, want 0.90", cfg.DeletionThresholdRatio)
	}
	if cfg.DeletionThresholdMinRows != 10 {
		t.Fatalf("DeletionThresholdMinRows = %d, want 10", cfg.DeletionThresholdMinRows)
	}
	if cfg.DeletionTransientToFatal != 24*time.Hour {
		t.Fatalf("DeletionTransientToFatal = %v, want 24h", cfg.DeletionTransientToFatal)
	}
	if cfg.BatchSizeIdentities != 100 || cfg.BatchSizeMemberships != 100 {
		t.Fatalf("batch sizes = %d/%d, want 100/100", cfg.BatchSizeIdentities, cfg.BatchSizeMemberships)
	}
	if cfg.GroupsPerMembershipChunk != 50 {
		t.Fatalf("GroupsPerMembershipChunk = %d, want 50", cfg.GroupsPerMembershipChunk)
	}
	if cfg.HTTPMaxConcurrentPerHost != 8 {
		t.Fatalf("HTTPMaxConcurrentPerHost = %d, want 8", cfg.HTTPMaxConcurrentPerHost)
	}
	if cfg.SyncWorkers != 10 {
		t.Fatalf("SyncWorkers = %d, want 10", cfg.SyncWorkers)
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL error")
	}
	if _, err := LoadOptionalDB(); err != nil {
		t.Fatalf("LoadOptionalDB() error = %v", err)
	}
}

func TestLoad_DurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/dirsyncd_test")
	t.Setenv("SYNC_SCHEDULER_PERIOD", "120")
	t.Setenv("SYNC_JOB_TIMEOUT", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SchedulerPeriod != 120*time.Second {
		t.Fatalf("SchedulerPeriod = %v, want 120s", cfg.SchedulerPeriod)
	}
	if cfg.JobTimeout != 5*time.Minute {
		t.Fatalf("JobTimeout = %v, want 5m", cfg.JobTimeout)
	}
}

func TestLoad_RejectsBogusRatio(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/dirsyncd_test")
	t.Setenv("DELETION_THRESHOLD_RATIO", "17")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DeletionThresholdRatio != 0.90 {
		t.Fatalf("DeletionThresholdRatio = %v, want default 0.90", cfg.DeletionThresholdRatio)
	}
}
