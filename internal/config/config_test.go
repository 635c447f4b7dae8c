package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"INDEXER_DATA_DIR", "UPSTREAM_BASE_URL", "UPSTREAM_RATE_LIMIT_RPS",
		"BACKFILL_CONCURRENCY_MIN", "BACKFILL_CONCURRENCY_MAX",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()

	if cfg.UpstreamBaseURL != "https://tonapi.io" {
		t.Errorf("UpstreamBaseURL = %s, want default", cfg.UpstreamBaseURL)
	}
	if cfg.RateLimitRPS != 10 {
		t.Errorf("RateLimitRPS = %v, want 10", cfg.RateLimitRPS)
	}
	if cfg.BackfillConcurrencyMin != 5 || cfg.BackfillConcurrencyMax != 30 {
		t.Errorf("concurrency bounds = [%d, %d], want [5, 30]", cfg.BackfillConcurrencyMin, cfg.BackfillConcurrencyMax)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Setenv("UPSTREAM_RATE_LIMIT_RPS", "25.5")
	defer os.Unsetenv("UPSTREAM_RATE_LIMIT_RPS")

	cfg := Load()
	if cfg.RateLimitRPS != 25.5 {
		t.Errorf("RateLimitRPS = %v, want 25.5", cfg.RateLimitRPS)
	}
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	cfg := Load()
	cfg.BackfillConcurrencyMax = 1
	cfg.BackfillConcurrencyMin = 5
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject max < min concurrency")
	}
}

func TestLoadDefaultsStartDateToEpoch(t *testing.T) {
	os.Unsetenv("START_DATE")

	cfg := Load()
	if !cfg.StartDate.Equal(time.Unix(0, 0).UTC()) {
		t.Errorf("StartDate = %v, want unix epoch", cfg.StartDate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with unset START_DATE error = %v", err)
	}
}

func TestLoadParsesISOStartDate(t *testing.T) {
	os.Setenv("START_DATE", "2024-03-15")
	defer os.Unsetenv("START_DATE")

	cfg := Load()
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !cfg.StartDate.Equal(want) {
		t.Errorf("StartDate = %v, want %v", cfg.StartDate, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with valid START_DATE error = %v", err)
	}
}

func TestValidateRejectsMalformedStartDate(t *testing.T) {
	os.Setenv("START_DATE", "03/15/2024")
	defer os.Unsetenv("START_DATE")

	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject a non-ISO START_DATE instead of silently defaulting to epoch")
	}
}

func TestLoadPoolsMissingFileYieldsEmpty(t *testing.T) {
	m, err := LoadPools("/nonexistent/pools.yaml")
	if err != nil {
		t.Fatalf("LoadPools(missing) error = %v", err)
	}
	if len(m.Pools) != 0 {
		t.Errorf("expected empty manifest, got %d pools", len(m.Pools))
	}
}

func TestLoadPoolsParsesYAML(t *testing.T) {
	tmp, err := os.CreateTemp("", "pools-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	contents := `
pools:
  - address: "EQpool1"
    tracked_asset: "EQlambo"
  - address: "EQpool2"
    tracked_asset: "EQlambo"
    active: false
`
	if _, err := tmp.WriteString(contents); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	m, err := LoadPools(tmp.Name())
	if err != nil {
		t.Fatalf("LoadPools() error = %v", err)
	}
	if len(m.Pools) != 2 {
		t.Fatalf("len(Pools) = %d, want 2", len(m.Pools))
	}
	if !m.Pools[0].IsActive() {
		t.Error("pool1 should default to active")
	}
	if m.Pools[1].IsActive() {
		t.Error("pool2 explicitly inactive")
	}
}

func TestLoadPoolsRejectsMissingFields(t *testing.T) {
	tmp, err := os.CreateTemp("", "pools-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString("pools:\n  - address: \"EQpool1\"\n"); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	if _, err := LoadPools(tmp.Name()); err == nil {
		t.Error("expected error for missing tracked_asset")
	}
}
