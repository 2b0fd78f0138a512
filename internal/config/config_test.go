package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mapLookup(env map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(mapLookup(map[string]string{
		"APPSNAP_STREAM_SNAPSHOTS":  "true",
		"APPSNAP_MAX_STREAM_SIZE":   " 2G ",
		"APPSNAP_JOB_POLL_INTERVAL": "5",
		"APPSNAP_RUNTIME_TIMEOUT":   "45m",
		"APPSNAP_EXCLUDE_APPS":      "test-*, ,scratch",
		"APPSNAP_MIN_FREE_BYTES":    "1024",
		"APPSNAP_JOB_MAX_POLLS":     "7",
	}))
	if err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if !cfg.StreamSnapshots || cfg.MaxStreamSize != "2G" {
		t.Fatalf("stream settings not applied: %+v", cfg)
	}
	if cfg.JobPollInterval != 5*time.Second || cfg.RuntimeTimeout != 45*time.Minute {
		t.Fatalf("durations not applied: %v %v", cfg.JobPollInterval, cfg.RuntimeTimeout)
	}
	if len(cfg.ExcludeApps) != 2 || cfg.MinFreeBytes != 1024 || cfg.JobMaxPolls != 7 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if !cfg.EnvOverrides["APPSNAP_STREAM_SNAPSHOTS"] {
		t.Fatal("expected override to be recorded")
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"APPSNAP_STREAM_SNAPSHOTS":  "maybe",
		"APPSNAP_JOB_POLL_INTERVAL": "soon",
		"APPSNAP_JOB_MAX_POLLS":     "x",
		"APPSNAP_MIN_FREE_BYTES":    "-1",
	} {
		cfg := Default()
		if err := cfg.applyEnv(mapLookup(map[string]string{key: value})); err == nil {
			t.Fatalf("applyEnv(%s=%s) expected error", key, value)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() default error = %v", err)
	}

	cfg.MiddlewareURL = "wss://nas.local/websocket"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected remote middleware without api key to fail")
	}
	cfg.APIKey = "1-abc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cfg.MiddlewareURL = "http://nas.local"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unsupported scheme to fail")
	}

	cfg = Default()
	cfg.PodTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero pod timeout to fail")
	}
}

func TestExcluded(t *testing.T) {
	cfg := Default()
	cfg.ExcludeApps = []string{"test-*", "scratch"}
	if !cfg.Excluded("test-nginx") || !cfg.Excluded("scratch") {
		t.Fatal("expected matches")
	}
	if cfg.Excluded("grafana") {
		t.Fatal("grafana should not be excluded")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "secret"
	if got := cfg.Redacted().APIKey; got != sensitiveMask {
		t.Fatalf("Redacted().APIKey = %q", got)
	}
	if cfg.APIKey != "secret" {
		t.Fatal("Redacted must not mutate the receiver")
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "appsnap.env")
	if err := os.WriteFile(envFile, []byte("APPSNAP_MAX_STREAM_SIZE=512M\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APPSNAP_ENV_FILE", envFile)
	t.Chdir(dir)
	t.Cleanup(func() { os.Unsetenv("APPSNAP_MAX_STREAM_SIZE") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxStreamSize != "512M" {
		t.Fatalf("MaxStreamSize = %q, want 512M", cfg.MaxStreamSize)
	}
}
