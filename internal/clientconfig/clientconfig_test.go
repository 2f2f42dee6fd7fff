package clientconfig

import (
	"testing"
)

func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, v := range []string{
		"SYNCULAR_SERVER_URL", "SYNCULAR_PARTITION_ID", "SYNCULAR_PREFETCH",
		"SYNCULAR_AUTH_KEY", "SYNCULAR_PULL", "SYNCULAR_PULL_ON_START",
		"SYNCULAR_PULL_INTERVAL", "SYNCULAR_USE_WAKE",
	} {
		t.Setenv(v, "")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	isolateHome(t)

	cfg := &Config{Sync: SyncConfig{ServerURL: "https://sync.example", PartitionID: "tenant-1"}}
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got.Sync.ServerURL != "https://sync.example" || got.Sync.PartitionID != "tenant-1" {
		t.Fatalf("loaded config = %+v", got.Sync)
	}
}

func TestLoadConfigMissingFileReturnsEmpty(t *testing.T) {
	isolateHome(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Sync.ServerURL != "" {
		t.Fatalf("expected empty config, got %+v", cfg.Sync)
	}
}

func TestGetServerURLPriority(t *testing.T) {
	isolateHome(t)

	if got := GetServerURL(); got != defaultServerURL {
		t.Fatalf("server url = %q, want default %q", got, defaultServerURL)
	}

	SaveConfig(&Config{Sync: SyncConfig{ServerURL: "https://from-file.example"}})
	if got := GetServerURL(); got != "https://from-file.example" {
		t.Fatalf("server url = %q, want file value", got)
	}

	t.Setenv("SYNCULAR_SERVER_URL", "https://from-env.example")
	if got := GetServerURL(); got != "https://from-env.example" {
		t.Fatalf("server url = %q, want env to win over file", got)
	}
}

func TestGetPrefetchDefaultAndOverride(t *testing.T) {
	isolateHome(t)

	if got := GetPrefetch(); got != 4 {
		t.Fatalf("prefetch = %d, want default 4", got)
	}

	t.Setenv("SYNCULAR_PREFETCH", "8")
	if got := GetPrefetch(); got != 8 {
		t.Fatalf("prefetch = %d, want 8 from env", got)
	}
}

func TestAuthRoundTripAndClear(t *testing.T) {
	isolateHome(t)

	if IsAuthenticated() {
		t.Fatal("expected not authenticated before any credentials are saved")
	}

	creds := &AuthCredentials{APIKey: "key-123", ClientID: "dev-1"}
	if err := SaveAuth(creds); err != nil {
		t.Fatalf("save auth: %v", err)
	}

	if got := GetAPIKey(); got != "key-123" {
		t.Fatalf("api key = %q, want key-123", got)
	}
	if !IsAuthenticated() {
		t.Fatal("expected authenticated after saving credentials")
	}

	if err := ClearAuth(); err != nil {
		t.Fatalf("clear auth: %v", err)
	}
	if IsAuthenticated() {
		t.Fatal("expected not authenticated after clearing credentials")
	}
}

func TestGetAPIKeyEnvOverridesFile(t *testing.T) {
	isolateHome(t)
	SaveAuth(&AuthCredentials{APIKey: "file-key"})
	t.Setenv("SYNCULAR_AUTH_KEY", "env-key")

	if got := GetAPIKey(); got != "env-key" {
		t.Fatalf("api key = %q, want env to win over file", got)
	}
}

func TestGetDeviceIDPersistsOncePresentInAuthFile(t *testing.T) {
	isolateHome(t)
	SaveAuth(&AuthCredentials{APIKey: "k", DeviceID: "fixed-device-id"})

	id, err := GetDeviceID()
	if err != nil {
		t.Fatalf("get device id: %v", err)
	}
	if id != "fixed-device-id" {
		t.Fatalf("device id = %q, want fixed-device-id", id)
	}
}

func TestGetDeviceIDGeneratesWhenAbsent(t *testing.T) {
	isolateHome(t)

	id, err := GetDeviceID()
	if err != nil {
		t.Fatalf("get device id: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("device id = %q, want 32 hex chars", id)
	}
}

func TestPullSettingsDefaultsAndOverrides(t *testing.T) {
	isolateHome(t)

	if !GetPullEnabled() || !GetPullOnStart() || !GetUseWake() {
		t.Fatal("expected pull enabled, on-start, and use-wake to default true")
	}
	if got := GetPullInterval(); got.String() != "5s" {
		t.Fatalf("pull interval = %v, want 5s", got)
	}

	t.Setenv("SYNCULAR_PULL", "false")
	if GetPullEnabled() {
		t.Fatal("expected SYNCULAR_PULL=false to disable pull")
	}

	t.Setenv("SYNCULAR_PULL_INTERVAL", "30s")
	if got := GetPullInterval(); got.String() != "30s" {
		t.Fatalf("pull interval = %v, want 30s from env", got)
	}
}
