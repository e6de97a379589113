package troupe

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "troupe.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "environment: production\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.Live.Provider != "relay" || cfg.Transport.Provider != "ws" || cfg.Store.Driver != "memory" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.DrainTimeout != 10*time.Second {
		t.Fatalf("drain_timeout = %v", cfg.DrainTimeout)
	}
	if cfg.Metrics.SampleRate != 1.0 || cfg.Metrics.Buffer != 2048 {
		t.Fatalf("metrics defaults lost: %+v", cfg.Metrics)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TROUPE_TEST_API_KEY", "sk-secret")
	path := writeConfig(t, `
live:
  provider: relay
  settings:
    url: wss://upstream.example.com/live
    api_key: ${TROUPE_TEST_API_KEY}
store:
  driver: sqlite
  dsn: $TROUPE_TEST_API_KEY.db
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Live.Settings["api_key"] != "sk-secret" {
		t.Fatalf("settings not expanded: %v", cfg.Live.Settings)
	}
	if cfg.Store.DSN != "sk-secret.db" {
		t.Fatalf("struct field not expanded: %q", cfg.Store.DSN)
	}
}

func TestLoadConfigRejectsUnknownProviders(t *testing.T) {
	cases := []string{
		"live:\n  provider: psychic\n",
		"transport:\n  provider: carrier_pigeon\n",
		"store:\n  driver: papyrus\n",
		"stt:\n  provider: lipreading\n",
		"store:\n  driver: sqlite\n", // missing dsn
	}
	for _, content := range cases {
		path := writeConfig(t, content)
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("expected config %q to be rejected", content)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}
