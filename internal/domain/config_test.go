package domain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if err := ProConfig().Validate(); err != nil {
		t.Errorf("pro config should validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RAILRATE_PORT":             "9090",
		"RAILRATE_TABLES_SOURCE":    "sql",
		"RAILRATE_REFRESH_INTERVAL": "5s",
		"RAILRATE_HOME_COUNTRY":     "at",
		"RAILRATE_ASYNC_WORKER":     "true",
		"RAILRATE_DEBUG":            "true",
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Tables.Source != "sql" || cfg.Tables.RefreshInterval != 5*time.Second {
		t.Errorf("unexpected tables config %+v", cfg.Tables)
	}
	if cfg.Tax.HomeCountry != "AT" {
		t.Errorf("expected home country AT, got %s", cfg.Tax.HomeCountry)
	}
	if !cfg.Rating.AsyncWorker || cfg.Logging.Level != "debug" {
		t.Error("expected async worker and debug logging")
	}

	bad := DefaultConfig()
	if err := bad.ApplyEnv(func(k string) string {
		if k == "RAILRATE_PORT" {
			return "eighty"
		}
		return ""
	}); err == nil {
		t.Error("expected error for a non-numeric port")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "railrate.yaml")
	content := `
server:
  port: 8181
tables:
  source: dir
  dir: ${RAILRATE_TEST_TABLES}
  refresh_interval: 1m
tax:
  home_country: DE
  standard_rate: 0.19
derivations:
  - id: export-wait
    code: "789"
    quantity: "5"
    enabled: true
    logic:
      in: ["123", {var: services}]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("RAILRATE_TEST_TABLES", "/srv/tables")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("expected port 8181, got %d", cfg.Server.Port)
	}
	if cfg.Tables.Dir != "/srv/tables" {
		t.Errorf("expected expanded table dir, got %s", cfg.Tables.Dir)
	}
	if cfg.Tables.RefreshInterval != time.Minute {
		t.Errorf("expected refresh interval 1m, got %s", cfg.Tables.RefreshInterval)
	}
	if len(cfg.Derivations) != 1 || cfg.Derivations[0].Logic == nil {
		t.Fatalf("expected one JSON Logic derivation, got %+v", cfg.Derivations)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"BadPort", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"UnknownSource", func(c *Config) { c.Tables.Source = "s3" }, "unsupported tables.source"},
		{"MissingDir", func(c *Config) { c.Tables.Dir = "" }, "tables.dir"},
		{"NegativeInterval", func(c *Config) { c.Tables.RefreshInterval = -time.Second }, "refresh_interval"},
		{"HomeCountry", func(c *Config) { c.Tax.HomeCountry = "DEU" }, "home_country"},
		{"Rate", func(c *Config) { c.Tax.StandardRate = 1.5 }, "standard_rate"},
		{"DuplicateDerivation", func(c *Config) { c.Derivations = append(c.Derivations, c.Derivations[0]) }, "duplicate id"},
		{"NoCondition", func(c *Config) { c.Derivations[0].When = "" }, "exactly one of when and logic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
