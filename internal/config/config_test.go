package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("default driver: %s", cfg.Database.Driver)
	}
	if cfg.Market.FeeBps != 250 {
		t.Fatalf("default fee bps: %d", cfg.Market.FeeBps)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Fatalf("default addr: %s", cfg.Server.Addr())
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
owner: acme
server:
  port: 9000
market:
  fee_bps: 100
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("REGISTRY_MARKET_FEE_BPS", "500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Owner != "acme" {
		t.Fatalf("owner: %s", cfg.Owner)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port: %d", cfg.Server.Port)
	}
	if cfg.Market.FeeBps != 500 {
		t.Fatalf("env override lost: %d", cfg.Market.FeeBps)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("postgres without dsn must fail")
	}

	cfg = Default()
	cfg.Database.Driver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown driver must fail")
	}

	cfg = Default()
	cfg.Owner = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing owner must fail")
	}
}
