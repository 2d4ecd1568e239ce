package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fagent.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
  "owner": {"work_address": "0xWork", "underlying_address": "rOwner"},
  "agents": [{"vault_address": "0xVault", "underlying_address": "rVault"}]
}`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Locks.Driver != "memory" {
		t.Fatalf("drivers must default to memory, got %q/%q", cfg.Storage.Driver, cfg.Locks.Driver)
	}
	if want := filepath.Join(filepath.Dir(path), "chains.yaml"); cfg.Chains.Definitions != want {
		t.Fatalf("chain definitions must resolve next to the config, got %q", cfg.Chains.Definitions)
	}
	if cfg.Proofs.ProofRetryExtraRounds != 2 || cfg.Proofs.QueryWindowSeconds != 86_400 {
		t.Fatalf("unexpected proof defaults: %+v", cfg.Proofs)
	}
	if cfg.Runtime.TickSeconds != 15 || cfg.Runtime.MaxEventRetries != 5 {
		t.Fatalf("unexpected runtime defaults: %+v", cfg.Runtime)
	}
	if cfg.Runtime.LiquidationPreventBIPS != 12_000 {
		t.Fatalf("unexpected liquidation prevention default: %d", cfg.Runtime.LiquidationPreventBIPS)
	}
}

func TestLoadResolvesRelativeChainDefinitions(t *testing.T) {
	path := writeConfigFile(t, `{
  "chains": {"definitions": "meta/chains.yaml"},
  "owner": {"work_address": "0xWork", "underlying_address": "rOwner"},
  "agents": [{"vault_address": "0xVault", "underlying_address": "rVault"}]
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want := filepath.Join(filepath.Dir(path), "meta", "chains.yaml"); cfg.Chains.Definitions != want {
		t.Fatalf("unexpected definitions path: %q", cfg.Chains.Definitions)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing owner", `{"agents": [{"vault_address": "0xVault", "underlying_address": "rVault"}]}`},
		{"no agents", `{"owner": {"work_address": "0xWork", "underlying_address": "rOwner"}}`},
		{"agent without vault", `{
  "owner": {"work_address": "0xWork", "underlying_address": "rOwner"},
  "agents": [{"underlying_address": "rVault"}]
}`},
		{"agent without underlying", `{
  "owner": {"work_address": "0xWork", "underlying_address": "rOwner"},
  "agents": [{"vault_address": "0xVault"}]
}`},
		{"mysql without dsn", `{
  "storage": {"driver": "mysql"},
  "owner": {"work_address": "0xWork", "underlying_address": "rOwner"},
  "agents": [{"vault_address": "0xVault", "underlying_address": "rVault"}]
}`},
		{"redis without address", `{
  "locks": {"driver": "redis"},
  "owner": {"work_address": "0xWork", "underlying_address": "rOwner"},
  "agents": [{"vault_address": "0xVault", "underlying_address": "rVault"}]
}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfigFile(t, tc.content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeConfigFile(t, "{not json")); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}
