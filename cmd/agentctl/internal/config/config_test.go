package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.MerchantURL != def.MerchantURL || cfg.ChainID != def.ChainID || cfg.ConfirmAttempts != def.ConfirmAttempts {
		t.Fatalf("got %+v, want defaults", cfg)
	}
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := `merchant_url: http://shop.test:8090
chain_id: 7
owner: "0x1111111111111111111111111111111111111111"
allow_local_policy_fallback: true
local_policy:
  max_amount: "500"
  allowed_tokens: ["0x20c0000000000000000000000000000000000001"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_CHAIN_ID", "42431")
	t.Setenv("AGENT_LOCAL_POLICY_MAX_AMOUNT", "900")
	t.Setenv("AGENT_GUARDIAN_ADMIN_TOKEN", "admin-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MerchantURL != "http://shop.test:8090" {
		t.Errorf("merchant_url = %q", cfg.MerchantURL)
	}
	if cfg.ChainID != 42431 {
		t.Errorf("chain_id = %d, want env override", cfg.ChainID)
	}
	if cfg.GuardianAdminToken != "admin-secret" {
		t.Errorf("guardian_admin_token = %q", cfg.GuardianAdminToken)
	}
	if cfg.GuardianURL != Default().GuardianURL {
		t.Errorf("guardian_url = %q, want default", cfg.GuardianURL)
	}

	p := cfg.FallbackPolicy("0x1111111111111111111111111111111111111111")
	if p == nil || p.MaxAmount != "900" || len(p.AllowedTokens) != 1 {
		t.Fatalf("fallback policy = %+v", p)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("owner: not-an-address\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "owner") {
		t.Fatalf("expected owner validation error, got %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.yaml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Fatal("expected an error for an existing file without force")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault force: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load written default: %v", err)
	}
	if cfg.RPCURL != Default().RPCURL || cfg.TokenDecimals != 6 {
		t.Fatalf("round trip lost values: %+v", cfg)
	}
}

func TestOwnerAddressFallsBackToSigner(t *testing.T) {
	cfg := Default()
	if _, err := cfg.OwnerAddress(); err == nil {
		t.Fatal("expected an error with neither owner nor key")
	}
	cfg.PrivateKey = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	owner, err := cfg.OwnerAddress()
	if err != nil || !strings.HasPrefix(owner, "0x") || len(owner) != 42 {
		t.Fatalf("OwnerAddress = %q, %v", owner, err)
	}
	if cfg.FallbackPolicy(owner) != nil {
		t.Fatal("fallback policy returned while disabled")
	}
}
