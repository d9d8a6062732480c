// Package config loads the agent configuration from agent.yaml with AGENT_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/envcfg"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/policy"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "agent.yaml"

type Config struct {
	MerchantURL          string `yaml:"merchant_url" mapstructure:"merchant_url" validate:"required,url"`
	GuardianURL          string `yaml:"guardian_url" mapstructure:"guardian_url" validate:"omitempty,url"`
	RPCURL               string `yaml:"rpc_url" mapstructure:"rpc_url" validate:"omitempty,url"`
	ChainID              int64  `yaml:"chain_id" mapstructure:"chain_id" validate:"gt=0"`
	TokenDecimals        int32  `yaml:"token_decimals" mapstructure:"token_decimals" validate:"gte=0,lte=36"`
	Owner                string `yaml:"owner" mapstructure:"owner" validate:"omitempty,eth_addr"`
	TrustedMerchant      string `yaml:"trusted_merchant" mapstructure:"trusted_merchant" validate:"omitempty,eth_addr"`
	PrivateKey           string `yaml:"private_key" mapstructure:"private_key"`
	MerchantConfirmToken string `yaml:"merchant_confirm_token" mapstructure:"merchant_confirm_token"`
	GuardianAdminToken   string `yaml:"guardian_admin_token" mapstructure:"guardian_admin_token"`
	ConfirmAttempts      int    `yaml:"confirm_attempts" mapstructure:"confirm_attempts" validate:"gte=1,lte=20"`

	AllowLocalPolicyFallback bool        `yaml:"allow_local_policy_fallback" mapstructure:"allow_local_policy_fallback"`
	LocalPolicy              LocalPolicy `yaml:"local_policy" mapstructure:"local_policy"`
}

// LocalPolicy is only consulted when the guardian is unreachable and the
// fallback is enabled.
type LocalPolicy struct {
	MaxAmount         string   `yaml:"max_amount" mapstructure:"max_amount"`
	AllowedRecipients []string `yaml:"allowed_recipients" mapstructure:"allowed_recipients"`
	AllowedTokens     []string `yaml:"allowed_tokens" mapstructure:"allowed_tokens"`
	ExpiresAt         int64    `yaml:"expires_at" mapstructure:"expires_at"`
}

func Default() *Config {
	return &Config{
		MerchantURL:     "http://localhost:8090",
		GuardianURL:     "http://localhost:8091",
		RPCURL:          "http://localhost:8545",
		ChainID:         42431,
		TokenDecimals:   6,
		ConfirmAttempts: 5,
		LocalPolicy:     LocalPolicy{AllowedRecipients: []string{}, AllowedTokens: []string{}},
	}
}

// Load reads path (a missing file means defaults) and applies AGENT_*
// overrides, e.g. AGENT_PRIVATE_KEY or AGENT_LOCAL_POLICY_MAX_AMOUNT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := envcfg.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("merchant_url", d.MerchantURL)
	v.SetDefault("guardian_url", d.GuardianURL)
	v.SetDefault("rpc_url", d.RPCURL)
	v.SetDefault("chain_id", d.ChainID)
	v.SetDefault("token_decimals", d.TokenDecimals)
	v.SetDefault("owner", d.Owner)
	v.SetDefault("trusted_merchant", d.TrustedMerchant)
	v.SetDefault("private_key", d.PrivateKey)
	v.SetDefault("merchant_confirm_token", d.MerchantConfirmToken)
	v.SetDefault("guardian_admin_token", d.GuardianAdminToken)
	v.SetDefault("confirm_attempts", d.ConfirmAttempts)
	v.SetDefault("allow_local_policy_fallback", d.AllowLocalPolicyFallback)
	v.SetDefault("local_policy.max_amount", d.LocalPolicy.MaxAmount)
	v.SetDefault("local_policy.allowed_recipients", d.LocalPolicy.AllowedRecipients)
	v.SetDefault("local_policy.allowed_tokens", d.LocalPolicy.AllowedTokens)
	v.SetDefault("local_policy.expires_at", d.LocalPolicy.ExpiresAt)
}

// WriteDefault writes a template config. Existing files are kept unless
// force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	header := []byte("# agentctl configuration. Secrets may instead come from AGENT_PRIVATE_KEY,\n# AGENT_MERCHANT_CONFIRM_TOKEN and AGENT_GUARDIAN_ADMIN_TOKEN.\n")
	return os.WriteFile(path, append(header, data...), 0o600)
}

// Signer returns the agent's transfer key.
func (c *Config) Signer() (*ledger.KeySigner, error) {
	if strings.TrimSpace(c.PrivateKey) == "" {
		return nil, errors.New("private_key is not configured (set AGENT_PRIVATE_KEY)")
	}
	return ledger.NewKeySigner(c.PrivateKey)
}

// OwnerAddress is the configured owner, else the signer's address.
func (c *Config) OwnerAddress() (string, error) {
	if c.Owner != "" {
		return strings.ToLower(c.Owner), nil
	}
	s, err := c.Signer()
	if err != nil {
		return "", fmt.Errorf("owner is not configured and %w", err)
	}
	return s.Address(), nil
}

// FallbackPolicy returns the local policy when the fallback is enabled.
func (c *Config) FallbackPolicy(owner string) *policy.Policy {
	if !c.AllowLocalPolicyFallback {
		return nil
	}
	lp := c.LocalPolicy
	return &policy.Policy{
		Owner:             owner,
		MaxAmount:         lp.MaxAmount,
		AllowedRecipients: lp.AllowedRecipients,
		AllowedTokens:     lp.AllowedTokens,
		ExpiresAt:         lp.ExpiresAt,
	}
}
