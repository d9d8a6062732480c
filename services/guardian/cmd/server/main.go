package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/bootstrap"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/envcfg"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/policy"
	"github.com/AdamBeaudoin/Agent-Checkout/services/guardian/internal/api"
	"github.com/AdamBeaudoin/Agent-Checkout/services/guardian/internal/policies"
	_ "github.com/joho/godotenv/autoload"
)

type config struct {
	Port             string        `env:"SERVICE_PORT" validate:"required,numeric"`
	AdminToken       string        `env:"GUARDIAN_ADMIN_TOKEN" validate:"required,min=16"`
	StateFile        string        `env:"GUARDIAN_STATE_FILE"`
	MaxAmountCeiling string        `env:"GUARDIAN_MAX_AMOUNT_CEILING" validate:"required,numeric,max=78"`
	MaxListSize      int           `env:"GUARDIAN_MAX_LIST_SIZE" validate:"gt=0,lte=1000"`
	MaxHorizon       time.Duration `env:"GUARDIAN_MAX_POLICY_HORIZON" validate:"gt=0"`
	WriteRatePerMin  int           `env:"GUARDIAN_WRITE_RATE_PER_MINUTE" validate:"gt=0"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	RedisURL         string        `env:"REDIS_URL"`
	TrustedProxies   string        `env:"TRUSTED_PROXIES"`
}

func loadConfig() config {
	return config{
		Port:             envcfg.String("SERVICE_PORT", "8091"),
		AdminToken:       envcfg.String("GUARDIAN_ADMIN_TOKEN", ""),
		StateFile:        envcfg.String("GUARDIAN_STATE_FILE", "data/guardian-state.json"),
		MaxAmountCeiling: envcfg.String("GUARDIAN_MAX_AMOUNT_CEILING", policy.DefaultMaxAmountCeiling),
		MaxListSize:      envcfg.Int("GUARDIAN_MAX_LIST_SIZE", policy.DefaultMaxListSize),
		MaxHorizon:       envcfg.Duration("GUARDIAN_MAX_POLICY_HORIZON", policy.DefaultMaxHorizon),
		WriteRatePerMin:  envcfg.Int("GUARDIAN_WRITE_RATE_PER_MINUTE", 20),
		DatabaseURL:      envcfg.String("DATABASE_URL", ""),
		RedisURL:         envcfg.String("REDIS_URL", ""),
		TrustedProxies:   envcfg.String("TRUSTED_PROXIES", ""),
	}
}

func (c config) limits() (policy.Limits, bool) {
	ceiling, ok := new(big.Int).SetString(c.MaxAmountCeiling, 10)
	if !ok || ceiling.Sign() <= 0 {
		return policy.Limits{}, false
	}
	return policy.Limits{MaxAmountCeiling: ceiling, MaxListSize: c.MaxListSize, MaxHorizon: c.MaxHorizon}, true
}

func main() {
	cfg := loadConfig()
	if err := envcfg.Validate(cfg); err != nil {
		log.Fatalf("guardian: %v", err)
	}
	limits, ok := cfg.limits()
	if !ok {
		log.Fatalf("guardian: GUARDIAN_MAX_AMOUNT_CEILING must be a positive integer")
	}
	ctx := context.Background()

	doc, closeState, err := bootstrap.OpenState(ctx, "guardian", cfg.DatabaseURL, cfg.StateFile)
	if err != nil {
		log.Fatalf("guardian: state: %v", err)
	}
	defer closeState()
	svc := policies.New(doc, limits, nil)
	if err := doc.Load(ctx); err != nil {
		log.Fatalf("guardian: %v", err)
	}

	rl, err := bootstrap.OpenLimiters(ctx, cfg.RedisURL, "guardian")
	if err != nil {
		log.Fatalf("guardian: redis: %v", err)
	}
	defer rl.Close()

	h := api.NewHandler(svc, cfg.AdminToken, rl.PerMinute(cfg.WriteRatePerMin), envcfg.CSVSet(cfg.TrustedProxies))
	log.Printf("guardian: listening port=%s policies=%d", cfg.Port, svc.Len())
	if err := http.ListenAndServe(":"+cfg.Port, h.Routes()); err != nil {
		log.Fatalf("guardian: %v", err)
	}
}
