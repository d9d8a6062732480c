package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/bootstrap"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/envcfg"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
	"github.com/AdamBeaudoin/Agent-Checkout/services/merchant/internal/api"
	"github.com/AdamBeaudoin/Agent-Checkout/services/merchant/internal/orders"
	_ "github.com/joho/godotenv/autoload"
)

type config struct {
	Port              string        `env:"SERVICE_PORT" validate:"required,numeric"`
	PrivateKey        string        `env:"MERCHANT_PRIVATE_KEY" validate:"required"`
	ConfirmToken      string        `env:"MERCHANT_CONFIRM_TOKEN" validate:"required,min=16"`
	ChainID           int64         `env:"MERCHANT_CHAIN_ID" validate:"required,gt=0"`
	TokenAddress      string        `env:"MERCHANT_TOKEN_ADDRESS" validate:"required,eth_addr"`
	Recipient         string        `env:"MERCHANT_RECIPIENT" validate:"omitempty,eth_addr"`
	TokenDecimals     int           `env:"MERCHANT_TOKEN_DECIMALS" validate:"gte=0,lte=36"`
	InvoiceTTL        time.Duration `env:"MERCHANT_INVOICE_TTL" validate:"gt=0"`
	MaxInvoiceTTL     time.Duration `env:"MERCHANT_MAX_INVOICE_TTL" validate:"gtefield=InvoiceTTL"`
	RPCURL            string        `env:"LEDGER_RPC_URL" validate:"required,url"`
	LedgerTimeout     time.Duration `env:"MERCHANT_LEDGER_TIMEOUT" validate:"gt=0"`
	StateFile         string        `env:"MERCHANT_STATE_FILE"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	RedisURL          string        `env:"REDIS_URL"`
	CreateRatePerMin  int           `env:"MERCHANT_CREATE_RATE_PER_MINUTE" validate:"gt=0"`
	ConfirmRatePerMin int           `env:"MERCHANT_CONFIRM_RATE_PER_MINUTE" validate:"gt=0"`
	TrustedProxies    string        `env:"TRUSTED_PROXIES"`
}

func loadConfig() config {
	return config{
		Port:              envcfg.String("SERVICE_PORT", "8090"),
		PrivateKey:        envcfg.String("MERCHANT_PRIVATE_KEY", ""),
		ConfirmToken:      envcfg.String("MERCHANT_CONFIRM_TOKEN", ""),
		ChainID:           envcfg.Int64("MERCHANT_CHAIN_ID", 0),
		TokenAddress:      envcfg.String("MERCHANT_TOKEN_ADDRESS", ""),
		Recipient:         envcfg.String("MERCHANT_RECIPIENT", ""),
		TokenDecimals:     envcfg.Int("MERCHANT_TOKEN_DECIMALS", 6),
		InvoiceTTL:        envcfg.Duration("MERCHANT_INVOICE_TTL", 15*time.Minute),
		MaxInvoiceTTL:     envcfg.Duration("MERCHANT_MAX_INVOICE_TTL", 24*time.Hour),
		RPCURL:            envcfg.String("LEDGER_RPC_URL", ""),
		LedgerTimeout:     envcfg.Duration("MERCHANT_LEDGER_TIMEOUT", 15*time.Second),
		StateFile:         envcfg.String("MERCHANT_STATE_FILE", "data/merchant-state.json"),
		DatabaseURL:       envcfg.String("DATABASE_URL", ""),
		RedisURL:          envcfg.String("REDIS_URL", ""),
		CreateRatePerMin:  envcfg.Int("MERCHANT_CREATE_RATE_PER_MINUTE", 30),
		ConfirmRatePerMin: envcfg.Int("MERCHANT_CONFIRM_RATE_PER_MINUTE", 60),
		TrustedProxies:    envcfg.String("TRUSTED_PROXIES", ""),
	}
}

func main() {
	cfg := loadConfig()
	if err := envcfg.Validate(cfg); err != nil {
		log.Fatalf("merchant: %v", err)
	}
	ctx := context.Background()

	signer, err := ledger.NewKeySigner(cfg.PrivateKey)
	if err != nil {
		log.Fatalf("merchant: MERCHANT_PRIVATE_KEY: %v", err)
	}
	client, err := ledger.Dial(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		log.Fatalf("merchant: ledger: %v", err)
	}

	doc, closeState, err := bootstrap.OpenState(ctx, "merchant", cfg.DatabaseURL, cfg.StateFile)
	if err != nil {
		log.Fatalf("merchant: state: %v", err)
	}
	defer closeState()

	svc, err := orders.New(doc, signer, client, orders.Config{
		ChainID:       cfg.ChainID,
		Token:         cfg.TokenAddress,
		Recipient:     cfg.Recipient,
		TokenDecimals: int32(cfg.TokenDecimals),
		InvoiceTTL:    cfg.InvoiceTTL,
		MaxInvoiceTTL: cfg.MaxInvoiceTTL,
		LedgerTimeout: cfg.LedgerTimeout,
	}, nil)
	if err != nil {
		log.Fatalf("merchant: %v", err)
	}
	if err := doc.Load(ctx); err != nil {
		log.Fatalf("merchant: %v", err)
	}

	limits, err := bootstrap.OpenLimiters(ctx, cfg.RedisURL, "merchant")
	if err != nil {
		log.Fatalf("merchant: redis: %v", err)
	}
	defer limits.Close()

	h := api.NewHandler(svc, cfg.ConfirmToken,
		limits.PerMinute(cfg.CreateRatePerMin),
		limits.PerMinute(cfg.ConfirmRatePerMin),
		envcfg.CSVSet(cfg.TrustedProxies))
	log.Printf("merchant: listening port=%s address=%s chain=%d", cfg.Port, signer.Address(), cfg.ChainID)
	if err := http.ListenAndServe(":"+cfg.Port, h.Routes()); err != nil {
		log.Fatalf("merchant: %v", err)
	}
}
