// Package agentpay sequences an agent payment: fetch the invoice, check its
// structure and signature, enforce the owner's delegation policy, transfer,
// then report the transaction back to the merchant.
package agentpay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/checkoutclient"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/invoice"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/policy"
)

type Merchant interface {
	Identity(ctx context.Context) (checkoutclient.MerchantIdentity, error)
	GetInvoice(ctx context.Context, invoiceID string) (checkoutclient.InvoiceView, error)
	ConfirmSettlement(ctx context.Context, invoiceID, txHash string) (checkoutclient.ConfirmResult, error)
}

type Guardian interface {
	GetPolicy(ctx context.Context, owner string) (policy.Policy, error)
}

const (
	PolicySourceGuardian = "guardian"
	PolicySourceLocal    = "local"
)

type Config struct {
	ChainID int64
	// Owner is the address whose delegation policy bounds this agent.
	Owner string
	// Payer is the address the transfer is sent from. Defaults to Owner.
	Payer string
	// TrustedMerchant pins the merchant signer. When empty the address from
	// the merchant's identity endpoint is pinned on first use.
	TrustedMerchant string
	// AllowLocalPolicyFallback permits LocalPolicy when the guardian cannot
	// be reached. A guardian NOT_FOUND never falls back.
	AllowLocalPolicyFallback bool
	LocalPolicy              *policy.Policy
	ConfirmAttempts          int
	ConfirmBaseDelay         time.Duration
	Now                      func() time.Time
}

type Receipt struct {
	InvoiceID    string         `json:"invoiceId"`
	Invoice      invoice.Signed `json:"invoice"`
	TxHash       string         `json:"txHash"`
	Status       string         `json:"status"`
	Matched      bool           `json:"matched"`
	PolicySource string         `json:"policySource"`
	// ConfirmError is set when the transfer was sent but the merchant could
	// not be told about it. The transfer must not be repeated.
	ConfirmError string `json:"confirmError,omitempty"`
}

type Agent struct {
	merchant Merchant
	guardian Guardian
	ledger   ledger.Transferer
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	merchantAddr string
}

func New(merchant Merchant, guardian Guardian, transferer ledger.Transferer, cfg Config) (*Agent, error) {
	if merchant == nil || transferer == nil {
		return nil, errors.New("agentpay: merchant and transferer are required")
	}
	owner, ok := ledger.NormalizeAddress(cfg.Owner)
	if !ok {
		return nil, errors.New("agentpay: owner must be a 20-byte hex address")
	}
	cfg.Owner = owner
	if cfg.Payer == "" {
		cfg.Payer = owner
	} else if cfg.Payer, ok = ledger.NormalizeAddress(cfg.Payer); !ok {
		return nil, errors.New("agentpay: payer must be a 20-byte hex address")
	}
	if cfg.TrustedMerchant != "" {
		if cfg.TrustedMerchant, ok = ledger.NormalizeAddress(cfg.TrustedMerchant); !ok {
			return nil, errors.New("agentpay: trusted merchant must be a 20-byte hex address")
		}
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("agentpay: chain id must be positive")
	}
	if guardian == nil && !cfg.AllowLocalPolicyFallback {
		return nil, errors.New("agentpay: guardian is required unless local policy fallback is allowed")
	}
	if cfg.AllowLocalPolicyFallback && cfg.LocalPolicy == nil {
		return nil, errors.New("agentpay: local policy fallback needs a local policy")
	}
	if cfg.ConfirmAttempts < 1 {
		cfg.ConfirmAttempts = 5
	}
	if cfg.ConfirmBaseDelay <= 0 {
		cfg.ConfirmBaseDelay = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{merchant: merchant, guardian: guardian, ledger: transferer, cfg: cfg, sleep: sleepContext}, nil
}

// Check runs every step short of paying and returns the trusted invoice.
func (a *Agent) Check(ctx context.Context, invoiceID string) (invoice.Signed, string, error) {
	view, err := a.merchant.GetInvoice(ctx, invoiceID)
	if err != nil {
		return invoice.Signed{}, "", err
	}
	inv, err := a.Verify(ctx, view.Invoice)
	if err != nil {
		return invoice.Signed{}, "", err
	}
	if inv.InvoiceID != invoiceID {
		return invoice.Signed{}, "", apperr.Structural("invoice_id_mismatch", "merchant returned a different invoice")
	}
	p, source, err := a.policy(ctx)
	if err != nil {
		return invoice.Signed{}, "", err
	}
	if err := policy.Enforce(inv, p, policy.EnforceContext{ChainID: a.cfg.ChainID, Payer: a.cfg.Payer, Now: a.cfg.Now()}); err != nil {
		log.Printf("agentpay: invoice=%s policy=%s rejected reason=%s", inv.InvoiceID, source, apperr.CodeOf(err))
		return invoice.Signed{}, "", err
	}
	return inv, source, nil
}

// Verify parses raw as a signed invoice and checks that it is signed by the
// trusted merchant, or by the merchant's published identity when no trusted
// address is configured.
func (a *Agent) Verify(ctx context.Context, raw []byte) (invoice.Signed, error) {
	merchant, err := a.merchantAddress(ctx)
	if err != nil {
		return invoice.Signed{}, err
	}
	return VerifyInvoice(raw, merchant)
}

// merchantAddress fetches the merchant identity once and caches it.
func (a *Agent) merchantAddress(ctx context.Context) (string, error) {
	if a.cfg.TrustedMerchant != "" {
		return a.cfg.TrustedMerchant, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.merchantAddr != "" {
		return a.merchantAddr, nil
	}
	id, err := a.merchant.Identity(ctx)
	if err != nil {
		return "", err
	}
	addr, ok := ledger.NormalizeAddress(id.Address)
	if !ok {
		return "", apperr.New(apperr.KindInternal, "invalid_merchant_identity", "merchant identity has no valid address")
	}
	a.merchantAddr = addr
	log.Printf("agentpay: pinned merchant=%s from identity", addr)
	return addr, nil
}

// VerifyInvoice is Verify without an Agent. An empty trustedMerchant accepts
// any merchant whose signature verifies.
func VerifyInvoice(raw []byte, trustedMerchant string) (invoice.Signed, error) {
	inv, err := invoice.ParseSigned(raw)
	if err != nil {
		return invoice.Signed{}, err
	}
	if trustedMerchant != "" && !ledger.SameAddress(inv.Merchant, trustedMerchant) {
		return invoice.Signed{}, apperr.Signature("untrusted_merchant", "invoice is not signed by the trusted merchant")
	}
	if !invoice.Verify(inv) {
		return invoice.Signed{}, apperr.Signature("invalid_signature", "merchant signature does not verify")
	}
	return inv, nil
}

// Pay runs the full flow. Once the transfer is submitted Pay always returns
// a Receipt carrying the tx hash, even if confirmation fails.
func (a *Agent) Pay(ctx context.Context, invoiceID string) (Receipt, error) {
	inv, source, err := a.Check(ctx, invoiceID)
	if err != nil {
		return Receipt{}, err
	}
	amount, _ := invoice.ParseAmount(inv.Amount)
	txHash, err := a.ledger.SendTransfer(ctx, ledger.TransferRequest{
		Token:  inv.Token,
		To:     inv.Recipient,
		Amount: amount,
		Memo:   inv.Memo,
	})
	if err != nil {
		return Receipt{}, err
	}
	log.Printf("agentpay: invoice=%s transfer submitted tx=%s", inv.InvoiceID, txHash)

	rcpt := Receipt{InvoiceID: inv.InvoiceID, Invoice: inv, TxHash: txHash, Status: "submitted", PolicySource: source}
	res, err := a.confirm(ctx, inv.InvoiceID, txHash)
	if err != nil {
		rcpt.ConfirmError = err.Error()
		log.Printf("agentpay: invoice=%s tx=%s confirmation failed: %v", inv.InvoiceID, txHash, err)
		return rcpt, err
	}
	rcpt.Status = res.Status
	rcpt.Matched = res.Matched
	return rcpt, nil
}

// confirm retries retryable failures and unmatched results; the receipt may
// not be visible to the merchant's node yet.
func (a *Agent) confirm(ctx context.Context, invoiceID, txHash string) (checkoutclient.ConfirmResult, error) {
	var (
		res checkoutclient.ConfirmResult
		err error
	)
	for attempt := 1; attempt <= a.cfg.ConfirmAttempts; attempt++ {
		res, err = a.merchant.ConfirmSettlement(ctx, invoiceID, txHash)
		if err == nil && res.Matched {
			return res, nil
		}
		if err != nil && !apperr.Retryable(err) {
			return res, err
		}
		if attempt == a.cfg.ConfirmAttempts {
			break
		}
		if serr := a.sleep(ctx, a.cfg.ConfirmBaseDelay*time.Duration(attempt)); serr != nil {
			return res, serr
		}
	}
	return res, err
}

func (a *Agent) policy(ctx context.Context) (policy.Policy, string, error) {
	if a.guardian != nil {
		p, err := a.guardian.GetPolicy(ctx, a.cfg.Owner)
		if err == nil {
			if !ledger.SameAddress(p.Owner, a.cfg.Owner) {
				return policy.Policy{}, "", apperr.New(apperr.KindInternal, "policy_owner_mismatch", "guardian returned a policy for a different owner")
			}
			return p, PolicySourceGuardian, nil
		}
		if !a.cfg.AllowLocalPolicyFallback || !fallbackAllowed(err) {
			return policy.Policy{}, "", err
		}
		log.Printf("agentpay: guardian unavailable, using local policy: %v", err)
	}
	p := *a.cfg.LocalPolicy
	if p.Owner == "" {
		p.Owner = a.cfg.Owner
	}
	return p, PolicySourceLocal, nil
}

// fallbackAllowed is true for outages only; a guardian that answers with a
// definite result is authoritative.
func fallbackAllowed(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindUnavailable, apperr.KindRateLimited, apperr.KindInternal:
		return true
	default:
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
