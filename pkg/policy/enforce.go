package policy

import (
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/invoice"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
)

// Violation reasons, in evaluation order.
const (
	ReasonChainMismatch       = "chain_mismatch"
	ReasonInvoiceExpired      = "invoice_expired"
	ReasonPolicyExpired       = "policy_expired"
	ReasonPayerMismatch       = "payer_mismatch"
	ReasonAmountExceedsMax    = "amount_exceeds_max"
	ReasonRecipientNotAllowed = "recipient_not_allowed"
	ReasonTokenNotAllowed     = "token_not_allowed"
)

type EnforceContext struct {
	ChainID int64
	// Payer is the address the agent spends from. Defaults to the policy owner.
	Payer string
	Now   time.Time
}

// Enforce checks inv against p and returns a POLICY_VIOLATION error carrying
// the first failing reason. The invoice is assumed structurally valid.
func Enforce(inv invoice.Signed, p Policy, ec EnforceContext) error {
	now := ec.Now.Unix()
	if inv.ChainID != ec.ChainID {
		return violation(ReasonChainMismatch, "invoice is for a different chain").
			With("invoiceChainId", inv.ChainID).With("chainId", ec.ChainID)
	}
	if inv.DueAt < now {
		return violation(ReasonInvoiceExpired, "invoice is past its due time").With("dueAt", inv.DueAt)
	}
	if p.ExpiresAt < now {
		return violation(ReasonPolicyExpired, "delegation policy has expired").With("expiresAt", p.ExpiresAt)
	}
	payer := ec.Payer
	if payer == "" {
		payer = p.Owner
	}
	if inv.Payer != "" && !ledger.SameAddress(inv.Payer, payer) {
		return violation(ReasonPayerMismatch, "invoice is pinned to a different payer")
	}
	amount, ok := invoice.ParseAmount(inv.Amount)
	maxAmount, okMax := invoice.ParseAmount(p.MaxAmount)
	if !ok || !okMax || amount.Cmp(maxAmount) > 0 {
		return violation(ReasonAmountExceedsMax, "invoice amount exceeds policy maxAmount").
			With("amount", inv.Amount).With("maxAmount", p.MaxAmount)
	}
	if len(p.AllowedRecipients) > 0 && !contains(p.AllowedRecipients, inv.Recipient) {
		return violation(ReasonRecipientNotAllowed, "recipient is not in the allow list").With("recipient", inv.Recipient)
	}
	if len(p.AllowedTokens) > 0 && !contains(p.AllowedTokens, inv.Token) {
		return violation(ReasonTokenNotAllowed, "token is not in the allow list").With("token", inv.Token)
	}
	return nil
}

func violation(reason, msg string) *apperr.Error {
	return apperr.Policy(reason, msg)
}

func contains(list []string, addr string) bool {
	for _, v := range list {
		if ledger.SameAddress(v, addr) {
			return true
		}
	}
	return false
}
