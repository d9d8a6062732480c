package settlement

import (
	"strings"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/invoice"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Order binds an issued invoice to its settlement state.
type Order struct {
	Status      Status         `json:"status"`
	Invoice     invoice.Signed `json:"invoice"`
	TxHash      string         `json:"txHash,omitempty"`
	ConfirmedAt int64          `json:"confirmedAt,omitempty"`
}

func NewOrder(inv invoice.Signed) Order {
	return Order{Status: StatusPending, Invoice: inv}
}

// Match returns the first event, in the given order, that pays inv:
// same token contract, recipient, memo and exact amount, and the pinned payer
// when inv.Payer is set. No match is not an error.
func Match(inv invoice.Signed, events []ledger.TransferEvent) (ledger.TransferEvent, bool) {
	want, ok := invoice.ParseAmount(inv.Amount)
	if !ok {
		return ledger.TransferEvent{}, false
	}
	for _, ev := range events {
		if !ledger.SameAddress(ev.ContractAddress, inv.Token) {
			continue
		}
		if !ledger.SameAddress(ev.To, inv.Recipient) {
			continue
		}
		if ev.Amount == nil || ev.Amount.Cmp(want) != 0 {
			continue
		}
		if !strings.EqualFold(ev.Memo, inv.Memo) {
			continue
		}
		if inv.Payer != "" && !ledger.SameAddress(ev.From, inv.Payer) {
			continue
		}
		return ev, true
	}
	return ledger.TransferEvent{}, false
}

// Confirm applies the pending -> confirmed transition. Confirming again with
// the same txHash is a replay that returns the stored order; a different
// txHash is a conflict and o is returned unchanged.
func Confirm(o Order, txHash string, now time.Time) (Order, bool, error) {
	tx, ok := ledger.NormalizeHash32(txHash)
	if !ok {
		return o, false, apperr.Validation("invalid_tx_hash", "txHash must be 0x-prefixed 32-byte hex")
	}
	if o.Status == StatusConfirmed {
		if strings.EqualFold(o.TxHash, tx) {
			return o, true, nil
		}
		return o, false, apperr.Conflict("already_confirmed", "invoice already confirmed with a different transaction").
			With("txHash", o.TxHash)
	}
	o.Status = StatusConfirmed
	o.TxHash = tx
	o.ConfirmedAt = now.Unix()
	return o, false, nil
}

// Precheck reports what Confirm would do without a ledger lookup: replayed
// is true for a same-tx confirmation, err is set for a conflicting one.
func Precheck(o Order, txHash string) (replayed bool, err error) {
	if o.Status != StatusConfirmed {
		return false, nil
	}
	_, replayed, err = Confirm(o, txHash, time.Time{})
	return replayed, err
}
