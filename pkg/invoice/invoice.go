package invoice

import (
	"encoding/hex"
	"errors"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/canonical"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Version is the wire tag of every invoice this package signs or accepts.
// BuildMessage's field order is bound to it.
const Version = "tempo.invoice.v1"

const (
	MemoBytes            = 32
	MaxDescriptionLength = 500
	MaxReferenceLength   = 128
	MaxLineItems         = 50
	MaxLineItemTitle     = 200
	MaxLineItemTag       = 64
	MaxMetadataKeys      = 32
	MaxMetadataKeyLength = 64
	MaxMetadataString    = 256
)

var (
	amountPattern    = regexp.MustCompile(`^[0-9]{1,78}$`)
	invoiceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	sigPattern       = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

type LineItem struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"`
	Quantity    *int64 `json:"quantity,omitempty"`
	UnitAmount  string `json:"unitAmount,omitempty"`
	TotalAmount string `json:"totalAmount"`
}

type Unsigned struct {
	Version           string         `json:"version"`
	InvoiceID         string         `json:"invoiceId"`
	IssuedAt          int64          `json:"issuedAt"`
	DueAt             int64          `json:"dueAt"`
	ChainID           int64          `json:"chainId"`
	Merchant          string         `json:"merchant"`
	Recipient         string         `json:"recipient"`
	Payer             string         `json:"payer,omitempty"`
	Token             string         `json:"token"`
	Amount            string         `json:"amount"`
	Memo              string         `json:"memo"`
	Description       string         `json:"description"`
	MerchantReference string         `json:"merchantReference,omitempty"`
	Purpose           string         `json:"purpose,omitempty"`
	LineItems         []LineItem     `json:"lineItems,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type Signed struct {
	Unsigned
	MerchantSig string `json:"merchantSig"`
}

// ParseAmount parses a base-unit digit string. Leading zeros are allowed;
// comparisons are by integer value.
func ParseAmount(s string) (*big.Int, bool) {
	if !amountPattern.MatchString(s) {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.BitLen() > 256 {
		return nil, false
	}
	return v, true
}

// DisplayAmount renders base units with the token's decimals, e.g.
// ("285000000", 6) -> "285". Unparseable input is returned unchanged.
func DisplayAmount(amount string, decimals int32) string {
	v, ok := ParseAmount(amount)
	if !ok {
		return amount
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// DeriveMemo right-pads the UTF-8 bytes of invoiceID with zeros to 32 bytes.
// Ids longer than 32 bytes are rejected rather than truncated, so two ids can
// never share a memo.
func DeriveMemo(invoiceID string) (string, error) {
	raw := []byte(invoiceID)
	if len(raw) == 0 {
		return "", apperr.Structural("invalid_invoice_id", "invoiceId is required")
	}
	if len(raw) > MemoBytes {
		return "", apperr.Structural("invoice_id_too_long", "invoiceId must encode to at most 32 bytes").
			With("bytes", len(raw))
	}
	var memo [MemoBytes]byte
	copy(memo[:], raw)
	return "0x" + hex.EncodeToString(memo[:]), nil
}

// BuildMessage returns the newline-joined signing payload. Changing the field
// set or order invalidates every previously issued signature. Free-text
// fields holding control characters are refused.
func BuildMessage(u Unsigned) (string, error) {
	if err := checkFreeText(u); err != nil {
		return "", err
	}
	var items any = []any{}
	if len(u.LineItems) > 0 {
		items = u.LineItems
	}
	var meta any = map[string]any{}
	if len(u.Metadata) > 0 {
		meta = u.Metadata
	}
	itemsJSON, err := canonical.Canonicalize(items)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStructural, "invalid_line_items", err)
	}
	metaJSON, err := canonical.Canonicalize(meta)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStructural, "invalid_metadata", err)
	}
	parts := []string{
		u.Version,
		u.InvoiceID,
		strconv.FormatInt(u.IssuedAt, 10),
		strconv.FormatInt(u.DueAt, 10),
		strconv.FormatInt(u.ChainID, 10),
		strings.ToLower(u.Merchant),
		strings.ToLower(u.Recipient),
		strings.ToLower(u.Payer),
		strings.ToLower(u.Token),
		u.Amount,
		strings.ToLower(u.Memo),
		u.Description,
		u.MerchantReference,
		u.Purpose,
		itemsJSON,
		metaJSON,
	}
	return strings.Join(parts, "\n"), nil
}

// Sign validates u and attaches the merchant's EIP-191 signature over
// BuildMessage(u). The signer must be the invoice's merchant.
func Sign(signer ledger.MessageSigner, u Unsigned) (Signed, error) {
	if signer == nil {
		return Signed{}, errors.New("invoice signer is required")
	}
	u = normalizeUnsigned(u)
	if err := ValidateUnsigned(u); err != nil {
		return Signed{}, err
	}
	if !ledger.SameAddress(signer.Address(), u.Merchant) {
		return Signed{}, apperr.Signature("signer_mismatch", "signing key does not belong to invoice merchant")
	}
	msg, err := BuildMessage(u)
	if err != nil {
		return Signed{}, err
	}
	sig, err := signer.SignMessage(msg)
	if err != nil {
		return Signed{}, err
	}
	return Signed{Unsigned: u, MerchantSig: sig}, nil
}

// Verify reports whether inv.MerchantSig was produced by inv.Merchant over
// the invoice's message. Malformed input yields false.
func Verify(inv Signed) bool {
	if !sigPattern.MatchString(inv.MerchantSig) {
		return false
	}
	msg, err := BuildMessage(inv.Unsigned)
	if err != nil {
		return false
	}
	return ledger.VerifyPersonalSignature(inv.Merchant, msg, inv.MerchantSig)
}

// VerifyFrom is Verify plus a pinned merchant address.
func VerifyFrom(inv Signed, merchant string) bool {
	return ledger.SameAddress(inv.Merchant, merchant) && Verify(inv)
}

func normalizeUnsigned(u Unsigned) Unsigned {
	if u.Version == "" {
		u.Version = Version
	}
	u.Merchant = strings.ToLower(strings.TrimSpace(u.Merchant))
	u.Recipient = strings.ToLower(strings.TrimSpace(u.Recipient))
	u.Payer = strings.ToLower(strings.TrimSpace(u.Payer))
	u.Token = strings.ToLower(strings.TrimSpace(u.Token))
	u.Memo = strings.ToLower(strings.TrimSpace(u.Memo))
	return u
}
