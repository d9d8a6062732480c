package invoice

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
)

// ParseSigned decodes raw JSON and runs it through ValidateStructure.
func ParseSigned(raw []byte) (Signed, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var candidate any
	if err := dec.Decode(&candidate); err != nil {
		return Signed{}, apperr.Wrap(apperr.KindStructural, "invalid_json", err)
	}
	return ValidateStructure(candidate)
}

// ValidateStructure is the gate for untrusted invoice payloads, typically the
// result of decoding JSON with UseNumber. It checks presence, types and
// formats of every field plus the amount invariants. It does not check the
// signature; callers follow it with Verify.
func ValidateStructure(candidate any) (Signed, error) {
	m, ok := candidate.(map[string]any)
	if !ok {
		return Signed{}, apperr.Structural("invalid_invoice", "invoice must be a JSON object")
	}
	var (
		u   Unsigned
		err error
	)
	if u.Version, err = stringField(m, "version", true); err != nil {
		return Signed{}, err
	}
	if u.InvoiceID, err = stringField(m, "invoiceId", true); err != nil {
		return Signed{}, err
	}
	if u.IssuedAt, _, err = intField(m, "issuedAt", true); err != nil {
		return Signed{}, err
	}
	if u.DueAt, _, err = intField(m, "dueAt", true); err != nil {
		return Signed{}, err
	}
	if u.ChainID, _, err = intField(m, "chainId", true); err != nil {
		return Signed{}, err
	}
	addrs := []struct {
		name     string
		dst      *string
		required bool
	}{
		{"merchant", &u.Merchant, true},
		{"recipient", &u.Recipient, true},
		{"payer", &u.Payer, false},
		{"token", &u.Token, true},
	}
	for _, a := range addrs {
		if *a.dst, err = addressField(m, a.name, a.required); err != nil {
			return Signed{}, err
		}
	}
	if u.Amount, err = stringField(m, "amount", true); err != nil {
		return Signed{}, err
	}
	if u.Memo, err = stringField(m, "memo", true); err != nil {
		return Signed{}, err
	}
	u.Memo = strings.ToLower(u.Memo)
	if u.Description, err = stringField(m, "description", true); err != nil {
		return Signed{}, err
	}
	if u.MerchantReference, err = stringField(m, "merchantReference", false); err != nil {
		return Signed{}, err
	}
	if u.Purpose, err = stringField(m, "purpose", false); err != nil {
		return Signed{}, err
	}
	if u.LineItems, err = lineItemsField(m); err != nil {
		return Signed{}, err
	}
	if u.Metadata, err = metadataField(m); err != nil {
		return Signed{}, err
	}
	sig, err := stringField(m, "merchantSig", true)
	if err != nil {
		return Signed{}, err
	}
	if !sigPattern.MatchString(sig) {
		return Signed{}, apperr.Structural("invalid_signature_format", "merchantSig must be 0x-prefixed 65-byte hex")
	}
	if err := ValidateUnsigned(u); err != nil {
		return Signed{}, err
	}
	return Signed{Unsigned: u, MerchantSig: sig}, nil
}

// ValidateUnsigned enforces the invariants of a typed invoice. Sign runs it
// before signing and ValidateStructure after extracting fields.
func ValidateUnsigned(u Unsigned) error {
	if u.Version != Version {
		return apperr.Structural("unsupported_version", "unsupported invoice version").With("version", u.Version)
	}
	if !invoiceIDPattern.MatchString(u.InvoiceID) {
		if len(u.InvoiceID) > MemoBytes {
			return apperr.Structural("invoice_id_too_long", "invoiceId must encode to at most 32 bytes")
		}
		return apperr.Structural("invalid_invoice_id", "invoiceId must be 1-32 characters of [A-Za-z0-9_-]")
	}
	if u.IssuedAt <= 0 {
		return invalidField("issuedAt", "issuedAt must be a positive unix timestamp")
	}
	if u.DueAt <= u.IssuedAt {
		return apperr.Structural("due_before_issued", "dueAt must be after issuedAt")
	}
	if u.ChainID <= 0 {
		return apperr.Structural("invalid_chain_id", "chainId must be a positive integer")
	}
	for _, f := range [...]struct{ name, value string }{
		{"merchant", u.Merchant},
		{"recipient", u.Recipient},
		{"token", u.Token},
	} {
		if !ledger.IsAddress(f.value) {
			return invalidAddress(f.name)
		}
	}
	if u.Payer != "" && !ledger.IsAddress(u.Payer) {
		return invalidAddress("payer")
	}
	total, ok := ParseAmount(u.Amount)
	if !ok {
		return apperr.Structural("invalid_amount", "amount must be a base-unit digit string").With("field", "amount")
	}
	memo, ok := ledger.NormalizeHash32(u.Memo)
	if !ok {
		return apperr.Structural("invalid_memo", "memo must be 0x-prefixed 32-byte hex")
	}
	want, err := DeriveMemo(u.InvoiceID)
	if err != nil {
		return err
	}
	if memo != want {
		return apperr.Structural("memo_mismatch", "memo does not derive from invoiceId")
	}
	desc := strings.TrimSpace(u.Description)
	if desc == "" || utf8.RuneCountInString(u.Description) > MaxDescriptionLength {
		return invalidField("description", "description must be 1-500 characters")
	}
	if utf8.RuneCountInString(u.MerchantReference) > MaxReferenceLength {
		return invalidField("merchantReference", "merchantReference must be at most 128 characters")
	}
	if utf8.RuneCountInString(u.Purpose) > MaxReferenceLength {
		return invalidField("purpose", "purpose must be at most 128 characters")
	}
	if err := checkFreeText(u); err != nil {
		return err
	}
	if err := checkLineItems(u.LineItems, total); err != nil {
		return err
	}
	return checkMetadata(u.Metadata)
}

// checkFreeText rejects control characters in the free-text fields that
// BuildMessage joins with newlines, so text cannot move between them.
func checkFreeText(u Unsigned) error {
	for _, f := range [...]struct{ name, value string }{
		{"description", u.Description},
		{"merchantReference", u.MerchantReference},
		{"purpose", u.Purpose},
	} {
		if strings.IndexFunc(f.value, unicode.IsControl) >= 0 {
			return apperr.Structural("control_character", f.name+" must not contain control characters").With("field", f.name)
		}
	}
	return nil
}

func checkLineItems(items []LineItem, total *big.Int) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxLineItems {
		return apperr.Structural("too_many_line_items", "at most 50 line items are allowed")
	}
	sum := new(big.Int)
	for i, item := range items {
		bad := func(field, msg string) error {
			return apperr.Structural("invalid_line_item", msg).With("index", i).With("field", field)
		}
		if strings.TrimSpace(item.Title) == "" || utf8.RuneCountInString(item.Title) > MaxLineItemTitle {
			return bad("title", "line item title must be 1-200 characters")
		}
		if utf8.RuneCountInString(item.ID) > MaxLineItemTag {
			return bad("id", "line item id must be at most 64 characters")
		}
		if utf8.RuneCountInString(item.Category) > MaxLineItemTag {
			return bad("category", "line item category must be at most 64 characters")
		}
		if item.Quantity != nil && *item.Quantity <= 0 {
			return bad("quantity", "line item quantity must be a positive integer")
		}
		itemTotal, ok := ParseAmount(item.TotalAmount)
		if !ok {
			return bad("totalAmount", "line item totalAmount must be a base-unit digit string")
		}
		if item.UnitAmount != "" {
			unit, ok := ParseAmount(item.UnitAmount)
			if !ok {
				return bad("unitAmount", "line item unitAmount must be a base-unit digit string")
			}
			if item.Quantity != nil {
				product := new(big.Int).Mul(unit, big.NewInt(*item.Quantity))
				if product.Cmp(itemTotal) != 0 {
					return apperr.Structural("line_item_amount_mismatch", "unitAmount * quantity must equal totalAmount").
						With("index", i)
				}
			}
		}
		sum.Add(sum, itemTotal)
	}
	if sum.Cmp(total) != 0 {
		return apperr.Structural("line_items_sum_mismatch", "line item totals must sum to amount").
			With("amount", total.String()).
			With("lineItemsTotal", sum.String())
	}
	return nil
}

func checkMetadata(meta map[string]any) error {
	if len(meta) > MaxMetadataKeys {
		return apperr.Structural("invalid_metadata", "metadata allows at most 32 keys")
	}
	for k, v := range meta {
		if k == "" || utf8.RuneCountInString(k) > MaxMetadataKeyLength {
			return apperr.Structural("invalid_metadata", "metadata keys must be 1-64 characters").With("key", k)
		}
		if !metadataScalar(v) {
			return apperr.Structural("invalid_metadata", "metadata values must be short strings, numbers, booleans or null").
				With("key", k)
		}
	}
	return nil
}

func metadataScalar(v any) bool {
	switch x := v.(type) {
	case nil, bool, json.Number, int, int64:
		return true
	case float64:
		return !math.IsNaN(x) && !math.IsInf(x, 0)
	case string:
		return utf8.RuneCountInString(x) <= MaxMetadataString
	default:
		return false
	}
}

func invalidField(field, msg string) error {
	return apperr.Structural("invalid_field", msg).With("field", field)
}

func invalidAddress(field string) error {
	return apperr.Structural("invalid_address", field+" must be a 20-byte hex address").With("field", field)
}

func stringField(m map[string]any, key string, required bool) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		if required {
			return "", apperr.Structural("missing_field", key+" is required").With("field", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", invalidField(key, key+" must be a string")
	}
	return s, nil
}

func addressField(m map[string]any, key string, required bool) (string, error) {
	s, err := stringField(m, key, required)
	if err != nil || s == "" {
		return s, err
	}
	norm, ok := ledger.NormalizeAddress(s)
	if !ok {
		return "", invalidAddress(key)
	}
	return norm, nil
}

func intField(m map[string]any, key string, required bool) (int64, bool, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		if required {
			return 0, false, apperr.Structural("missing_field", key+" is required").With("field", key)
		}
		return 0, false, nil
	}
	v, ok := toInt64(raw)
	if !ok {
		return 0, false, invalidField(key, key+" must be an integer")
	}
	return v, true, nil
}

func toInt64(raw any) (int64, bool) {
	switch x := raw.(type) {
	case json.Number:
		v, err := strconv.ParseInt(x.String(), 10, 64)
		return v, err == nil
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > 1<<53 {
			return 0, false
		}
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	default:
		return 0, false
	}
}

func lineItemsField(m map[string]any) ([]LineItem, error) {
	raw, ok := m["lineItems"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, invalidField("lineItems", "lineItems must be an array")
	}
	if len(list) > MaxLineItems {
		return nil, apperr.Structural("too_many_line_items", "at most 50 line items are allowed")
	}
	items := make([]LineItem, 0, len(list))
	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, apperr.Structural("invalid_line_item", "line item must be an object").With("index", i)
		}
		var item LineItem
		var err error
		if item.ID, err = stringField(obj, "id", false); err != nil {
			return nil, lineItemErr(err, i)
		}
		if item.Title, err = stringField(obj, "title", true); err != nil {
			return nil, lineItemErr(err, i)
		}
		if item.Category, err = stringField(obj, "category", false); err != nil {
			return nil, lineItemErr(err, i)
		}
		if item.UnitAmount, err = stringField(obj, "unitAmount", false); err != nil {
			return nil, lineItemErr(err, i)
		}
		if item.TotalAmount, err = stringField(obj, "totalAmount", true); err != nil {
			return nil, lineItemErr(err, i)
		}
		qty, present, err := intField(obj, "quantity", false)
		if err != nil {
			return nil, lineItemErr(err, i)
		}
		if present {
			item.Quantity = &qty
		}
		items = append(items, item)
	}
	return items, nil
}

func lineItemErr(err error, index int) error {
	if e, ok := apperr.As(err); ok {
		e.Code = "invalid_line_item"
		return e.With("index", index)
	}
	return err
}

func metadataField(m map[string]any) (map[string]any, error) {
	raw, ok := m["metadata"]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, apperr.Structural("invalid_metadata", "metadata must be an object")
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out, nil
}
