package invoice

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
)

const (
	merchantKey = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	otherKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	tokenAddr   = "0x20c0000000000000000000000000000000000001"
	payerAddr   = "0x1111111111111111111111111111111111111111"
)

func mustSigner(t *testing.T, key string) *ledger.KeySigner {
	t.Helper()
	s, err := ledger.NewKeySigner(key)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	return s
}

func sampleUnsigned(t *testing.T, merchant string) Unsigned {
	t.Helper()
	memo, err := DeriveMemo("inv_test01")
	if err != nil {
		t.Fatalf("DeriveMemo: %v", err)
	}
	qty := int64(2)
	return Unsigned{
		Version:     Version,
		InvoiceID:   "inv_test01",
		IssuedAt:    1700000000,
		DueAt:       1700000900,
		ChainID:     42431,
		Merchant:    merchant,
		Recipient:   merchant,
		Payer:       payerAddr,
		Token:       tokenAddr,
		Amount:      "1500",
		Memo:        memo,
		Description: "Two API credits <bulk>",
		Purpose:     "api-credits",
		LineItems: []LineItem{
			{ID: "sku-1", Title: "API credit", Quantity: &qty, UnitAmount: "500", TotalAmount: "1000"},
			{Title: "Priority fee", TotalAmount: "500"},
		},
		Metadata: map[string]any{"agent": "shopper-7", "attempt": json.Number("1"), "rush": false},
	}
}

func signedFixture(t *testing.T) Signed {
	t.Helper()
	s := mustSigner(t, merchantKey)
	signed, err := Sign(s, sampleUnsigned(t, s.Address()))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return signed
}

func toMap(t *testing.T, inv Signed) map[string]any {
	t.Helper()
	raw, err := json.Marshal(inv)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestDeriveMemo(t *testing.T) {
	memo, err := DeriveMemo("inv_1")
	if err != nil {
		t.Fatalf("DeriveMemo: %v", err)
	}
	want := "0x696e765f31" + strings.Repeat("0", 54)
	if memo != want {
		t.Fatalf("unexpected memo %s", memo)
	}
	if _, err := DeriveMemo(strings.Repeat("a", 32)); err != nil {
		t.Fatalf("expected 32-byte id to be accepted: %v", err)
	}
	_, err = DeriveMemo(strings.Repeat("a", 33))
	if apperr.CodeOf(err) != "invoice_id_too_long" {
		t.Fatalf("expected invoice_id_too_long, got %v", err)
	}
	// 11 runes, 33 bytes.
	_, err = DeriveMemo(strings.Repeat("€", 11))
	if apperr.KindOf(err) != apperr.KindStructural {
		t.Fatalf("expected byte length to be enforced, got %v", err)
	}
}

func TestBuildMessageLayout(t *testing.T) {
	u := sampleUnsigned(t, "0xABCDEF0000000000000000000000000000000001")
	u.LineItems = nil
	u.Metadata = nil
	u.Payer = ""
	u.Purpose = ""
	msg, err := BuildMessage(u)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}
	lines := strings.Split(msg, "\n")
	if len(lines) != 16 {
		t.Fatalf("expected 16 fields, got %d", len(lines))
	}
	want := []string{
		Version, "inv_test01", "1700000000", "1700000900", "42431",
		"0xabcdef0000000000000000000000000000000001",
		"0xabcdef0000000000000000000000000000000001",
		"", tokenAddr, "1500", u.Memo, "Two API credits <bulk>", "", "", "[]", "{}",
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("field %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestSignThenVerify(t *testing.T) {
	inv := signedFixture(t)
	if !Verify(inv) {
		t.Fatal("expected signed invoice to verify")
	}
	if !VerifyFrom(inv, "0x"+strings.ToUpper(inv.Merchant[2:])) {
		t.Fatal("expected pinned merchant to verify")
	}
	if VerifyFrom(inv, payerAddr) {
		t.Fatal("expected pinned mismatch to fail")
	}
}

func TestVerifyDetectsSingleFieldMutation(t *testing.T) {
	base := signedFixture(t)
	other := mustSigner(t, otherKey).Address()
	mutations := map[string]func(*Signed){
		"invoiceId":         func(s *Signed) { s.InvoiceID = "inv_test02" },
		"issuedAt":          func(s *Signed) { s.IssuedAt++ },
		"dueAt":             func(s *Signed) { s.DueAt++ },
		"chainId":           func(s *Signed) { s.ChainID = 1 },
		"merchant":          func(s *Signed) { s.Merchant = other },
		"recipient":         func(s *Signed) { s.Recipient = other },
		"payer":             func(s *Signed) { s.Payer = "" },
		"token":             func(s *Signed) { s.Token = other },
		"amount":            func(s *Signed) { s.Amount = "1501" },
		"memo":              func(s *Signed) { s.Memo = "0x" + strings.Repeat("1", 64) },
		"description":       func(s *Signed) { s.Description += "." },
		"merchantReference": func(s *Signed) { s.MerchantReference = "ref" },
		"purpose":           func(s *Signed) { s.Purpose = "api-credit" },
		"lineItems":         func(s *Signed) { s.LineItems = []LineItem{{Title: "API credit", TotalAmount: "1500"}} },
		"metadata":          func(s *Signed) { s.Metadata = map[string]any{"agent": "shopper-8"} },
		"merchantSig": func(s *Signed) {
			b := []byte(s.MerchantSig)
			if b[10] == 'a' {
				b[10] = 'b'
			} else {
				b[10] = 'a'
			}
			s.MerchantSig = string(b)
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			inv := base
			inv.LineItems = append([]LineItem(nil), base.LineItems...)
			inv.Metadata = map[string]any{}
			for k, v := range base.Metadata {
				inv.Metadata[k] = v
			}
			mutate(&inv)
			if Verify(inv) {
				t.Fatalf("expected mutated %s to fail verification", name)
			}
		})
	}
}

func TestVerifyRejectsTextShiftedAcrossFields(t *testing.T) {
	s := mustSigner(t, merchantKey)
	u := sampleUnsigned(t, s.Address())
	u.Description = "Two API credits\nref-A"
	u.MerchantReference = ""
	if _, err := Sign(s, u); apperr.CodeOf(err) != "control_character" {
		t.Fatalf("expected control_character from Sign, got %v", err)
	}

	// Reproduce the payload a merchant would have signed for
	// description "Two API credits\nref-A" with an empty reference.
	clean := sampleUnsigned(t, s.Address())
	clean.Description = "Two API credits"
	clean.MerchantReference = "REF"
	base, err := BuildMessage(clean)
	if err != nil {
		t.Fatal(err)
	}
	msg := strings.Replace(base, "\nREF\n", "\nref-A\n\n", 1)
	sig, err := s.SignMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	forged := Signed{Unsigned: clean, MerchantSig: sig}
	forged.MerchantReference = "ref-A\n"
	if Verify(forged) {
		t.Fatal("invoice with a newline in merchantReference verified")
	}
	if _, err := BuildMessage(forged.Unsigned); apperr.CodeOf(err) != "control_character" {
		t.Fatalf("expected control_character from BuildMessage, got %v", err)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	inv := signedFixture(t)
	for _, sig := range []string{"", "0x", "not-hex", "0x" + strings.Repeat("zz", 65), "0x" + strings.Repeat("00", 65)} {
		inv.MerchantSig = sig
		if Verify(inv) {
			t.Fatalf("expected %q to fail", sig)
		}
	}
}

func TestSignRejectsForeignMerchant(t *testing.T) {
	s := mustSigner(t, merchantKey)
	u := sampleUnsigned(t, mustSigner(t, otherKey).Address())
	_, err := Sign(s, u)
	if apperr.CodeOf(err) != "signer_mismatch" {
		t.Fatalf("expected signer_mismatch, got %v", err)
	}
}

func TestSignRunsStructuralChecks(t *testing.T) {
	s := mustSigner(t, merchantKey)
	u := sampleUnsigned(t, s.Address())
	u.Amount = "1501"
	_, err := Sign(s, u)
	if apperr.CodeOf(err) != "line_items_sum_mismatch" {
		t.Fatalf("expected line_items_sum_mismatch, got %v", err)
	}
}

func TestParseSignedRoundTripVerifies(t *testing.T) {
	inv := signedFixture(t)
	raw, err := json.Marshal(inv)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseSigned(raw)
	if err != nil {
		t.Fatalf("ParseSigned: %v", err)
	}
	if !Verify(parsed) {
		t.Fatal("expected parsed invoice to verify")
	}
	if parsed.LineItems[0].Quantity == nil || *parsed.LineItems[0].Quantity != 2 {
		t.Fatalf("unexpected quantity %+v", parsed.LineItems[0])
	}
}

func TestValidateStructureRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m map[string]any)
		code   string
	}{
		{"line item sum", func(m map[string]any) {
			m["amount"] = "1500"
			m["lineItems"] = []any{map[string]any{"title": "One", "totalAmount": "1400"}}
		}, "line_items_sum_mismatch"},
		{"due equals issued", func(m map[string]any) {
			m["issuedAt"] = json.Number("1000")
			m["dueAt"] = json.Number("1000")
		}, "due_before_issued"},
		{"missing recipient", func(m map[string]any) { delete(m, "recipient") }, "missing_field"},
		{"bad token", func(m map[string]any) { m["token"] = "0x1234" }, "invalid_address"},
		{"amount not digits", func(m map[string]any) { m["amount"] = "15.00" }, "invalid_amount"},
		{"amount as number", func(m map[string]any) { m["amount"] = json.Number("1500") }, "invalid_field"},
		{"memo format", func(m map[string]any) { m["memo"] = "0x1234" }, "invalid_memo"},
		{"memo mismatch", func(m map[string]any) { m["memo"] = "0x" + strings.Repeat("0", 64) }, "memo_mismatch"},
		{"fractional timestamp", func(m map[string]any) { m["issuedAt"] = json.Number("1.5") }, "invalid_field"},
		{"version", func(m map[string]any) { m["version"] = "tempo.invoice.v0" }, "unsupported_version"},
		{"signature format", func(m map[string]any) { m["merchantSig"] = "0xabc" }, "invalid_signature_format"},
		{"unit times quantity", func(m map[string]any) {
			m["lineItems"] = []any{
				map[string]any{"title": "A", "quantity": json.Number("3"), "unitAmount": "500", "totalAmount": "1000"},
				map[string]any{"title": "B", "totalAmount": "500"},
			}
		}, "line_item_amount_mismatch"},
		{"line item without title", func(m map[string]any) {
			m["lineItems"] = []any{map[string]any{"totalAmount": "1500"}}
		}, "invalid_line_item"},
		{"metadata nested", func(m map[string]any) {
			m["metadata"] = map[string]any{"nested": map[string]any{"a": "b"}}
		}, "invalid_metadata"},
		{"description empty", func(m map[string]any) { m["description"] = "  " }, "invalid_field"},
		{"description newline", func(m map[string]any) { m["description"] = "Two API credits\nref-A" }, "control_character"},
		{"reference newline", func(m map[string]any) { m["merchantReference"] = "ref-A\n" }, "control_character"},
		{"purpose tab", func(m map[string]any) { m["purpose"] = "api\tcredits" }, "control_character"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := toMap(t, signedFixture(t))
			tc.mutate(m)
			_, err := ValidateStructure(m)
			if apperr.KindOf(err) != apperr.KindStructural {
				t.Fatalf("expected structural error, got %v", err)
			}
			if got := apperr.CodeOf(err); got != tc.code {
				t.Fatalf("expected code %s, got %s (%v)", tc.code, got, err)
			}
		})
	}
}

func TestValidateStructureRejectsNonObject(t *testing.T) {
	if _, err := ValidateStructure([]any{"x"}); apperr.CodeOf(err) != "invalid_invoice" {
		t.Fatalf("expected invalid_invoice, got %v", err)
	}
	if _, err := ParseSigned([]byte("{")); apperr.CodeOf(err) != "invalid_json" {
		t.Fatalf("expected invalid_json, got %v", err)
	}
}

func TestParseAmountAndDisplay(t *testing.T) {
	if v, ok := ParseAmount("000285000000"); !ok || v.String() != "285000000" {
		t.Fatalf("unexpected parse %v %v", v, ok)
	}
	for _, bad := range []string{"", "-1", "1e6", " 1", strings.Repeat("9", 79)} {
		if _, ok := ParseAmount(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if got := DisplayAmount("285000000", 6); got != "285" {
		t.Fatalf("unexpected display %s", got)
	}
	if got := DisplayAmount("1", 6); got != "0.000001" {
		t.Fatalf("unexpected display %s", got)
	}
}
