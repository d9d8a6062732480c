package policy

import (
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/invoice"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
)

const (
	DefaultMaxAmountCeiling = "1000000000000"
	DefaultMaxListSize      = 20
	DefaultMaxHorizon       = 90 * 24 * time.Hour
)

// Policy bounds what an agent may pay on the owner's behalf. Empty allow
// lists are unrestricted.
type Policy struct {
	Owner             string   `json:"owner"`
	MaxAmount         string   `json:"maxAmount"`
	AllowedRecipients []string `json:"allowedRecipients"`
	AllowedTokens     []string `json:"allowedTokens"`
	ExpiresAt         int64    `json:"expiresAt"`
	UpdatedAt         int64    `json:"updatedAt"`
}

// Candidate is a policy write before validation.
type Candidate struct {
	MaxAmount         string
	AllowedRecipients []string
	AllowedTokens     []string
	ExpiresAt         int64
}

type Limits struct {
	MaxAmountCeiling *big.Int
	MaxListSize      int
	MaxHorizon       time.Duration
}

func DefaultLimits() Limits {
	ceiling, _ := new(big.Int).SetString(DefaultMaxAmountCeiling, 10)
	return Limits{MaxAmountCeiling: ceiling, MaxListSize: DefaultMaxListSize, MaxHorizon: DefaultMaxHorizon}
}

func NormalizeOwner(owner string) (string, error) {
	norm, ok := ledger.NormalizeAddress(owner)
	if !ok {
		return "", apperr.Validation("invalid_owner", "owner must be a 20-byte hex address")
	}
	return norm, nil
}

// ParseCandidate reads a decoded JSON body (UseNumber) into a Candidate.
// Unknown fields are rejected.
func ParseCandidate(raw any) (Candidate, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Candidate{}, apperr.Validation("invalid_policy", "policy must be a JSON object")
	}
	for k := range m {
		switch k {
		case "maxAmount", "allowedRecipients", "allowedTokens", "expiresAt":
		default:
			return Candidate{}, apperr.Validation("unknown_field", "unknown policy field "+k).With("field", k)
		}
	}
	var c Candidate
	maxAmount, ok := m["maxAmount"].(string)
	if !ok {
		return Candidate{}, apperr.Validation("invalid_max_amount", "maxAmount must be a positive integer string")
	}
	c.MaxAmount = maxAmount
	expiresAt, ok := toInt64(m["expiresAt"])
	if !ok {
		return Candidate{}, apperr.Validation("invalid_expires_at", "expiresAt must be a unix timestamp in seconds")
	}
	c.ExpiresAt = expiresAt
	var err error
	if c.AllowedRecipients, err = stringList(m, "allowedRecipients"); err != nil {
		return Candidate{}, err
	}
	if c.AllowedTokens, err = stringList(m, "allowedTokens"); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// Validate applies the write-time rules to c and returns the policy to
// store, stamped with UpdatedAt = now.
func Validate(owner string, c Candidate, limits Limits, now time.Time) (Policy, error) {
	owner, err := NormalizeOwner(owner)
	if err != nil {
		return Policy{}, err
	}
	maxAmount, ok := invoice.ParseAmount(strings.TrimSpace(c.MaxAmount))
	if !ok || maxAmount.Sign() <= 0 {
		return Policy{}, apperr.Validation("invalid_max_amount", "maxAmount must be a positive integer string")
	}
	if limits.MaxAmountCeiling != nil && maxAmount.Cmp(limits.MaxAmountCeiling) > 0 {
		return Policy{}, apperr.Validation("max_amount_exceeds_ceiling", "maxAmount exceeds the configured ceiling").
			With("ceiling", limits.MaxAmountCeiling.String())
	}
	recipients, err := normalizeList("allowedRecipients", c.AllowedRecipients, limits.MaxListSize)
	if err != nil {
		return Policy{}, err
	}
	tokens, err := normalizeList("allowedTokens", c.AllowedTokens, limits.MaxListSize)
	if err != nil {
		return Policy{}, err
	}
	nowUnix := now.Unix()
	if c.ExpiresAt <= nowUnix {
		return Policy{}, apperr.Validation("expires_in_past", "expiresAt must be in the future")
	}
	if limits.MaxHorizon > 0 && c.ExpiresAt > now.Add(limits.MaxHorizon).Unix() {
		return Policy{}, apperr.Validation("expires_beyond_horizon", "expiresAt is beyond the allowed horizon").
			With("maxHorizonSeconds", int64(limits.MaxHorizon/time.Second))
	}
	return Policy{
		Owner:             owner,
		MaxAmount:         maxAmount.String(),
		AllowedRecipients: recipients,
		AllowedTokens:     tokens,
		ExpiresAt:         c.ExpiresAt,
		UpdatedAt:         nowUnix,
	}, nil
}

// normalizeList lower-cases and de-duplicates addresses, keeping first-seen
// order. The size limit applies after de-duplication.
func normalizeList(field string, in []string, max int) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, v := range in {
		addr, ok := ledger.NormalizeAddress(v)
		if !ok {
			return nil, apperr.Validation("invalid_address", field+" must contain 20-byte hex addresses").
				With("field", field).With("index", i)
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	if max > 0 && len(out) > max {
		return nil, apperr.Validation("list_too_large", field+" exceeds the maximum size").
			With("field", field).With("max", max)
	}
	return out, nil
}

func stringList(m map[string]any, key string) ([]string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, apperr.Validation("invalid_field", key+" must be an array of addresses").With("field", key)
	}
	out := make([]string, 0, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, apperr.Validation("invalid_address", key+" must contain strings").With("field", key).With("index", i)
		}
		out = append(out, s)
	}
	return out, nil
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
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}
