package ledger

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	hash32Pattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// NormalizeAddress returns the lower-cased 0x form of a 20-byte hex address.
func NormalizeAddress(s string) (string, bool) {
	v := strings.TrimSpace(s)
	if !addressPattern.MatchString(v) || !common.IsHexAddress(v) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(v).Hex()), true
}

func IsAddress(s string) bool {
	_, ok := NormalizeAddress(s)
	return ok
}

// SameAddress compares two addresses case-insensitively. Malformed input never
// matches.
func SameAddress(a, b string) bool {
	na, okA := NormalizeAddress(a)
	nb, okB := NormalizeAddress(b)
	return okA && okB && na == nb
}

// NormalizeHash32 returns the lower-cased 0x form of a 32-byte hex value
// (memos, transaction hashes).
func NormalizeHash32(s string) (string, bool) {
	v := strings.TrimSpace(s)
	if !hash32Pattern.MatchString(v) {
		return "", false
	}
	return strings.ToLower(v), true
}
