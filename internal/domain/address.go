package domain

import (
	"strings"

	"github.com/mr-tron/base58"
)

// NormalizeAddress brings a wallet address to its canonical comparable form.
// Base58-encoded addresses are decoded and re-encoded to strip alternative
// representations; anything else is compared case-insensitively.
func NormalizeAddress(address string) string {
	if raw, err := base58.Decode(address); err == nil && len(raw) == 32 {
		return base58.Encode(raw)
	}
	return strings.ToLower(address)
}

// AddressesEqual reports whether two addresses identify the same account,
// regardless of representation.
func AddressesEqual(a, b string) bool {
	if a == b {
		return true
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}
