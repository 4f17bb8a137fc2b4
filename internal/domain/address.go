package domain

import (
	"errors"
	"regexp"
	"strings"
)

// accountAddressPattern is the canonical account identity format: a 0x prefix
// followed by 40 hex characters. No other identity format is accepted.
var accountAddressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// ErrInvalidAccountAddress is returned when an account identifier does not
// match the canonical wallet address format.
var ErrInvalidAccountAddress = errors.New("account id is not a valid wallet address")

// NormalizeAddress lower-cases and validates a wallet address. All account
// ids are stored in this canonical form so lookups never miss on case.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	if !accountAddressPattern.MatchString(addr) {
		return "", ErrInvalidAccountAddress
	}
	return addr, nil
}
