// Package model defines domain entities for the application.
package model

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when an identifier is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

// Address is an account, guardian or owner identity on the ledger.
// Always stored in EIP-55 checksummed form.
type Address string

// ZeroAddress is never a valid owner or guardian.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// ParseAddress validates and checksums a hex address.
// The zero address is rejected.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}

	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return "", ErrInvalidAddress
	}

	return Address(addr.Hex()), nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic("model: " + err.Error() + ": " + s)
	}
	return addr
}

// String returns the checksummed form.
func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is empty or the zero address.
func (a Address) IsZero() bool {
	return a == "" || strings.EqualFold(string(a), string(ZeroAddress))
}

// Equal compares two addresses case-insensitively.
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(string(a), string(other))
}
