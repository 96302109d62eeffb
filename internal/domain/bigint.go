package domain

import (
	"fmt"
	"math/big"
)

// BigInt wraps math/big.Int so that arbitrary-precision integers travel
// through JSON as decimal strings. Token amounts and gas prices overflow
// float64 long before they overflow uint256.
type BigInt struct {
	big.Int
}

// NewBigInt returns a BigInt holding v.
func NewBigInt(v int64) *BigInt {
	b := &BigInt{}
	b.SetInt64(v)
	return b
}

// ParseBigInt parses a base-10 string.
func ParseBigInt(s string) (*BigInt, error) {
	b := &BigInt{}
	if _, ok := b.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid big integer %q", s)
	}
	return b, nil
}

// MarshalJSON encodes the value as a quoted decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted decimal strings and bare numbers.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid big integer %q", s)
	}
	return nil
}
