// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// NanoDecimals is the number of fractional digits native-token and
// tracked-asset minor units are expressed in upstream.
const NanoDecimals = 9

// NanoToReal converts an integer amount in nano-units (10^-9) to a real
// number, e.g. NanoToReal(1500000000) == 1.5.
func NanoToReal(nano int64) float64 {
	f := new(big.Rat).SetFrac(big.NewInt(nano), big.NewInt(1_000_000_000))
	val, _ := f.Float64()
	return val
}

// DecimalStringToReal converts a decimal string expressed in nano-units
// (e.g. "250000000000" meaning 250.0 at 9 decimals) to a real number.
// Returns an error if the string is empty or not a valid base-10 integer.
func DecimalStringToReal(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}
	i := new(big.Int)
	if _, ok := i.SetString(s, 10); !ok {
		return 0, fmt.Errorf("invalid decimal amount: %s", s)
	}
	f := new(big.Rat).SetFrac(i, big.NewInt(1_000_000_000))
	val, _ := f.Float64()
	return val, nil
}
