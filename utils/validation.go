package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the base-unit precision of EVM native currencies (wei).
const NativeDecimals int32 = 18

var hexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")

// ValidateAmount parses a decimal amount string and rejects negatives.
func ValidateAmount(amount string) (decimal.Decimal, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount cannot be negative")
	}

	return dec, nil
}

// ValidateAddress checks that address is a 0x-prefixed 20-byte hex string.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return fmt.Errorf("address must start with 0x")
	}
	if len(address) != 42 {
		return fmt.Errorf("address must be 42 characters long")
	}
	if !isHexString(address[2:]) {
		return fmt.Errorf("address must be valid hex")
	}
	return nil
}

// ValidateTransactionHash checks that hash is a 0x-prefixed 32-byte hex string.
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 66 characters long")
	}
	if !isHexString(hash[2:]) {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

// ToBaseUnits converts a decimal amount into integer base units with the
// given precision. Amounts finer than one base unit are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units back to a decimal amount.
func FromBaseUnits(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// FormatAmount renders an amount with a fixed number of places, the way the
// storefront displays totals.
func FormatAmount(amount decimal.Decimal, places int32, symbol string) string {
	s := amount.StringFixed(places)
	if symbol == "" {
		return s
	}
	return s + " " + symbol
}
