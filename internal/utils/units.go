package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatUnits renders a base-unit integer with the given decimal precision
func FormatUnits(value *big.Int, decimals int32) (string, error) {
	if value == nil {
		return "", fmt.Errorf("nil value")
	}
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals %d", decimals)
	}
	return decimal.NewFromBigInt(value, -decimals).String(), nil
}

// FormatUnitsOr is FormatUnits with a fallback for values that fail to format
func FormatUnitsOr(value *big.Int, decimals int32, fallback string) string {
	s, err := FormatUnits(value, decimals)
	if err != nil {
		return fallback
	}
	return s
}

// ParseBaseUnits parses a decimal or 0x-hex integer string
func ParseBaseUnits(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return new(big.Int).SetString(raw[2:], 16)
	}
	return new(big.Int).SetString(raw, 10)
}
