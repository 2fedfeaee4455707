package utils

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressFormat recognized on-chain address encodings
type AddressFormat string

const (
	AddressFormatUnknown AddressFormat = ""
	AddressFormatEVM     AddressFormat = "evm"
	AddressFormatTron    AddressFormat = "tron"
	AddressFormatBTC     AddressFormat = "btc"
)

// IsTronAddress checks a TRON base58check address (0x41 prefix, 25 bytes)
func IsTronAddress(address string) bool {
	if address == "" || !strings.HasPrefix(address, "T") || len(address) != 34 {
		return false
	}
	payload, ok := decodeBase58Check(address)
	return ok && len(payload) == 21 && payload[0] == 0x41
}

// IsEvmAddress checks a 20 byte hex address, 0x prefix optional
func IsEvmAddress(address string) bool {
	return address != "" && common.IsHexAddress(address)
}

// IsBitcoinAddress accepts base58check P2PKH/P2SH and bech32 segwit addresses
// for mainnet, testnet and regtest
func IsBitcoinAddress(address string) bool {
	if address == "" {
		return false
	}
	if isBech32Address(address) {
		return true
	}
	if len(address) < 26 || len(address) > 35 {
		return false
	}
	payload, ok := decodeBase58Check(address)
	if !ok || len(payload) != 21 {
		return false
	}
	switch payload[0] {
	case 0x00, 0x05, 0x6f, 0xc4:
		return true
	}
	return false
}

// DetectAddressFormat classifies an address, AddressFormatUnknown when nothing matches
func DetectAddressFormat(address string) AddressFormat {
	switch {
	case IsEvmAddress(address):
		return AddressFormatEVM
	case IsTronAddress(address):
		return AddressFormatTron
	case IsBitcoinAddress(address):
		return AddressFormatBTC
	}
	return AddressFormatUnknown
}

// ValidateAddress rejects empty or unrecognized addresses
func ValidateAddress(address string) (AddressFormat, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return AddressFormatUnknown, fmt.Errorf("address is required")
	}
	format := DetectAddressFormat(address)
	if format == AddressFormatUnknown {
		return AddressFormatUnknown, fmt.Errorf("unrecognized address format: %s", address)
	}
	return format, nil
}

// NormalizeAddress lower-cases case-insensitive encodings (EVM hex, bech32)
// and leaves base58 untouched
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if IsEvmAddress(address) {
		if !strings.HasPrefix(strings.ToLower(address), "0x") {
			address = "0x" + address
		}
		return strings.ToLower(address)
	}
	if isBech32Address(address) {
		return strings.ToLower(address)
	}
	return address
}

// AddressesEqual compares two addresses, case-insensitive where the encoding is
func AddressesEqual(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func isBech32Address(address string) bool {
	lower := strings.ToLower(address)
	if lower != address && strings.ToUpper(address) != address {
		return false // mixed case is invalid bech32
	}
	var data string
	switch {
	case strings.HasPrefix(lower, "bc1"):
		data = lower[3:]
	case strings.HasPrefix(lower, "tb1"):
		data = lower[3:]
	case strings.HasPrefix(lower, "bcrt1"):
		data = lower[5:]
	default:
		return false
	}
	if len(data) < 8 || len(data) > 87 {
		return false
	}
	for _, c := range data {
		if !strings.ContainsRune(bech32Charset, c) {
			return false
		}
	}
	return true
}

// decodeBase58Check returns the payload without the 4 byte checksum
func decodeBase58Check(input string) ([]byte, bool) {
	decoded, err := base58Decode(input)
	if err != nil || len(decoded) < 5 {
		return nil, false
	}
	payload, checksum := decoded[:len(decoded)-4], decoded[len(decoded)-4:]
	hash1 := sha256.Sum256(payload)
	hash2 := sha256.Sum256(hash1[:])
	if !bytes.Equal(checksum, hash2[:4]) {
		return nil, false
	}
	return payload, true
}

func base58Decode(input string) ([]byte, error) {
	const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	zeroCount := 0
	for i := 0; i < len(input) && input[i] == '1'; i++ {
		zeroCount++
	}

	num := big.NewInt(0)
	base := big.NewInt(58)
	for i := range input {
		val := strings.IndexByte(alphabet, input[i])
		if val < 0 {
			return nil, fmt.Errorf("invalid base58 character: %c", input[i])
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(val)))
	}

	decoded := num.Bytes()
	return append(make([]byte, zeroCount), decoded...), nil
}
