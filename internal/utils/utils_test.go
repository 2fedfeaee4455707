package utils

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectAddressFormat(t *testing.T) {
	cases := map[string]AddressFormat{
		"0x742d35Cc6634C0532925a3b0F26750C66d78EB66": AddressFormatEVM,
		"742d35cc6634c0532925a3b0f26750c66d78eb66":   AddressFormatEVM,
		"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t":         AddressFormatTron,
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa":         AddressFormatBTC,
		"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy":         AddressFormatBTC,
		"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq": AddressFormatBTC,
		"":                                   AddressFormatUnknown,
		"0x1234":                             AddressFormatUnknown,
		"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u": AddressFormatUnknown, // bad checksum
		"hello world":                        AddressFormatUnknown,
	}
	for addr, want := range cases {
		assert.Equal(t, want, DetectAddressFormat(addr), addr)
	}
}

func TestValidateAddress(t *testing.T) {
	_, err := ValidateAddress("   ")
	assert.Error(t, err)

	_, err = ValidateAddress("not-an-address")
	assert.Error(t, err)

	format, err := ValidateAddress("0x742d35Cc6634C0532925a3b0F26750C66d78EB66")
	require.NoError(t, err)
	assert.Equal(t, AddressFormatEVM, format)
}

func TestAddressesEqual(t *testing.T) {
	assert.True(t, AddressesEqual("0x742d35Cc6634C0532925a3b0F26750C66d78EB66", "0x742d35cc6634c0532925a3b0f26750c66d78eb66"))
	assert.True(t, AddressesEqual("BC1QAR0SRRR7XFKVY5L643LYDNW9RE59GTZZWF5MDQ", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"))
	assert.False(t, AddressesEqual("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "1a1zp1ep5qgefi2dmptftl5slmv7divfna"))
}

func TestFormatUnits(t *testing.T) {
	s, err := FormatUnits(big.NewInt(1500000), 6)
	require.NoError(t, err)
	assert.Equal(t, "1.5", s)

	wei, _ := new(big.Int).SetString("1000000000000000000", 10)
	s, err = FormatUnits(wei, 18)
	require.NoError(t, err)
	assert.Equal(t, "1", s)

	_, err = FormatUnits(nil, 18)
	assert.Error(t, err)
	assert.Equal(t, "N/A", FormatUnitsOr(nil, 18, "N/A"))
	assert.Equal(t, "0", FormatUnitsOr(big.NewInt(5), -1, "0"))
}

func TestParseBaseUnits(t *testing.T) {
	v, ok := ParseBaseUnits("0x0de0b6b3a7640000")
	require.True(t, ok)
	assert.Equal(t, "1000000000000000000", v.String())

	v, ok = ParseBaseUnits("12345")
	require.True(t, ok)
	assert.Equal(t, int64(12345), v.Int64())

	_, ok = ParseBaseUnits("")
	assert.False(t, ok)
	_, ok = ParseBaseUnits("12abc")
	assert.False(t, ok)
}
