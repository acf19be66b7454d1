package lnurl

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// hrp is the human readable part of a bech32 LNURL string.
const hrp = "lnurl"

// EncodeURL encodes the given URL as an uppercase bech32 LNURL string.
func EncodeURL(url string) (string, error) {
	data, err := bech32.ConvertBits([]byte(url), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("unable to convert URL bits: %w", err)
	}

	// LNURL strings routinely exceed the 90 character BIP-173 limit,
	// which the bech32 package only enforces on decode.
	encoded, err := bech32.Encode(hrp, data)
	if err != nil {
		return "", fmt.Errorf("unable to bech32 encode URL: %w", err)
	}

	return strings.ToUpper(encoded), nil
}

// DecodeURL does a bech32 decode of an LNURL string back into the URL
// it carries.
func DecodeURL(lnurl string) (string, error) {
	decodedHRP, data, err := bech32.DecodeNoLimit(strings.ToLower(lnurl))
	if err != nil {
		return "", err
	}

	if decodedHRP != hrp {
		return "", fmt.Errorf("incorrect hrp for LNURL, expected "+
			"'%s', got '%s'", hrp, decodedHRP)
	}

	data, err = bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}

	return string(data), nil
}
