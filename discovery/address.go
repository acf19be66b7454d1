package discovery

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cespare/xxhash/v2"
)

// Address is the stable identifier of a backend: either the hex encoded
// 33-byte compressed secp256k1 node public key for Lightning-native
// addressing, or an absolute URL for remote HTTP backends. Exactly one
// field is set.
type Address struct {
	// PublicKey is the hex encoded compressed node public key.
	PublicKey string `json:"publicKey,omitempty"`

	// URL is the endpoint of a remote HTTP backend.
	URL string `json:"url,omitempty"`
}

// NewPublicKeyAddress creates an address from a hex encoded compressed
// public key.
func NewPublicKeyAddress(pubKeyHex string) (Address, error) {
	addr := Address{PublicKey: strings.ToLower(pubKeyHex)}
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}

	return addr, nil
}

// NewURLAddress creates an address from an absolute URL.
func NewURLAddress(rawURL string) (Address, error) {
	addr := Address{URL: rawURL}
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}

	return addr, nil
}

// Validate checks that exactly one address form is set and that it is
// well formed.
func (a Address) Validate() error {
	switch {
	case a.PublicKey != "" && a.URL != "":
		return fmt.Errorf("address has both a public key and a URL")

	case a.PublicKey != "":
		raw, err := hex.DecodeString(a.PublicKey)
		if err != nil {
			return fmt.Errorf("invalid public key hex: %w", err)
		}
		if _, err := btcec.ParsePubKey(raw); err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}

		return nil

	case a.URL != "":
		parsed, err := url.Parse(a.URL)
		if err != nil {
			return fmt.Errorf("invalid address URL: %w", err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("address URL %v is not absolute",
				a.URL)
		}

		return nil

	default:
		return fmt.Errorf("address is empty")
	}
}

// String returns the bare address value.
func (a Address) String() string {
	if a.PublicKey != "" {
		return a.PublicKey
	}

	return a.URL
}

// Encoded returns the address in its URL-path form: "pk/<hex>" for
// public keys, "url/<base64url>" for URLs. This form doubles as the
// Location header value of the admin surface.
func (a Address) Encoded() string {
	if a.PublicKey != "" {
		return "pk/" + a.PublicKey
	}

	return "url/" + base64.RawURLEncoding.EncodeToString([]byte(a.URL))
}

// Hash returns a stable 64-bit digest of the address, used to key the
// enablement map and the consistent-hash ring.
func (a Address) Hash() uint64 {
	return xxhash.Sum64String(a.Encoded())
}

// ParseAddress parses the URL-path form produced by Encoded.
func ParseAddress(variant, encoded string) (Address, error) {
	switch variant {
	case "pk":
		return NewPublicKeyAddress(encoded)

	case "url":
		raw, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return Address{}, fmt.Errorf("invalid URL address "+
				"encoding: %w", err)
		}

		return NewURLAddress(string(raw))

	default:
		return Address{}, fmt.Errorf("unknown address variant '%v'",
			variant)
	}
}
