package lnurl

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// defaultQRSize is the edge length, in pixels, of rendered QR images.
const defaultQRSize = 512

// QRCodePNG renders the given content, typically an uppercase bech32
// LNURL string, into a PNG QR code.
func QRCodePNG(content string) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, defaultQRSize)
	if err != nil {
		return nil, fmt.Errorf("unable to render QR code: %w", err)
	}

	return png, nil
}
