package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultImageSize = 256
	maxImageSize     = 1024
)

// RenderPNG encodes a serialized payload as a QR code PNG.
func RenderPNG(serialized string, size int) ([]byte, error) {
	if serialized == "" {
		return nil, fmt.Errorf("render qr: empty payload")
	}
	if size <= 0 {
		size = defaultImageSize
	}
	if size > maxImageSize {
		size = maxImageSize
	}

	png, err := qrcode.Encode(serialized, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}
