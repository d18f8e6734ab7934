package qrimage

import (
	"bytes"
	"fmt"

	qrcode "github.com/yeqown/go-qrcode"
)

// ContentType is the MIME type of rendered pass images.
const ContentType = "image/jpeg"

// Render encodes the token into a scannable QR image.
func Render(token string) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("qrimage: empty token")
	}
	qrc, err := qrcode.New(token)
	if err != nil {
		return nil, fmt.Errorf("qrimage: build code: %w", err)
	}
	buf := &bytes.Buffer{}
	if err := qrc.SaveTo(buf); err != nil {
		return nil, fmt.Errorf("qrimage: render: %w", err)
	}
	return buf.Bytes(), nil
}
