package qrtoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Codec errors. The caller maps these onto its own error taxonomy.
var (
	ErrMalformed    = errors.New("qrtoken: malformed token")
	ErrBadSignature = errors.New("qrtoken: invalid signature")
)

// Payload is the content embedded in a scannable pass token. It identifies
// exactly one outpass request; the scan direction is never part of the token.
type Payload struct {
	RequestID string
	IssuedAt  time.Time
	Nonce     string
}

// Codec mints and verifies HMAC-signed pass tokens. It performs no I/O;
// resolving the request ID against storage is the gate service's job.
type Codec struct {
	secret []byte
}

// NewCodec constructs a codec with the provided signing secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Mint creates a token for the request with a fresh unpredictable nonce.
// Every mint rotates the nonce, so a photographed QR image stops validating
// once the backing token is replaced.
func (c *Codec) Mint(requestID string) (string, Payload, error) {
	if requestID == "" {
		return "", Payload{}, fmt.Errorf("qrtoken: request id required")
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", Payload{}, fmt.Errorf("qrtoken: nonce: %w", err)
	}
	payload := Payload{
		RequestID: requestID,
		IssuedAt:  time.Now().UTC().Truncate(time.Second),
		Nonce:     base64.RawURLEncoding.EncodeToString(buf),
	}
	token, err := c.Encode(payload)
	if err != nil {
		return "", Payload{}, err
	}
	return token, payload, nil
}

// Encode serialises and signs the payload. The format is
// id.issuedAtUnix.nonce.signature with a hex HMAC-SHA256 signature, which
// stays comfortably within 2-D barcode capacity.
func (c *Codec) Encode(p Payload) (string, error) {
	if p.RequestID == "" || p.Nonce == "" {
		return "", fmt.Errorf("qrtoken: incomplete payload")
	}
	if len(c.secret) == 0 {
		return "", fmt.Errorf("qrtoken: signing secret missing")
	}
	ts := strconv.FormatInt(p.IssuedAt.Unix(), 10)
	signature := c.sign(p.RequestID, ts, p.Nonce)
	return strings.Join([]string{p.RequestID, ts, p.Nonce, signature}, "."), nil
}

// Decode validates structure and signature, returning the embedded payload.
// It fails with ErrMalformed on structurally invalid input and ErrBadSignature
// when the payload was tampered with.
func (c *Codec) Decode(token string) (Payload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return Payload{}, ErrMalformed
	}
	id, ts, nonce, signature := parts[0], parts[1], parts[2], parts[3]
	if id == "" || nonce == "" {
		return Payload{}, ErrMalformed
	}
	issuedUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Payload{}, ErrMalformed
	}

	expected := c.sign(id, ts, nonce)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return Payload{}, ErrBadSignature
	}

	return Payload{
		RequestID: id,
		IssuedAt:  time.Unix(issuedUnix, 0).UTC(),
		Nonce:     nonce,
	}, nil
}

func (c *Codec) sign(id, ts, nonce string) string {
	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s|%s|%s", id, ts, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}
