package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSignatureMissing  = errors.New("signature header missing")
	ErrSignatureFormat   = errors.New("signature header malformed")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

const signaturePrefix = "sha256="

// VerifySignature checks an X-Hub-Signature-256 header against the
// HMAC-SHA256 of body.
func VerifySignature(secret, body []byte, header string) error {
	if header == "" {
		return ErrSignatureMissing
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrSignatureFormat
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the header value for body. Used by tests and tooling that
// replays deliveries.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
