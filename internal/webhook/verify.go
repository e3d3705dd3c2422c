// Package webhook handles inbound webhook verification, classification,
// and job enqueueing.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature is returned when a claimed signature does not match
// the HMAC of the raw body.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks an HMAC-SHA256 signature over the raw request
// body. The claimed value may carry a "sha256=" prefix (GitHub style) or be
// bare hex. Comparison is constant time. The body must be the raw bytes as
// received; verifying a re-serialized form would change the bytes and
// defeat the check.
func VerifySignature(body []byte, claimed, secret string) error {
	claimed = strings.TrimPrefix(claimed, "sha256=")
	claimedRaw, err := hex.DecodeString(claimed)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(claimedRaw, expected) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
