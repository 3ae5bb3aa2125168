package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/roach88/provharness/internal/dto"
)

// Signature headers, in lookup order.
var signatureHeaders = []string{"x-webex-signature", "x-spark-signature"}

const signaturePrefix = "SHA-256="

// VerifySignature checks a webhook signature header against an
// HMAC-SHA256 of body. The header is a comma-separated list; the first
// SHA-256= segment is used. A missing or malformed header is false.
func VerifySignature(secret []byte, headers []dto.Header, body []byte) bool {
	var value string
	var found bool
	for _, name := range signatureHeaders {
		if value, found = dto.HeaderValue(headers, name); found {
			break
		}
	}
	if !found {
		return false
	}

	digest, ok := signatureDigest(value)
	if !ok {
		return false
	}

	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func signatureDigest(header string) (string, bool) {
	for _, segment := range strings.Split(header, ",") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(segment), signaturePrefix); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`), true
		}
	}
	return "", false
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
