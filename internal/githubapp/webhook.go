package githubapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// VerifyWebhookSignature performs the constant-time HMAC-SHA256
// comparison spec.md §4.1 requires: it returns false on any
// malformation (missing prefix, bad hex, wrong digest) rather than
// distinguishing failure modes — the caller only needs a boolean.
func VerifyWebhookSignature(payload []byte, headerValue string, secret []byte) bool {
	headerValue = strings.TrimSpace(headerValue)
	const prefix = "sha256="
	if !strings.HasPrefix(headerValue, prefix) {
		return false
	}
	wantHex := strings.TrimPrefix(headerValue, prefix)
	want, err := hex.DecodeString(wantHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

// ReadAndVerify reads the request body and verifies it against the
// X-Hub-Signature-256 header in one step, for handlers (C3) that need
// both the raw bytes and the verification result. A legacy
// X-Hub-Signature (sha1) header alone is treated as unverifiable: sha1
// is not supported.
func ReadAndVerify(r *http.Request, secret []byte) (body []byte, ok bool, err error) {
	body, err = io.ReadAll(r.Body)
	if err != nil {
		return nil, false, err
	}
	_ = r.Body.Close()
	header := r.Header.Get("X-Hub-Signature-256")
	if header == "" {
		return body, false, nil
	}
	return body, VerifyWebhookSignature(body, header, secret), nil
}
