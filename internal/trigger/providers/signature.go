package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"
)

// validHubSignature checks a GitHub X-Hub-Signature-256 value ("sha256=<hex>"
// or bare hex) against the HMAC-SHA256 of body.
func validHubSignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return subtle.ConstantTimeCompare(mac.Sum(nil), actual) == 1
}

// validToken compares a shared-secret token header in constant time.
func validToken(token, secret string) bool {
	if secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// giteeSign computes Gitee's signed token: base64(HMAC-SHA256(secret,
// "<timestamp>\n<secret>")).
func giteeSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validGiteeToken accepts either the plain password or the timestamp
// signature, raw or URL-encoded.
func validGiteeToken(token, timestamp, secret string) bool {
	if validToken(token, secret) {
		return true
	}
	if timestamp == "" || token == "" || secret == "" {
		return false
	}
	expected := []byte(giteeSign(timestamp, secret))
	if subtle.ConstantTimeCompare([]byte(token), expected) == 1 {
		return true
	}
	decoded, err := url.PathUnescape(token)
	return err == nil && subtle.ConstantTimeCompare([]byte(decoded), expected) == 1
}
