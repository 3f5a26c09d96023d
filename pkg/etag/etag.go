package etag

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Weak computes the weak ETag for a byte slice: W/"base64(sha256(b))".
// Two payloads share a weak ETag exactly when their SHA-256 digests match.
func Weak(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + base64.StdEncoding.EncodeToString(sum[:]) + `"`
}

// WeakString computes the weak ETag for a string.
func WeakString(s string) string {
	return Weak([]byte(s))
}

// normalize strips the W/ prefix and surrounding quotes from an ETag token.
func normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}

// Compare reports whether two ETags are equal after weak normalization.
func Compare(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return normalize(a) == normalize(b)
}

// Match evaluates an If-None-Match / If-Match header value against the
// current ETag. The wildcard "*" matches any existing representation, and
// comma-separated lists match if any token compares equal.
func Match(headerValue, current string) bool {
	if headerValue == "" {
		return false
	}
	for _, token := range strings.Split(headerValue, ",") {
		token = strings.TrimSpace(token)
		if token == "*" {
			return current != ""
		}
		if Compare(token, current) {
			return true
		}
	}
	return false
}

// IdempotencyKey derives a stable hex key from the natural-key tuple of a
// write. Parts are joined with "|" before hashing so distinct tuples cannot
// collide by concatenation.
func IdempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// HashIP computes the HMAC-SHA256 hex digest of a client IP using the
// configured salt. An empty salt yields an empty result so callers can skip
// the field entirely.
func HashIP(salt, ip string) string {
	if salt == "" || ip == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// Pseudonymize hashes a value for reporting. With a secret it uses
// HMAC-SHA256; without one it falls back to plain SHA-256.
func Pseudonymize(secret, value string) string {
	if value == "" {
		return ""
	}
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(value))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Sign computes the hex HMAC-SHA256 signature of a canonical string.
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against a canonical string in constant time.
// An empty secret never verifies.
func Verify(secret, canonical, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, canonical)
	return hmac.Equal([]byte(expected), []byte(signature))
}
