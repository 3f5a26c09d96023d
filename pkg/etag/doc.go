/*
Package etag implements the shared hashing utilities used across TansuCloud:
weak ETags for cache validation, idempotency keys for write deduplication,
HMAC-based IP hashing and pseudonymization, and presigned-URL signatures.

Weak ETags take the form W/"base64(sha256(bytes))" and are compared after
stripping the W/ prefix and surrounding quotes, so a strong and weak form of
the same digest compare equal.
*/
package etag
