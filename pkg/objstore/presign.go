package objstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tansucloud/tansucloud/pkg/etag"
)

// ObjectSignature is the signable description of a single object operation.
type ObjectSignature struct {
	Tenant      string
	Method      string
	Bucket      string
	Key         string
	ExpiresUnix int64
	// MaxBytes limits the upload size for signed PUTs; zero leaves the
	// canonical field empty.
	MaxBytes int64
	// ContentType pins the upload content type; empty leaves it unpinned.
	ContentType string
}

// TransformSignature is the signable description of an image transform.
type TransformSignature struct {
	Tenant      string
	Bucket      string
	Key         string
	Width       int
	Height      int
	Format      string
	Quality     int
	ExpiresUnix int64
}

// Presigner signs and validates presigned storage URLs. An empty secret
// produces no valid signatures.
type Presigner struct {
	secret string
	now    func() time.Time
}

// NewPresigner builds a Presigner around a shared secret.
func NewPresigner(secret string) *Presigner {
	return &Presigner{secret: secret, now: time.Now}
}

func emptyIfZero(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

func (sig ObjectSignature) canonical() string {
	return strings.Join([]string{
		sig.Tenant,
		strings.ToUpper(sig.Method),
		sig.Bucket,
		sig.Key,
		strconv.FormatInt(sig.ExpiresUnix, 10),
		emptyIfZero(sig.MaxBytes),
		sig.ContentType,
	}, "\n")
}

func (sig TransformSignature) canonical() string {
	return strings.Join([]string{
		sig.Tenant,
		"TRANSFORM",
		sig.Bucket,
		sig.Key,
		emptyIfZero(int64(sig.Width)),
		emptyIfZero(int64(sig.Height)),
		sig.Format,
		emptyIfZero(int64(sig.Quality)),
		strconv.FormatInt(sig.ExpiresUnix, 10),
	}, "\n")
}

// SignObject returns the hex signature for an object operation.
func (p *Presigner) SignObject(sig ObjectSignature) (string, error) {
	if p.secret == "" {
		return "", fmt.Errorf("presign secret is not configured")
	}
	if sig.ExpiresUnix <= p.now().Unix() {
		return "", fmt.Errorf("expiry is in the past")
	}
	return etag.Sign(p.secret, sig.canonical()), nil
}

// SignTransform returns the hex signature for a transform operation.
func (p *Presigner) SignTransform(sig TransformSignature) (string, error) {
	if p.secret == "" {
		return "", fmt.Errorf("presign secret is not configured")
	}
	if sig.ExpiresUnix <= p.now().Unix() {
		return "", fmt.Errorf("expiry is in the past")
	}
	return etag.Sign(p.secret, sig.canonical()), nil
}

// VerifyObject reports whether a signature matches an object operation and
// has not expired. Comparison is fixed-time.
func (p *Presigner) VerifyObject(sig ObjectSignature, signature string) bool {
	if sig.ExpiresUnix < p.now().Unix() {
		return false
	}
	return etag.Verify(p.secret, sig.canonical(), signature)
}

// VerifyTransform reports whether a signature matches a transform operation
// and has not expired.
func (p *Presigner) VerifyTransform(sig TransformSignature, signature string) bool {
	if sig.ExpiresUnix < p.now().Unix() {
		return false
	}
	return etag.Verify(p.secret, sig.canonical(), signature)
}
