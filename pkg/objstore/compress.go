package objstore

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// DefaultCompressibleTypes are the MIME types compressed unless overridden.
var DefaultCompressibleTypes = []string{
	"text/plain",
	"text/html",
	"text/css",
	"text/csv",
	"application/json",
	"application/xml",
	"application/javascript",
	"image/svg+xml",
}

// Compressor applies Brotli encoding to responses whose content type is in
// the allowlist, the client accepts br, and the representation carries a
// weak ETag. The ETag itself is never rewritten: weak tags assert semantic,
// not byte, equality.
type Compressor struct {
	level int
	types map[string]struct{}
}

// NewCompressor builds a Compressor at the given Brotli level. An empty
// type list uses DefaultCompressibleTypes.
func NewCompressor(level int, types []string) *Compressor {
	if level <= 0 {
		level = brotli.DefaultCompression
	}
	if len(types) == 0 {
		types = DefaultCompressibleTypes
	}
	allow := make(map[string]struct{}, len(types))
	for _, t := range types {
		allow[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Compressor{level: level, types: allow}
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc = strings.TrimSpace(enc)
		if enc == "br" || strings.HasPrefix(enc, "br;") {
			return true
		}
	}
	return false
}

func (c *Compressor) compressible(header http.Header) bool {
	if !strings.HasPrefix(header.Get("ETag"), "W/") {
		return false
	}
	ctype := header.Get("Content-Type")
	if i := strings.IndexByte(ctype, ';'); i >= 0 {
		ctype = ctype[:i]
	}
	_, ok := c.types[strings.ToLower(strings.TrimSpace(ctype))]
	return ok
}

// Middleware wraps a handler with conditional Brotli compression.
func (c *Compressor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsBrotli(r) {
			next.ServeHTTP(w, r)
			return
		}
		bw := &brotliWriter{ResponseWriter: w, compressor: c}
		defer bw.close()
		next.ServeHTTP(bw, r)
	})
}

// brotliWriter defers the encode decision until the response headers are
// final.
type brotliWriter struct {
	http.ResponseWriter
	compressor *Compressor
	encoder    *brotli.Writer
	decided    bool
}

func (b *brotliWriter) decide() {
	if b.decided {
		return
	}
	b.decided = true
	if !b.compressor.compressible(b.Header()) {
		return
	}
	b.Header().Set("Content-Encoding", "br")
	b.Header().Add("Vary", "Accept-Encoding")
	b.Header().Del("Content-Length")
	b.encoder = brotli.NewWriterLevel(b.ResponseWriter, b.compressor.level)
}

func (b *brotliWriter) WriteHeader(status int) {
	b.decide()
	b.ResponseWriter.WriteHeader(status)
}

func (b *brotliWriter) Write(p []byte) (int, error) {
	b.decide()
	if b.encoder != nil {
		return b.encoder.Write(p)
	}
	return b.ResponseWriter.Write(p)
}

func (b *brotliWriter) close() {
	if b.encoder != nil {
		b.encoder.Close()
	}
}
