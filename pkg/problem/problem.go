package problem

import (
	"encoding/json"
	"net/http"

	"github.com/tansucloud/tansucloud/pkg/log"
)

// ContentType is the RFC 7807 media type.
const ContentType = "application/problem+json"

// Details is an RFC 7807 problem document.
type Details struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// Write serializes a problem document to the response.
func Write(w http.ResponseWriter, p Details) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Errorf("failed to encode problem response", err)
	}
}

// Forbidden writes a 403 policy rejection.
func Forbidden(w http.ResponseWriter, detail, instance string) {
	Write(w, Details{
		Title:    "Forbidden",
		Status:   http.StatusForbidden,
		Detail:   detail,
		Instance: instance,
	})
}

// AuthRequired writes a 401 with the bearer challenge.
func AuthRequired(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	Write(w, Details{
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
	})
}

// NotFound writes a 404.
func NotFound(w http.ResponseWriter, detail string) {
	Write(w, Details{
		Title:  "Not Found",
		Status: http.StatusNotFound,
		Detail: detail,
	})
}

// Validation writes a 400 with field-scoped errors.
func Validation(w http.ResponseWriter, detail string, fields map[string]string) {
	Write(w, Details{
		Title:  "Bad Request",
		Status: http.StatusBadRequest,
		Detail: detail,
		Errors: fields,
	})
}

// Internal writes an opaque 500 carrying only the correlation id.
func Internal(w http.ResponseWriter, correlationID string) {
	Write(w, Details{
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Instance: correlationID,
	})
}

// PreconditionFailed writes a 412 for ETag mismatches on writes.
func PreconditionFailed(w http.ResponseWriter, detail string) {
	Write(w, Details{
		Title:  "Precondition Failed",
		Status: http.StatusPreconditionFailed,
		Detail: detail,
	})
}

// QuotaExceeded writes the quota rejection for a route. Storage writes use
// 413; capacity exhaustion uses 507.
func QuotaExceeded(w http.ResponseWriter, status int, detail string) {
	Write(w, Details{
		Title:  "Quota Exceeded",
		Status: status,
		Detail: detail,
	})
}

// UpstreamUnavailable writes a 502 or 503 for upstream failures.
func UpstreamUnavailable(w http.ResponseWriter, status int, detail string) {
	Write(w, Details{
		Title:  "Upstream Unavailable",
		Status: status,
		Detail: detail,
	})
}
