package logreport

import (
	"strconv"
	"strings"
	"time"

	"github.com/tansucloud/tansucloud/pkg/etag"
)

// Severity orders log levels for threshold filtering.
type Severity int

const (
	SeverityTrace Severity = iota
	SeverityDebug
	SeverityInformation
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityTrace:       "Trace",
	SeverityDebug:       "Debug",
	SeverityInformation: "Information",
	SeverityWarning:     "Warning",
	SeverityError:       "Error",
	SeverityCritical:    "Critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "Information"
}

// ParseSeverity maps a level name to its rank, defaulting to Warning for
// unknown input.
func ParseSeverity(name string) Severity {
	for s, n := range severityNames {
		if strings.EqualFold(n, name) {
			return s
		}
	}
	return SeverityWarning
}

// Record is one locally captured log entry.
type Record struct {
	Timestamp  time.Time
	Level      Severity
	Category   string
	EventID    int
	Message    string
	TenantID   string
	Properties map[string]string
}

// Event id bands with special classification.
const (
	perfEventMin = 1500
	perfEventMax = 1599
	teleEventMin = 4000
	teleEventMax = 4099
)

// Kind classifies a record for the report payload.
func (r Record) Kind() string {
	switch {
	case r.EventID >= perfEventMin && r.EventID <= perfEventMax:
		return "perf_slo_breach"
	case r.EventID >= teleEventMin && r.EventID <= teleEventMax:
		return "telemetry_internal"
	case r.Level >= SeverityCritical:
		return "critical"
	case r.Level >= SeverityError:
		return "error"
	case r.Level >= SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// TemplateHash identifies a record's message template for aggregation.
func (r Record) TemplateHash() string {
	return etag.IdempotencyKey(r.Category, strconv.Itoa(r.EventID), r.Message)
}
