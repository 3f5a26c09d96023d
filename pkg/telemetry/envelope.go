package telemetry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Item is one reported log record inside an envelope. Perf items arrive
// pre-aggregated with a count; everything else has Count == 1.
type Item struct {
	Kind         string            `json:"kind"`
	Timestamp    time.Time         `json:"timestamp"`
	Level        string            `json:"level"`
	Category     string            `json:"category,omitempty"`
	EventID      int               `json:"eventId,omitempty"`
	Message      string            `json:"message"`
	TemplateHash string            `json:"templateHash,omitempty"`
	Count        int               `json:"count"`
	TenantHash   string            `json:"tenantHash,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// ItemList stores items as a JSONB column.
type ItemList []Item

// Value implements driver.Valuer.
func (l ItemList) Value() (driver.Value, error) {
	if l == nil {
		l = ItemList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *ItemList) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into ItemList", src)
	}
}

// Envelope is one telemetry submission from a fleet member.
type Envelope struct {
	ID                uuid.UUID  `db:"id"                 json:"id"`
	Host              string     `db:"host"               json:"host"`
	Environment       string     `db:"environment"        json:"environment"`
	Service           string     `db:"service"            json:"service"`
	SeverityThreshold string     `db:"severity_threshold" json:"severityThreshold"`
	WindowMinutes     int        `db:"window_minutes"     json:"windowMinutes"`
	ReceivedAt        time.Time  `db:"received_at"        json:"receivedAt"`
	Items             ItemList   `db:"items"              json:"items"`
	AcknowledgedAt    *time.Time `db:"acknowledged_at"    json:"acknowledgedAt,omitempty"`
	DeletedAt         *time.Time `db:"deleted_at"         json:"deletedAt,omitempty"`
}
