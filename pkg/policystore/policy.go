package policystore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the policy config payload.
type Type string

const (
	TypeIPDeny    Type = "IpDeny"
	TypeIPAllow   Type = "IpAllow"
	TypeCORS      Type = "Cors"
	TypeCache     Type = "CachePolicy"
	TypeRateLimit Type = "RateLimit"
)

// Mode controls how a policy affects live traffic.
type Mode string

const (
	// ModeShadow evaluates and emits metrics without altering the response.
	ModeShadow Mode = "Shadow"
	// ModeAuditOnly applies behavior and records matches but never blocks.
	ModeAuditOnly Mode = "AuditOnly"
	// ModeEnforce applies behavior and blocks violations with 403.
	ModeEnforce Mode = "Enforce"
)

// Entry is a stored policy. Config holds the type-specific payload.
type Entry struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Type      Type            `json:"type"`
	Mode      Mode            `json:"mode"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// IPConfig is the payload of IpDeny and IpAllow policies. Entries are bare
// IPs or CIDR blocks, IPv4 or IPv6.
type IPConfig struct {
	CIDRs []string `json:"cidrs"`
}

// CORSConfig is the payload of Cors policies. An allowed origin of "*"
// matches any origin.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowedOrigins"`
	AllowedMethods   []string `json:"allowedMethods"`
	AllowedHeaders   []string `json:"allowedHeaders"`
	ExposedHeaders   []string `json:"exposedHeaders,omitempty"`
	AllowCredentials bool     `json:"allowCredentials,omitempty"`
	MaxAgeSeconds    int      `json:"maxAgeSeconds,omitempty"`
}

// CacheConfig is the payload of CachePolicy policies.
type CacheConfig struct {
	TTLSeconds       int      `json:"ttlSeconds"`
	VaryByHost       bool     `json:"varyByHost"`
	VaryByQuery      []string `json:"varyByQuery,omitempty"`
	VaryByHeaders    []string `json:"varyByHeaders,omitempty"`
	VaryByRouteValue []string `json:"varyByRouteValues,omitempty"`
}

// RateLimitConfig is the payload of RateLimit policies. PartitionBy selects
// the limiter key: "tenant", "ip", or "route".
type RateLimitConfig struct {
	PermitsPerSecond float64 `json:"permitsPerSecond"`
	Burst            int     `json:"burst"`
	PartitionBy      string  `json:"partitionBy"`
}

// DecodeConfig unmarshals the entry's config into the variant matching its
// type.
func (e *Entry) DecodeConfig() (any, error) {
	var (
		v   any
		err error
	)
	switch e.Type {
	case TypeIPDeny, TypeIPAllow:
		cfg := &IPConfig{}
		err = json.Unmarshal(e.Config, cfg)
		v = cfg
	case TypeCORS:
		cfg := &CORSConfig{}
		err = json.Unmarshal(e.Config, cfg)
		v = cfg
	case TypeCache:
		cfg := &CacheConfig{}
		err = json.Unmarshal(e.Config, cfg)
		v = cfg
	case TypeRateLimit:
		cfg := &RateLimitConfig{}
		err = json.Unmarshal(e.Config, cfg)
		v = cfg
	default:
		return nil, fmt.Errorf("unknown policy type: %s", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", e.Type, err)
	}
	return v, nil
}
