package tenant

import (
	"net"
	"strings"
)

const (
	// Prefix namespaces every per-tenant database and storage root.
	Prefix = "tansu_tenant_"

	// HeaderName carries the resolved tenant between internal hops.
	// It is never trusted when it arrives directly from a browser.
	HeaderName = "X-Tansu-Tenant"
)

// Source indicates where a tenant id was resolved from.
type Source int

const (
	SourceNone Source = iota
	SourcePath
	SourceSubdomain
	SourceBoth
)

func (s Source) String() string {
	switch s {
	case SourcePath:
		return "path"
	case SourceSubdomain:
		return "subdomain"
	case SourceBoth:
		return "both"
	default:
		return "none"
	}
}

// Resolution is the outcome of resolving a tenant from a request.
type Resolution struct {
	Tenant string
	Source Source
}

// Normalize lowers a caller-supplied tenant id and replaces every character
// outside [a-z0-9] with an underscore. Two caller strings that normalize
// identically share the same tenant namespace.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DatabaseName derives the per-tenant database name.
func DatabaseName(id string) string {
	n := Normalize(id)
	if n == "" {
		return ""
	}
	return Prefix + n
}

// StorageRoot derives the per-tenant storage root directory name.
// It is the same normalized, prefixed form as the database name.
func StorageRoot(id string) string {
	return DatabaseName(id)
}

// Resolve determines the tenant for a request from its host and path.
// Precedence: a /t/{id} path segment (bare or after a route base) wins over
// a subdomain. Reserved hosts (localhost, bare IPs, www, hosts with fewer
// than three labels) never contribute a subdomain tenant.
func Resolve(host, path string) Resolution {
	fromPath := tenantFromPath(path)
	fromSub := tenantFromSubdomain(host)

	switch {
	case fromPath != "" && fromSub != "":
		return Resolution{Tenant: fromPath, Source: SourceBoth}
	case fromPath != "":
		return Resolution{Tenant: fromPath, Source: SourcePath}
	case fromSub != "":
		return Resolution{Tenant: fromSub, Source: SourceSubdomain}
	default:
		return Resolution{Source: SourceNone}
	}
}

// tenantFromPath extracts a tenant from /t/{id}/... or /{routebase}/t/{id}/...
func tenantFromPath(path string) string {
	segments := splitPath(path)
	if len(segments) >= 2 && segments[0] == "t" {
		return segments[1]
	}
	if len(segments) >= 3 && segments[1] == "t" {
		return segments[2]
	}
	return ""
}

// tenantFromSubdomain extracts the first host label when the host is a real
// multi-label DNS name.
func tenantFromSubdomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || host == "localhost" {
		return ""
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	if labels[0] == "www" || labels[0] == "" {
		return ""
	}
	return labels[0]
}

// RouteBase returns the first path segment of a request path, or "" for the
// root path.
func RouteBase(path string) string {
	segments := splitPath(path)
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
