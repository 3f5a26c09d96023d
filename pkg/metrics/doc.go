// Package metrics defines the Prometheus collectors shared by all TansuCloud
// services and exposes the /metrics handler. Collectors are package-level and
// registered once at init.
package metrics
