// Package gateway is the platform edge: request enrichment, policy
// enforcement, dynamic output caching, rate limiting, and the reverse proxy
// in front of the backend services.
//
// Every request flows enrichment -> policy -> rate limit -> cache -> proxy.
// Policies load from a local BoltDB store and apply in one of three modes:
// Shadow (observe only), AuditOnly (apply but never block), and Enforce.
package gateway
