// Package policystore persists gateway policies in a local BoltDB file.
//
// Policies are small and read on every request, so the gateway keeps a
// watch-free in-memory view and reloads from here on mutation. The store is
// the durable source of truth across restarts.
package policystore
