// Package schema provisions per-tenant databases and keeps their schemas
// converged.
//
// Provisioning derives a database name from the tenant id, creates the
// database idempotently, installs the allowlisted extensions, applies the
// embedded migrations under a session advisory lock, and records the result
// in the __SchemaVersion table. The extension reconciler runs at startup and
// upgrades extensions across every tenant database, auditing each version
// change.
package schema
