// Package health aggregates readiness checks for a TansuCloud service:
// upstream HTTP endpoints, TCP dependencies (Postgres, Redis, PgCat), and
// cross-database extension version agreement. Checks report one of three
// states; degraded keeps serving traffic while flagging drift.
package health
